package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVExporterRender(t *testing.T) {
	data := Dataset{
		Headers: []string{"id", "action"},
		Rows: []map[string]string{
			{"id": "01", "action": "login"},
			{"id": "02", "action": "=HYPERLINK(\"x\")"},
		},
	}

	out, err := NewCSVExporter().Render(data)
	require.NoError(t, err)
	assert.Equal(t, "id,action\n01,login\n02,\"'=HYPERLINK(\"\"x\"\")\"\n", string(out))
}

func TestCSVExporterRequiresHeaders(t *testing.T) {
	_, err := NewCSVExporter().Render(Dataset{})
	assert.Error(t, err)
}

func TestPDFExporterRender(t *testing.T) {
	rows := make([]map[string]string, 0, 80)
	for i := 0; i < 80; i++ {
		rows = append(rows, map[string]string{"id": "entry", "detail": "a very long detail value that will certainly need to be truncated in the cell"})
	}

	out, err := NewPDFExporter().Render(Dataset{Headers: []string{"id", "detail"}, Rows: rows}, "audit log", time.Now())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}
