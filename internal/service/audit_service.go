package service

import (
	"context"
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
	"github.com/max-254/Uni-connect-sub002/pkg/export"
	"github.com/max-254/Uni-connect-sub002/pkg/jobs"
)

// Export formats accepted by AuditService.Export.
const (
	ExportFormatCSV = "csv"
	ExportFormatPDF = "pdf"
)

const (
	auditJobType     = "audit.write"
	exportPageSize   = 500
	defaultMaxExport = 50000
)

type auditRepository interface {
	Create(ctx context.Context, entry *models.AuditLog) error
	ListByUser(ctx context.Context, userID string, limit int) ([]models.AuditLog, error)
	Query(ctx context.Context, filter models.AuditFilter) ([]models.AuditLog, int, error)
}

// auditRecorder is what every other service needs from the ledger.
type auditRecorder interface {
	Record(ctx context.Context, rec models.AuditRecord)
}

// AuditConfig controls the write path.
type AuditConfig struct {
	Async        bool
	Workers      int
	BufferSize   int
	WriteTimeout time.Duration

	// ExportMaxRows bounds a single export. Larger result sets are refused, never cut short.
	ExportMaxRows int
}

// ExportFile is a rendered export ready to be sent as an attachment.
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// AuditService is the append-only ledger. Record never fails the caller; write
// failures go to the log and the audit_write_failures_total counter.
type AuditService struct {
	repo        auditRepository
	permissions *PermissionService
	logger      *zap.Logger
	metrics     *MetricsService
	config      AuditConfig
	queue       *jobs.Queue
	csv         *export.CSVExporter
	pdf         *export.PDFExporter
	now         func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewAuditService constructs the ledger. With Async set, writes go through a worker queue
// that must be started with Start.
func NewAuditService(repo auditRepository, permissions *PermissionService, logger *zap.Logger, metrics *MetricsService, cfg AuditConfig) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.ExportMaxRows <= 0 {
		cfg.ExportMaxRows = defaultMaxExport
	}
	svc := &AuditService{
		repo:        repo,
		permissions: permissions,
		logger:      logger,
		metrics:     metrics,
		config:      cfg,
		csv:         export.NewCSVExporter(),
		pdf:         export.NewPDFExporter(),
		now:         time.Now,
		entropy:     ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
	}
	if cfg.Async {
		svc.queue = jobs.NewQueue("audit", svc.handleJob, jobs.QueueConfig{
			Workers:    cfg.Workers,
			BufferSize: cfg.BufferSize,
			MaxRetries: 2,
			RetryDelay: 100 * time.Millisecond,
			Logger:     logger,
			OnFailure: func(job jobs.Job, err error) {
				entry, _ := job.Payload.(*models.AuditLog)
				svc.reportFailure(entry, err)
			},
		})
	}
	return svc
}

// Start launches the async writers, if configured.
func (s *AuditService) Start(ctx context.Context) {
	if s.queue != nil {
		s.queue.Start(ctx)
	}
}

// Stop drains pending async writes.
func (s *AuditService) Stop() {
	if s.queue != nil {
		s.queue.Stop()
	}
}

// Record appends an entry. Timestamp, id and request origin are assigned here.
func (s *AuditService) Record(ctx context.Context, rec models.AuditRecord) {
	var entry *models.AuditLog
	defer func() {
		if r := recover(); r != nil {
			s.reportFailure(entry, fmt.Errorf("panic: %v", r))
		}
	}()

	entry = s.buildEntry(ctx, rec)

	if s.queue != nil {
		if err := s.queue.TryEnqueue(jobs.Job{ID: entry.ID, Type: auditJobType, Payload: entry}); err != nil {
			s.metrics.RecordAuditDropped()
			s.reportFailure(entry, err)
		}
		return
	}

	if err := s.write(ctx, entry); err != nil {
		s.reportFailure(entry, err)
	}
}

// ListForPrincipal returns the principal's own history, newest first.
func (s *AuditService) ListForPrincipal(ctx context.Context, principalID string, limit int) ([]models.AuditLog, error) {
	entries, err := s.repo.ListByUser(ctx, principalID, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activity")
	}
	return entries, nil
}

// Query searches the whole ledger. It requires audit_log:read.
func (s *AuditService) Query(ctx context.Context, actor models.Principal, filter models.AuditFilter) ([]models.AuditLog, *models.Pagination, error) {
	if err := s.permissions.Authorize(actor, models.AuditResourceAuditLog, "read", ""); err != nil {
		return nil, nil, err
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "to must not be before from")
	}
	entries, total, err := s.repo.Query(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to query audit log")
	}
	page, size := normalizePage(filter.Page, filter.PageSize, 50, 500)
	return entries, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Export renders matching entries as CSV or PDF. The export itself is audited.
func (s *AuditService) Export(ctx context.Context, actor models.Principal, filter models.AuditFilter, format string) (*ExportFile, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = ExportFormatCSV
	}
	if format != ExportFormatCSV && format != ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	entries, err := s.collectForExport(ctx, actor, filter)
	if err != nil {
		return nil, err
	}

	dataset := auditDataset(entries)
	generatedAt := s.now().UTC()
	file := &ExportFile{}
	switch format {
	case ExportFormatPDF:
		file.Data, err = s.pdf.Render(dataset, "Audit log", generatedAt)
		file.ContentType = "application/pdf"
	default:
		file.Data, err = s.csv.Render(dataset)
		file.ContentType = "text/csv"
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}
	file.Filename = fmt.Sprintf("audit-%s.%s", generatedAt.Format("20060102T150405Z"), format)

	s.Record(ctx, models.AuditRecord{
		PrincipalID: actor.ID,
		Action:      models.AuditActionExport,
		Resource:    models.AuditResourceAuditLog,
		Detail:      map[string]interface{}{"format": format, "rows": len(entries)},
	})
	return file, nil
}

// collectForExport walks every page of the filter. The upper bound is pinned to the start of
// the export so entries written meanwhile cannot shift the pages.
func (s *AuditService) collectForExport(ctx context.Context, actor models.Principal, filter models.AuditFilter) ([]models.AuditLog, error) {
	if filter.To == nil {
		at := s.now().UTC()
		if filter.From == nil || !filter.From.After(at) {
			filter.To = &at
		}
	}
	filter.Page = 1
	filter.PageSize = exportPageSize

	entries, page, err := s.Query(ctx, actor, filter)
	if err != nil {
		return nil, err
	}
	if page.TotalCount > s.config.ExportMaxRows {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("export matches %d entries, more than the %d allowed; narrow the time range", page.TotalCount, s.config.ExportMaxRows))
	}

	for len(entries) < page.TotalCount {
		filter.Page++
		batch, _, err := s.repo.Query(ctx, filter)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to query audit log")
		}
		if len(batch) == 0 {
			break
		}
		entries = append(entries, batch...)
	}
	return entries, nil
}

func (s *AuditService) buildEntry(ctx context.Context, rec models.AuditRecord) *models.AuditLog {
	meta := RequestMetaFromContext(ctx)
	now := s.now().UTC()
	entry := &models.AuditLog{
		ID:        s.newID(now),
		Action:    rec.Action,
		Resource:  rec.Resource,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
		RequestID: meta.RequestID,
		CreatedAt: now,
	}
	if rec.PrincipalID != "" {
		principal := rec.PrincipalID
		entry.UserID = &principal
	}
	if rec.ResourceID != "" {
		resourceID := rec.ResourceID
		entry.ResourceID = &resourceID
	}
	detail := rec.Detail
	if detail == nil {
		detail = map[string]interface{}{}
	}
	if raw, err := json.Marshal(detail); err == nil {
		entry.Detail = raw
	} else {
		entry.Detail = json.RawMessage(`{}`)
		s.logger.Warn("audit detail not serializable", zap.String("action", rec.Action), zap.Error(err))
	}
	return entry
}

func (s *AuditService) newID(at time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
}

func (s *AuditService) write(ctx context.Context, entry *models.AuditLog) error {
	// the entry must land even if the request that produced it was cancelled
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.WriteTimeout)
	defer cancel()
	start := time.Now()
	err := s.repo.Create(writeCtx, entry)
	s.metrics.ObserveAuditWrite(time.Since(start))
	return err
}

func (s *AuditService) handleJob(ctx context.Context, job jobs.Job) error {
	entry, ok := job.Payload.(*models.AuditLog)
	if !ok {
		return fmt.Errorf("unexpected audit payload %T", job.Payload)
	}
	return s.write(ctx, entry)
}

func (s *AuditService) reportFailure(entry *models.AuditLog, err error) {
	action := "unknown"
	fields := []zap.Field{zap.Error(err)}
	if entry != nil {
		action = entry.Action
		fields = append(fields, zap.String("audit_id", entry.ID), zap.String("action", entry.Action), zap.String("resource", entry.Resource))
	}
	s.metrics.RecordAuditFailure(action)
	s.logger.Error(appErrors.ErrAuditWrite.Message, fields...)
}

func auditDataset(entries []models.AuditLog) export.Dataset {
	headers := []string{"id", "created_at", "user_id", "action", "resource", "resource_id", "ip_address", "detail"}
	rows := make([]map[string]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, map[string]string{
			"id":          e.ID,
			"created_at":  e.CreatedAt.UTC().Format(time.RFC3339),
			"user_id":     derefString(e.UserID),
			"action":      e.Action,
			"resource":    e.Resource,
			"resource_id": derefString(e.ResourceID),
			"ip_address":  e.IPAddress,
			"detail":      string(e.Detail),
		})
	}
	return export.Dataset{Headers: headers, Rows: rows}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func normalizePage(page, size, def, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > limit {
		size = def
	}
	return page, size
}
