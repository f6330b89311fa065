package models

import "time"

// KeyStatus marks whether a data key still seals new data.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRetired KeyStatus = "retired"
)

// DataEncryptionKey is a wrapped symmetric key scoped to an encryption domain.
// WrappedKey is sealed under the master wrapping key and never leaves storage in JSON.
type DataEncryptionKey struct {
	KeyID      string     `db:"key_id" json:"key_id"`
	Domain     string     `db:"domain" json:"domain"`
	Version    int        `db:"version" json:"version"`
	Status     KeyStatus  `db:"status" json:"status"`
	WrappedKey []byte     `db:"wrapped_key" json:"-"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	RetiredAt  *time.Time `db:"retired_at" json:"retired_at,omitempty"`
}
