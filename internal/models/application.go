package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Application statuses as rendered in admin replies.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Metadata holds arbitrary applicant-supplied fields, stored as JSONB.
type Metadata map[string]string

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		m = Metadata{}
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = Metadata{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
	if len(raw) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Application is a community-space application keyed by its schema slug.
// The schema doubles as a DNS label fragment and is immutable once created.
type Application struct {
	Schema          string   `db:"schema" json:"schema"`
	Pubkey          string   `db:"pubkey" json:"pubkey"`
	Name            string   `db:"name" json:"name"`
	Description     string   `db:"description" json:"description"`
	Image           string   `db:"image" json:"image,omitempty"`
	Metadata        Metadata `db:"metadata" json:"metadata"`
	CreatedAt       int64    `db:"created_at" json:"created_at"`
	ApprovedAt      *int64   `db:"approved_at" json:"approved_at,omitempty"`
	ApprovedMessage *string  `db:"approved_message" json:"approved_message,omitempty"`
	RejectedAt      *int64   `db:"rejected_at" json:"rejected_at,omitempty"`
	RejectedMessage *string  `db:"rejected_message" json:"rejected_message,omitempty"`
}

// Status reports exactly one of pending, approved or rejected. The store
// guarantees the approved and rejected pairs are mutually exclusive.
func (a *Application) Status() string {
	switch {
	case a.ApprovedAt != nil:
		return StatusApproved
	case a.RejectedAt != nil:
		return StatusRejected
	default:
		return StatusPending
	}
}
