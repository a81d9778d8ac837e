package models

import "time"

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyKey provides durable, DB-backed idempotency for correction
// actions. The ledger-side key lookup is authoritative; these rows exist so
// a resumed pass can tell in-progress from finished without re-querying
// every document.
// Unique constraint: (source_id, action_type, action_key).
type IdempotencyKey struct {
	ID         int               `gorm:"primary_key" json:"id"`
	SourceId   string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"source_id"`
	ActionType string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"action_type"`
	ActionKey  string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"action_key"`
	Status     IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	LastError  *string           `gorm:"type:text" json:"last_error"`
	CreatedAt  time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
