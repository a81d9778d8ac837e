package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReconRunStatus string

const (
	ReconRunStatusRunning  ReconRunStatus = "Running"
	ReconRunStatusFinished ReconRunStatus = "Finished"
	ReconRunStatusTimedOut ReconRunStatus = "TimedOut"
)

// ReconRun is one reconciliation pass: policy snapshot, timing and
// aggregate counters. Counters are written once at pass end from the
// engine's atomic tallies.
type ReconRun struct {
	ID             int            `gorm:"primary_key" json:"id"`
	RunUuid        string         `gorm:"size:64;not null;uniqueIndex" json:"run_uuid"`
	DryRun         bool           `gorm:"not null" json:"dry_run"`
	PolicyJSON     string         `gorm:"type:text" json:"policy_json"`
	Status         ReconRunStatus `gorm:"size:20;not null" json:"status"`
	RecordCount    int            `gorm:"not null;default:0" json:"record_count"`
	StartedAt      time.Time      `gorm:"not null" json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at"`
	CategoryCounts string         `gorm:"type:text" json:"category_counts"`
	OutcomeCounts  string         `gorm:"type:text" json:"outcome_counts"`
}

// ReconRecordResult is the per-record audit row: what the record was
// classified as, what was planned, and how execution ended. Nothing is ever
// silently dropped; even malformed records get a row.
type ReconRecordResult struct {
	ID             int                 `gorm:"primary_key" json:"id"`
	RunUuid        string              `gorm:"size:64;not null;index" json:"run_uuid"`
	SourceId       string              `gorm:"size:64;not null;index" json:"source_id"`
	Category       DiscrepancyCategory `gorm:"size:40;not null;index" json:"category"`
	ActionType     *ActionType         `gorm:"size:40" json:"action_type"`
	Outcome        ActionOutcome       `gorm:"size:40;not null;index" json:"outcome"`
	Reason         string              `gorm:"type:text" json:"reason"`
	MatchedInvoice *int                `json:"matched_invoice"`
	RecordTotal    decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"record_total"`
	LedgerNet      decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"ledger_net"`
	Difference     decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"difference"`
	IdempotencyKey string              `gorm:"size:64" json:"idempotency_key"`
	CreatedAt      time.Time           `gorm:"autoCreateTime" json:"created_at"`
}
