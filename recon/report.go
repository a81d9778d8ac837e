package recon

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/nimavakil1/recon_backend/config"
	"github.com/nimavakil1/recon_backend/models"
)

// RunReport aggregates one pass. Workers append results concurrently;
// counters use atomic increments, the result slice a short-held mutex.
type RunReport struct {
	RunUuid    string
	DryRun     bool
	Policy     config.Policy
	StartedAt  time.Time
	FinishedAt time.Time
	TimedOut   bool

	mu      sync.Mutex
	results []RecordResult
	seen    map[string]bool

	categoryCounts map[models.DiscrepancyCategory]*int64
	outcomeCounts  map[models.ActionOutcome]*int64
}

func NewRunReport(runUuid string, policy config.Policy, startedAt time.Time) *RunReport {
	r := &RunReport{
		RunUuid:        runUuid,
		DryRun:         policy.DryRun,
		Policy:         policy,
		StartedAt:      startedAt,
		seen:           map[string]bool{},
		categoryCounts: map[models.DiscrepancyCategory]*int64{},
		outcomeCounts:  map[models.ActionOutcome]*int64{},
	}
	for _, c := range models.AllCategories {
		r.categoryCounts[c] = new(int64)
	}
	for _, o := range models.AllOutcomes {
		r.outcomeCounts[o] = new(int64)
	}
	return r
}

func (r *RunReport) Add(result RecordResult) {
	r.mu.Lock()
	r.results = append(r.results, result)
	r.seen[result.SourceId] = true
	r.mu.Unlock()

	if counter, ok := r.categoryCounts[result.Category]; ok {
		atomic.AddInt64(counter, 1)
	}
	if counter, ok := r.outcomeCounts[result.Outcome]; ok {
		atomic.AddInt64(counter, 1)
	}
}

func (r *RunReport) Has(sourceId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[sourceId]
}

func (r *RunReport) RecordCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

// Results returns a copy sorted by source id for stable reporting.
func (r *RunReport) Results() []RecordResult {
	r.mu.Lock()
	out := append([]RecordResult(nil), r.results...)
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SourceId < out[j].SourceId })
	return out
}

func (r *RunReport) MarkTimedOut() {
	r.mu.Lock()
	r.TimedOut = true
	r.mu.Unlock()
}

func (r *RunReport) Finish(at time.Time) {
	r.mu.Lock()
	r.FinishedAt = at
	r.mu.Unlock()
}

func (r *RunReport) CategoryCounts() map[models.DiscrepancyCategory]int64 {
	out := make(map[models.DiscrepancyCategory]int64, len(r.categoryCounts))
	for c, counter := range r.categoryCounts {
		out[c] = atomic.LoadInt64(counter)
	}
	return out
}

func (r *RunReport) OutcomeCounts() map[models.ActionOutcome]int64 {
	out := make(map[models.ActionOutcome]int64, len(r.outcomeCounts))
	for o, counter := range r.outcomeCounts {
		out[o] = atomic.LoadInt64(counter)
	}
	return out
}

// Summary renders the human-readable run digest.
func (r *RunReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s", r.RunUuid)
	if r.DryRun {
		b.WriteString(" (dry run)")
	}
	if r.TimedOut {
		b.WriteString(" (timed out)")
	}
	fmt.Fprintf(&b, ": %d records\n", r.RecordCount())
	for _, c := range models.AllCategories {
		if n := atomic.LoadInt64(r.categoryCounts[c]); n > 0 {
			fmt.Fprintf(&b, "  %-26s %d\n", c, n)
		}
	}
	b.WriteString("outcomes:\n")
	for _, o := range models.AllOutcomes {
		if n := atomic.LoadInt64(r.outcomeCounts[o]); n > 0 {
			fmt.Fprintf(&b, "  %-26s %d\n", o, n)
		}
	}
	return b.String()
}

// SaveRunReport persists the run header plus one audit row per record.
func SaveRunReport(db *gorm.DB, report *RunReport) error {
	policyJSON, err := json.Marshal(report.Policy)
	if err != nil {
		return err
	}
	categoryJSON, err := json.Marshal(report.CategoryCounts())
	if err != nil {
		return err
	}
	outcomeJSON, err := json.Marshal(report.OutcomeCounts())
	if err != nil {
		return err
	}

	status := models.ReconRunStatusFinished
	if report.TimedOut {
		status = models.ReconRunStatusTimedOut
	}

	run := models.ReconRun{
		RunUuid:        report.RunUuid,
		DryRun:         report.DryRun,
		PolicyJSON:     string(policyJSON),
		Status:         status,
		RecordCount:    report.RecordCount(),
		StartedAt:      report.StartedAt,
		FinishedAt:     &report.FinishedAt,
		CategoryCounts: string(categoryJSON),
		OutcomeCounts:  string(outcomeJSON),
	}

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return err
		}
		for _, result := range report.Results() {
			row := models.ReconRecordResult{
				RunUuid:        report.RunUuid,
				SourceId:       result.SourceId,
				Category:       result.Category,
				Outcome:        result.Outcome,
				Reason:         result.Reason,
				MatchedInvoice: result.Matched,
			}
			if result.Action != nil {
				actionType := result.Action.Type
				row.ActionType = &actionType
				row.IdempotencyKey = result.Action.IdempotencyKey
			}
			if result.RecordTotal != "" {
				if total, err := parseAmount(result.RecordTotal); err == nil {
					row.RecordTotal = total
				}
			}
			if result.Net != "" {
				if net, err := parseAmount(result.Net); err == nil {
					row.LedgerNet = net
				}
			}
			if result.Diff != "" {
				if diff, err := parseAmount(result.Diff); err == nil {
					row.Difference = diff
				}
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
