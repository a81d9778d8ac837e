package recon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nimavakil1/recon_backend/config"
	"github.com/nimavakil1/recon_backend/ledger"
	"github.com/nimavakil1/recon_backend/models"
)

// fakeLedger is an in-memory LedgerPort. Creation failures are scripted per
// source reference so concurrent workers cannot race over a shared script.
type fakeLedger struct {
	mu         sync.Mutex
	candidates  map[string][]models.LedgerInvoice
	byKey       map[string]models.LedgerInvoice
	failCreate  map[string]*createFailure
	onBatch     func()
	onKeyLookup func()
	batchErr    error

	nextId  int
	creates int
	posts   int
	links   int
	adjusts int
	cancels int
}

type createFailure struct {
	remaining int
	transient bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		candidates: map[string][]models.LedgerInvoice{},
		byKey:      map[string]models.LedgerInvoice{},
		failCreate: map[string]*createFailure{},
		nextId:     1000,
	}
}

func (f *fakeLedger) mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates + f.posts + f.links + f.adjusts + f.cancels
}

func (f *fakeLedger) FindBySourceReference(ctx context.Context, sourceId string) ([]models.LedgerInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candidates[sourceId], nil
}

func (f *fakeLedger) FindByIdempotencyKey(ctx context.Context, key string) (*models.LedgerInvoice, error) {
	f.mu.Lock()
	onKeyLookup := f.onKeyLookup
	inv, ok := f.byKey[key]
	f.mu.Unlock()

	if onKeyLookup != nil {
		onKeyLookup()
	}
	if ok {
		return &inv, nil
	}
	return nil, nil
}

func (f *fakeLedger) BatchFind(ctx context.Context, sourceIds []string, batchSize int) (map[string][]models.LedgerInvoice, error) {
	f.mu.Lock()
	onBatch, batchErr := f.onBatch, f.batchErr
	out := make(map[string][]models.LedgerInvoice, len(sourceIds))
	for _, id := range sourceIds {
		if invs, ok := f.candidates[id]; ok {
			out[id] = invs
		}
	}
	f.mu.Unlock()

	if onBatch != nil {
		onBatch()
	}
	if batchErr != nil {
		return nil, batchErr
	}
	return out, nil
}

func (f *fakeLedger) CreateDocument(ctx context.Context, payload models.DocumentPayload) (ledger.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if plan, ok := f.failCreate[payload.SourceReference]; ok && plan.remaining > 0 {
		plan.remaining--
		if plan.transient {
			return ledger.CreateResult{}, &ledger.TransientError{Op: "CreateDocument", Err: errors.New("scripted 503")}
		}
		return ledger.CreateResult{}, &ledger.FatalError{Op: "CreateDocument", Err: errors.New("scripted validation failure")}
	}
	f.nextId++
	inv := models.LedgerInvoice{
		Id:              f.nextId,
		DocumentNumber:  fmt.Sprintf("DOC-%d", f.nextId),
		Kind:            payload.Kind,
		State:           models.DocumentStateDraft,
		DocumentDate:    payload.DocumentDate,
		Currency:        payload.Currency,
		SourceReference: payload.SourceReference,
	}
	f.byKey[payload.IdempotencyKey] = inv
	return ledger.CreateResult{Invoice: &inv}, nil
}

func (f *fakeLedger) PostDocument(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts++
	return nil
}

func (f *fakeLedger) CancelDocument(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeLedger) LinkLine(ctx context.Context, invoiceLineId int, orderLineId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links++
	return nil
}

func (f *fakeLedger) AdjustLineQuantity(ctx context.Context, invoiceLineId int, quantity decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adjusts++
	return nil
}

func rawRecord(orderId, unitPrice string) models.RawSourceRecord {
	return models.RawSourceRecord{
		OrderId:      orderId,
		Currency:     "EUR",
		ShipmentDate: "2026-03-01",
		Lines: []models.RawOrderLine{{
			Sku: "SKU-A", Description: "Widget large blue",
			Quantity: "2", UnitPrice: unitPrice, TaxAmount: "0",
		}},
	}
}

func livePolicy() config.Policy {
	p := testPolicy()
	p.DryRun = false
	p.MaxRetryAttempts = 3
	return p
}

func newTestEngine(policy config.Policy, port ledger.LedgerPort) *Engine {
	return NewEngine(policy, EngineDeps{
		Port: port,
		Now:  func() time.Time { return time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC) },
	})
}

func resultFor(t *testing.T, report *RunReport, sourceId string) RecordResult {
	t.Helper()
	for _, r := range report.Results() {
		if r.SourceId == sourceId {
			return r
		}
	}
	t.Fatalf("no result for %s", sourceId)
	return RecordResult{}
}

func TestRunPass_DryRunMakesNoMutatingCalls(t *testing.T) {
	port := newFakeLedger()
	engine := newTestEngine(testPolicy(), port) // DryRun defaults to true

	report, err := engine.RunPass(context.Background(), []models.RawSourceRecord{
		rawRecord("D1", "50.00"), // no ledger document, would create
		{OrderId: "D2"},          // malformed: no lines
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := port.mutations(); got != 0 {
		t.Fatalf("dry run performed %d mutating calls", got)
	}
	if r := resultFor(t, report, "D1"); r.Outcome != models.OutcomeDryRun {
		t.Fatalf("D1 outcome = %s, want DryRun", r.Outcome)
	}
	if r := resultFor(t, report, "D2"); r.Outcome != models.OutcomeSkippedMalformed {
		t.Fatalf("D2 outcome = %s, want SkippedMalformed", r.Outcome)
	}
}

func TestRunPass_CreatesAndPostsSupplementalInvoice(t *testing.T) {
	port := newFakeLedger()
	engine := newTestEngine(livePolicy(), port)

	report, err := engine.RunPass(context.Background(), []models.RawSourceRecord{rawRecord("L1", "50.00")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := resultFor(t, report, "L1")
	if r.Outcome != models.OutcomeApplied {
		t.Fatalf("outcome = %s (%s), want Applied", r.Outcome, r.Reason)
	}
	if port.creates != 1 || port.posts != 1 {
		t.Fatalf("creates=%d posts=%d, want 1/1", port.creates, port.posts)
	}
	if _, ok := port.byKey[r.Action.IdempotencyKey]; !ok {
		t.Fatalf("created document not registered under the idempotency key")
	}
}

func TestRunPass_SecondPassSkipsAlreadyApplied(t *testing.T) {
	port := newFakeLedger()
	engine := newTestEngine(livePolicy(), port)
	records := []models.RawSourceRecord{rawRecord("L2", "50.00")}

	if _, err := engine.RunPass(context.Background(), records); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	report, err := engine.RunPass(context.Background(), records)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if r := resultFor(t, report, "L2"); r.Outcome != models.OutcomeSkippedAlreadyDone {
		t.Fatalf("second pass outcome = %s, want SkippedAlreadyDone", r.Outcome)
	}
	if port.creates != 1 {
		t.Fatalf("second pass created again: creates=%d", port.creates)
	}
}

func TestRunPass_TransientFailureIsRetried(t *testing.T) {
	port := newFakeLedger()
	port.failCreate["L3"] = &createFailure{remaining: 1, transient: true}
	engine := newTestEngine(livePolicy(), port)

	report, err := engine.RunPass(context.Background(), []models.RawSourceRecord{rawRecord("L3", "50.00")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r := resultFor(t, report, "L3"); r.Outcome != models.OutcomeApplied {
		t.Fatalf("outcome = %s (%s), want Applied after retry", r.Outcome, r.Reason)
	}
	if port.creates != 2 {
		t.Fatalf("creates = %d, want 2 (one failure, one retry)", port.creates)
	}
}

func TestRunPass_FatalFailureFailsOnlyThatRecord(t *testing.T) {
	port := newFakeLedger()
	port.failCreate["L4"] = &createFailure{remaining: 100, transient: false}
	engine := newTestEngine(livePolicy(), port)

	report, err := engine.RunPass(context.Background(), []models.RawSourceRecord{
		rawRecord("L4", "50.00"),
		rawRecord("L5", "50.00"),
	})
	if err != nil {
		t.Fatalf("a single fatal action must not abort the pass: %v", err)
	}
	if r := resultFor(t, report, "L4"); r.Outcome != models.OutcomeFailedFatal {
		t.Fatalf("L4 outcome = %s, want FailedFatal", r.Outcome)
	}
	if r := resultFor(t, report, "L5"); r.Outcome != models.OutcomeApplied {
		t.Fatalf("L5 outcome = %s, want Applied", r.Outcome)
	}
	// Fatal errors do not get retried.
	if plan := port.failCreate["L4"]; plan.remaining != 99 {
		t.Fatalf("fatal create attempted %d times, want 1", 100-plan.remaining)
	}
}

func TestRunPass_CandidateLookupFailureAbortsPass(t *testing.T) {
	port := newFakeLedger()
	port.batchErr = &ledger.TransientError{Op: "BatchFind", Err: errors.New("connection refused")}
	engine := newTestEngine(livePolicy(), port)

	report, err := engine.RunPass(context.Background(), []models.RawSourceRecord{rawRecord("L6", "50.00")})
	if err == nil {
		t.Fatalf("expected pass-level error when the candidate lookup fails")
	}
	if report != nil {
		t.Fatalf("no partial report on a failed pass")
	}
	if port.mutations() != 0 {
		t.Fatalf("no mutation may happen after a failed lookup")
	}
}

func TestRunPass_LockedActionIsNeverExecuted(t *testing.T) {
	port := newFakeLedger()
	engine := newTestEngine(livePolicy(), port)

	raw := rawRecord("L7", "50.00")
	raw.ShipmentDate = "2025-12-15" // inside the closed period
	report, err := engine.RunPass(context.Background(), []models.RawSourceRecord{raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r := resultFor(t, report, "L7"); r.Outcome != models.OutcomeSkippedLocked {
		t.Fatalf("outcome = %s, want SkippedLocked", r.Outcome)
	}
	if port.mutations() != 0 {
		t.Fatalf("locked action reached the ledger")
	}
}

func TestRunPass_ManualReviewForDuplicates(t *testing.T) {
	port := newFakeLedger()
	shipped := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	port.candidates["L8"] = []models.LedgerInvoice{
		testInvoice(1, "L8", "100.00", models.DocumentStatePosted, shipped),
		testInvoice(2, "AMZ-L8", "100.00", models.DocumentStatePosted, shipped),
	}
	engine := newTestEngine(livePolicy(), port)

	report, err := engine.RunPass(context.Background(), []models.RawSourceRecord{rawRecord("L8", "50.00")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := resultFor(t, report, "L8")
	if r.Outcome != models.OutcomeManualReview {
		t.Fatalf("outcome = %s, want ManualReview", r.Outcome)
	}
	if r.Category != models.CategoryMultipleLedgerDocuments {
		t.Fatalf("category = %s, want MultipleLedgerDocuments", r.Category)
	}
	if port.mutations() != 0 {
		t.Fatalf("duplicates must not be auto-corrected")
	}
}

func TestRunPass_MatchedRecordIsNothingToDo(t *testing.T) {
	port := newFakeLedger()
	shipped := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	port.candidates["L9"] = []models.LedgerInvoice{
		testInvoice(3, "L9", "100.00", models.DocumentStatePosted, shipped),
	}
	engine := newTestEngine(livePolicy(), port)

	report, err := engine.RunPass(context.Background(), []models.RawSourceRecord{rawRecord("L9", "50.00")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := resultFor(t, report, "L9")
	if r.Outcome != models.OutcomeNothingToDo {
		t.Fatalf("outcome = %s, want NothingToDo", r.Outcome)
	}
	if r.Matched == nil || *r.Matched != 3 {
		t.Fatalf("matched invoice id missing from the result")
	}
	if port.mutations() != 0 {
		t.Fatalf("a matched record must not touch the ledger")
	}
}

func TestRunPass_MidPassCancellationStartsNothingNew(t *testing.T) {
	port := newFakeLedger()
	engine := newTestEngine(livePolicy(), port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The deadline strikes while the first actions are between their
	// idempotency lookup and their ledger write: no mutating call may start
	// and every record must come back Incomplete, never FailedFatal.
	port.onKeyLookup = cancel

	var raws []models.RawSourceRecord
	for i := 0; i < 20; i++ {
		raws = append(raws, rawRecord(fmt.Sprintf("C%02d", i), "50.00"))
	}
	report, err := engine.RunPass(ctx, raws)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.TimedOut {
		t.Fatalf("report must be marked timed out")
	}
	if got := port.mutations(); got != 0 {
		t.Fatalf("%d mutating calls started after the deadline", got)
	}
	if got := report.RecordCount(); got != len(raws) {
		t.Fatalf("%d of %d records unaccounted for", len(raws)-got, len(raws))
	}
	for _, r := range report.Results() {
		if r.Outcome != models.OutcomeIncomplete {
			t.Fatalf("record %s: outcome = %s, want Incomplete", r.SourceId, r.Outcome)
		}
	}
}

func TestRunPass_ExhaustedRetriesReturnWithoutTrailingBackoff(t *testing.T) {
	port := newFakeLedger()
	port.failCreate["L10"] = &createFailure{remaining: 100, transient: true}
	policy := livePolicy()
	policy.MaxRetryAttempts = 2
	engine := newTestEngine(policy, port)

	started := time.Now()
	report, err := engine.RunPass(context.Background(), []models.RawSourceRecord{rawRecord("L10", "50.00")})
	elapsed := time.Since(started)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r := resultFor(t, report, "L10"); r.Outcome != models.OutcomeFailedFatal {
		t.Fatalf("outcome = %s, want FailedFatal after exhausted retries", r.Outcome)
	}
	if port.creates != 2 {
		t.Fatalf("creates = %d, want exactly MaxRetryAttempts", port.creates)
	}
	// One backoff between the two attempts (at most ~600ms); the old shape
	// slept again after the final failure and needed 1.2s or more.
	if elapsed >= 1100*time.Millisecond {
		t.Fatalf("pass took %s, the last failed attempt must return without sleeping", elapsed)
	}
}

func TestRunPass_DeadlineAccountsForEveryRecord(t *testing.T) {
	port := newFakeLedger()
	engine := newTestEngine(livePolicy(), port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The deadline strikes right after the candidate lookup: every record is
	// still accounted for, as processed or as Incomplete.
	port.onBatch = cancel

	var raws []models.RawSourceRecord
	for i := 0; i < 20; i++ {
		raws = append(raws, rawRecord(fmt.Sprintf("T%02d", i), "50.00"))
	}
	report, err := engine.RunPass(ctx, raws)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.TimedOut {
		t.Fatalf("report must be marked timed out")
	}
	if got := report.RecordCount(); got != len(raws) {
		t.Fatalf("%d of %d records unaccounted for", len(raws)-got, len(raws))
	}
	valid := map[models.ActionOutcome]bool{}
	for _, o := range models.AllOutcomes {
		valid[o] = true
	}
	for _, r := range report.Results() {
		if !valid[r.Outcome] {
			t.Fatalf("record %s has unknown outcome %q", r.SourceId, r.Outcome)
		}
	}
}
