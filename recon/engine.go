package recon

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/nimavakil1/recon_backend/config"
	"github.com/nimavakil1/recon_backend/ledger"
	"github.com/nimavakil1/recon_backend/models"
)

// RecordResult is the reported fate of one order record after a pass.
type RecordResult struct {
	SourceId    string
	Category    models.DiscrepancyCategory
	Action      *models.CorrectionAction
	Outcome     models.ActionOutcome
	Reason      string
	RecordTotal string
	Net         string
	Diff        string
	Matched     *int
}

// EngineDeps are the collaborators an Engine needs. DB and Locker are
// optional: without a DB no durable rows are written, without a Locker the
// per-document lease is skipped (single-instance runs and tests).
type EngineDeps struct {
	Port      ledger.LedgerPort
	Logger    *logrus.Logger
	DB        *gorm.DB
	Locker    *redislock.Client
	Normalize ledger.RefNormalizer
	Now       func() time.Time
}

// Engine drives a full reconciliation pass: normalize, match, classify,
// plan, then execute planned actions with idempotency, batching and retry.
type Engine struct {
	policy     config.Policy
	port       ledger.LedgerPort
	logger     *logrus.Logger
	db         *gorm.DB
	locker     *redislock.Client
	matcher    *Matcher
	classifier *Classifier
	planner    *Planner
	now        func() time.Time

	// adapterSem caps concurrent in-flight ledger calls independently of
	// the worker pool size, to respect the remote rate limit.
	adapterSem chan struct{}
}

func NewEngine(policy config.Policy, deps EngineDeps) *Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Normalize == nil {
		deps.Normalize = ledger.DefaultRefNormalizer
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	return &Engine{
		policy:     policy,
		port:       deps.Port,
		logger:     deps.Logger,
		db:         deps.DB,
		locker:     deps.Locker,
		matcher:    NewMatcher(policy, deps.Normalize),
		classifier: NewClassifier(policy),
		planner:    NewPlanner(policy, deps.Now),
		now:        deps.Now,
		adapterSem: make(chan struct{}, policy.MaxConcurrentAdapterCalls),
	}
}

type workItem struct {
	record models.OrderRecord
	cls    Classification
	match  models.MatchResult
	action *models.CorrectionAction
}

// RunPass processes one batch of raw records end to end. The context
// deadline bounds the pass: in-flight actions finish, nothing new is
// dispatched, leftover records report Incomplete and are safely resumable
// because of the idempotency keys.
func (e *Engine) RunPass(ctx context.Context, rawRecords []models.RawSourceRecord) (*RunReport, error) {
	report := NewRunReport(uuid.New().String(), e.policy, e.now())
	log := e.logger.WithFields(logrus.Fields{"run": report.RunUuid, "dry_run": e.policy.DryRun})
	log.WithField("records", len(rawRecords)).Info("reconciliation pass started")

	// Malformed records are reported, never silently dropped.
	var records []models.OrderRecord
	for _, raw := range rawRecords {
		record, err := Normalize(raw)
		if err != nil {
			var malformed *MalformedRecordError
			reason := err.Error()
			sourceId := raw.OrderId
			if errors.As(err, &malformed) {
				sourceId = malformed.SourceId
				reason = malformed.Reason
			}
			log.WithField("source_id", sourceId).Warn("skipping malformed record: " + reason)
			report.Add(RecordResult{
				SourceId: sourceId,
				Category: models.CategoryNoSourceData,
				Outcome:  models.OutcomeSkippedMalformed,
				Reason:   reason,
			})
			continue
		}
		records = append(records, record)
	}

	sourceIds := make([]string, 0, len(records))
	for _, r := range records {
		sourceIds = append(sourceIds, r.SourceId)
	}

	var candidatesBySource map[string][]models.LedgerInvoice
	err := e.guardedCall(ctx, func() error {
		var ferr error
		candidatesBySource, ferr = e.port.BatchFind(ctx, sourceIds, e.policy.BatchSize)
		return ferr
	})
	if err != nil {
		// Connectivity failure before any action is the one fatal-to-run case.
		return nil, fmt.Errorf("candidate lookup failed at pass start: %w", err)
	}

	items := make([]*workItem, 0, len(records))
	for _, record := range records {
		match := e.matcher.Match(record, candidatesBySource[record.SourceId])
		cls := e.classifier.Classify(record, match)
		item := &workItem{
			record: record,
			cls:    cls,
			match:  match,
			action: e.planner.Plan(record, cls),
		}
		items = append(items, item)
	}

	// Single-writer-per-document: items whose actions touch overlapping
	// invoices run in the same group, groups run concurrently.
	groups := partitionByTargets(items)

	groupCh := make(chan []*workItem)
	var wg sync.WaitGroup
	for i := 0; i < e.policy.WorkerPoolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range groupCh {
				for _, item := range group {
					report.Add(e.processItem(ctx, item))
				}
			}
		}()
	}

dispatch:
	for _, group := range groups {
		// ctx.Done and a ready worker are both live channels; a plain select
		// would pick between them at random and keep dispatching past the
		// deadline. Check the deadline first.
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case groupCh <- group:
		}
	}
	close(groupCh)
	wg.Wait()

	// Whatever was never dispatched reports Incomplete.
	if ctx.Err() != nil {
		report.MarkTimedOut()
		for _, item := range items {
			if !report.Has(item.record.SourceId) {
				report.Add(RecordResult{
					SourceId: item.record.SourceId,
					Category: item.cls.Category,
					Action:   item.action,
					Outcome:  models.OutcomeIncomplete,
					Reason:   "pass deadline reached before this record was processed",
				})
			}
		}
	}

	report.Finish(e.now())
	if e.db != nil {
		if err := SaveRunReport(e.db, report); err != nil {
			config.LogError(e.logger, "engine.go", "RunPass", "Persisting run report", report.RunUuid, err)
		}
	}
	log.WithFields(logrus.Fields{
		"records":  report.RecordCount(),
		"duration": report.FinishedAt.Sub(report.StartedAt).String(),
	}).Info("reconciliation pass finished")
	return report, nil
}

// processItem runs the per-action state machine:
// Planned -> Skipped(locked) | Skipped(alreadyApplied)
//         | Applying -> Applied | Failed(retryable) -> Applying | Failed(fatal).
// A panic or error here fails the one record, never the pass.
func (e *Engine) processItem(ctx context.Context, item *workItem) (result RecordResult) {
	result = RecordResult{
		SourceId:    item.record.SourceId,
		Category:    item.cls.Category,
		Action:      item.action,
		RecordTotal: item.record.TotalExclTax.StringFixed(2),
		Net:         item.cls.Net.StringFixed(2),
		Diff:        item.cls.Diff.StringFixed(2),
	}
	if item.match.Chosen != nil {
		id := item.match.Chosen.Invoice.Id
		result.Matched = &id
	}

	defer func() {
		if r := recover(); r != nil {
			result.Outcome = models.OutcomeFailedFatal
			result.Reason = fmt.Sprintf("panic while applying: %v", r)
			config.LogError(e.logger, "engine.go", "processItem", "Recovered panic", item.record.SourceId, fmt.Errorf("%v", r))
		}
	}()

	// A record whose processing has not begun when the deadline fires is
	// Incomplete, not failed: nothing happened, the next pass picks it up.
	if ctx.Err() != nil {
		result.Outcome = models.OutcomeIncomplete
		result.Reason = "pass deadline reached before this record was processed"
		return result
	}

	if item.action == nil {
		result.Outcome = models.OutcomeManualReview
		result.Reason = item.cls.Reason
		return result
	}
	if !item.action.IsMutating() {
		result.Outcome = models.OutcomeNothingToDo
		result.Reason = item.action.Reason
		return result
	}
	if item.action.BlockedByLock {
		// Never executed, only surfaced for manual handling.
		result.Outcome = models.OutcomeSkippedLocked
		result.Reason = "target document date is on or before the accounting lock date"
		return result
	}
	if e.policy.DryRun {
		result.Outcome = models.OutcomeDryRun
		result.Reason = describeAction(item.action)
		return result
	}

	// Last deadline check before the record turns in-flight; past this point
	// a failure is a failure.
	if ctx.Err() != nil {
		result.Outcome = models.OutcomeIncomplete
		result.Reason = "pass deadline reached before this record was processed"
		return result
	}

	// alreadyApplied: the ledger itself is the source of truth, so a pass
	// restarted on a fresh process still sees earlier writes.
	var existing *models.LedgerInvoice
	err := e.guardedCall(ctx, func() error {
		var ferr error
		existing, ferr = e.port.FindByIdempotencyKey(ctx, item.action.IdempotencyKey)
		return ferr
	})
	if err != nil {
		return e.failedResult(result, item, err)
	}
	if existing != nil {
		result.Outcome = models.OutcomeSkippedAlreadyDone
		result.Reason = fmt.Sprintf("ledger already holds %s for key %s", existing.DocumentNumber, item.action.IdempotencyKey)
		return result
	}

	if e.db != nil {
		skip, err := BeginIdempotency(e.db, item.action.SourceId, string(item.action.Type), item.action.IdempotencyKey)
		if err != nil && !errors.Is(err, ErrIdempotencyInProgress) {
			return e.failedResult(result, item, err)
		}
		if skip || errors.Is(err, ErrIdempotencyInProgress) {
			result.Outcome = models.OutcomeSkippedAlreadyDone
			result.Reason = "a previous pass already applied or is applying this action"
			return result
		}
	}

	release, err := e.acquireDocumentLeases(ctx, item.action.TargetInvoiceIds)
	if err != nil {
		return e.failedResult(result, item, err)
	}
	defer release()

	if err := e.applyWithRetry(ctx, item.action); err != nil {
		if e.db != nil {
			_ = MarkIdempotencyFailed(e.db, item.action.SourceId, string(item.action.Type), item.action.IdempotencyKey, err)
		}
		return e.failedResult(result, item, err)
	}

	if e.db != nil {
		if err := MarkIdempotencySucceeded(e.db, item.action.SourceId, string(item.action.Type), item.action.IdempotencyKey); err != nil {
			config.LogError(e.logger, "engine.go", "processItem", "Marking idempotency succeeded", item.action.SourceId, err)
		}
	}
	result.Outcome = models.OutcomeApplied
	result.Reason = item.action.Reason
	return result
}

func (e *Engine) failedResult(result RecordResult, item *workItem, err error) RecordResult {
	// Deadline expiry mid-record is not a defect in the record: whatever was
	// written is findable by its idempotency key, the rest resumes next pass.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		result.Outcome = models.OutcomeIncomplete
		result.Reason = "pass deadline reached while this action was pending"
		return result
	}
	result.Outcome = models.OutcomeFailedFatal
	result.Reason = err.Error()
	config.LogError(e.logger, "engine.go", "processItem", "Action failed", item.record.SourceId, err)
	return result
}

// applyWithRetry retries transient adapter failures with exponential
// backoff and jitter; fatal failures and the exhausted last attempt
// surface immediately, without a trailing sleep.
func (e *Engine) applyWithRetry(ctx context.Context, action *models.CorrectionAction) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = e.apply(ctx, action)
		if lastErr == nil {
			return nil
		}
		if !ledger.IsTransient(lastErr) || attempt >= e.policy.MaxRetryAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(retryBackoff(attempt)):
		}
	}
}

func retryBackoff(attempt int) time.Duration {
	base := 500 * time.Millisecond
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	// +/- 20% jitter so concurrent retries do not synchronize.
	jitter := time.Duration(rand.Int63n(int64(delay) / 5))
	if rand.Intn(2) == 0 {
		return delay - jitter
	}
	return delay + jitter
}

func (e *Engine) apply(ctx context.Context, action *models.CorrectionAction) error {
	switch action.Type {
	case models.ActionCreateSupplementalInvoice, models.ActionCreateCreditNote:
		payload := *action.Payload
		payload.IdempotencyKey = action.IdempotencyKey
		var created ledger.CreateResult
		err := e.guardedCall(ctx, func() error {
			var ferr error
			created, ferr = e.port.CreateDocument(ctx, payload)
			return ferr
		})
		if err != nil {
			return err
		}
		// Created-without-payload is a success; the document exists and the
		// idempotency key will find it, it just cannot be posted this pass.
		if created.NoPayload || created.Invoice == nil {
			return nil
		}
		return e.guardedCall(ctx, func() error {
			return e.port.PostDocument(ctx, created.Invoice.Id)
		})

	case models.ActionAdjustLineQuantity, models.ActionLinkExistingLine:
		for _, link := range action.LineLinks {
			link := link
			if link.Quantity != "" {
				qty, err := parseAmount(link.Quantity)
				if err != nil {
					return &ledger.FatalError{Op: "AdjustLineQuantity", Err: err}
				}
				if err := e.guardedCall(ctx, func() error {
					return e.port.AdjustLineQuantity(ctx, link.InvoiceLineId, qty)
				}); err != nil {
					return err
				}
			}
			if err := e.guardedCall(ctx, func() error {
				return e.port.LinkLine(ctx, link.InvoiceLineId, link.OrderLineId)
			}); err != nil {
				return err
			}
		}
		return nil

	default:
		return &ledger.FatalError{Op: string(action.Type), Err: errors.New("unknown action type")}
	}
}

// guardedCall runs one adapter call under the in-flight cap. An expired
// context never starts a new call: the semaphore select alone would race
// ctx.Done against a free slot and let calls through past the deadline.
func (e *Engine) guardedCall(ctx context.Context, fn func() error) error {
	if ctx.Err() != nil {
		return &ledger.TransientError{Op: "adapter", Err: ctx.Err()}
	}
	select {
	case e.adapterSem <- struct{}{}:
	case <-ctx.Done():
		return &ledger.TransientError{Op: "adapter", Err: ctx.Err()}
	}
	defer func() { <-e.adapterSem }()
	return fn()
}

// acquireDocumentLeases takes the per-document lease for every target
// invoice, in ascending id order to avoid lock cycles. Held only for the
// duration of one action.
func (e *Engine) acquireDocumentLeases(ctx context.Context, invoiceIds []int) (func(), error) {
	if e.locker == nil || len(invoiceIds) == 0 {
		return func() {}, nil
	}
	ids := append([]int(nil), invoiceIds...)
	sort.Ints(ids)

	var held []*redislock.Lock
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			_ = held[i].Release(ctx)
		}
	}
	for _, id := range ids {
		lock, err := e.locker.Obtain(ctx, fmt.Sprintf("recon:doc:%d", id), 30*time.Second, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(250*time.Millisecond), 8),
		})
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, &ledger.TransientError{Op: "document lease", Err: err}
			}
			return nil, err
		}
		held = append(held, lock)
	}
	return release, nil
}

// partitionByTargets groups work items so that no two groups share a target
// invoice id (union-find over invoice ids). Items without targets form
// their own single-item groups.
func partitionByTargets(items []*workItem) [][]*workItem {
	parent := map[int]int{}
	var find func(x int) int
	find = func(x int) int {
		if p, ok := parent[x]; ok && p != x {
			root := find(p)
			parent[x] = root
			return root
		}
		if _, ok := parent[x]; !ok {
			parent[x] = x
		}
		return parent[x]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for _, item := range items {
		if item.action == nil || len(item.action.TargetInvoiceIds) == 0 {
			continue
		}
		first := item.action.TargetInvoiceIds[0]
		for _, id := range item.action.TargetInvoiceIds[1:] {
			union(first, id)
		}
	}

	var groups [][]*workItem
	groupIdx := map[int]int{}
	for _, item := range items {
		if item.action == nil || len(item.action.TargetInvoiceIds) == 0 {
			groups = append(groups, []*workItem{item})
			continue
		}
		root := find(item.action.TargetInvoiceIds[0])
		if idx, ok := groupIdx[root]; ok {
			groups[idx] = append(groups[idx], item)
		} else {
			groupIdx[root] = len(groups)
			groups = append(groups, []*workItem{item})
		}
	}
	return groups
}

func describeAction(action *models.CorrectionAction) string {
	switch action.Type {
	case models.ActionCreateSupplementalInvoice, models.ActionCreateCreditNote:
		return fmt.Sprintf("would create %s for %s totalling %s",
			action.Payload.Kind, action.SourceId, action.Payload.Total().StringFixed(2))
	case models.ActionAdjustLineQuantity, models.ActionLinkExistingLine:
		return fmt.Sprintf("would adjust/link %d line(s) on invoice(s) %v", len(action.LineLinks), action.TargetInvoiceIds)
	default:
		return string(action.Type)
	}
}
