package models

// DocumentKind distinguishes the two financial document types the
// reconciliation engine reads and writes.
type DocumentKind string

const (
	DocumentKindInvoice    DocumentKind = "Invoice"
	DocumentKindCreditNote DocumentKind = "CreditNote"
)

type DocumentState string

const (
	DocumentStateDraft     DocumentState = "Draft"
	DocumentStatePosted    DocumentState = "Posted"
	DocumentStateCancelled DocumentState = "Cancelled"
)

// DiscrepancyCategory is assigned exactly once per order record and is
// exhaustive: every record processed by a pass ends up in one of these.
type DiscrepancyCategory string

const (
	CategoryMatched                 DiscrepancyCategory = "Matched"
	CategoryOverInvoiced            DiscrepancyCategory = "OverInvoiced"
	CategoryUnderInvoiced           DiscrepancyCategory = "UnderInvoiced"
	CategoryTotalsMatchQtyWrong     DiscrepancyCategory = "TotalsMatchQtyWrong"
	CategoryNoLedgerDocument        DiscrepancyCategory = "NoLedgerDocument"
	CategoryMultipleLedgerDocuments DiscrepancyCategory = "MultipleLedgerDocuments"
	CategoryNoSourceData            DiscrepancyCategory = "NoSourceData"
	CategoryUnresolvable            DiscrepancyCategory = "Unresolvable"
)

// AllCategories lets the report aggregator emit zero counts for categories
// that never occurred in a run.
var AllCategories = []DiscrepancyCategory{
	CategoryMatched,
	CategoryOverInvoiced,
	CategoryUnderInvoiced,
	CategoryTotalsMatchQtyWrong,
	CategoryNoLedgerDocument,
	CategoryMultipleLedgerDocuments,
	CategoryNoSourceData,
	CategoryUnresolvable,
}

type ActionType string

const (
	ActionCreateSupplementalInvoice ActionType = "CreateSupplementalInvoice"
	ActionCreateCreditNote          ActionType = "CreateCreditNote"
	ActionAdjustLineQuantity        ActionType = "AdjustLineQuantity"
	ActionLinkExistingLine          ActionType = "LinkExistingLine"
	ActionMarkResolvedNoOp          ActionType = "MarkResolvedNoOp"
)

// ActionOutcome is the terminal state of one processed record after a pass.
type ActionOutcome string

const (
	OutcomeApplied            ActionOutcome = "Applied"
	OutcomeSkippedLocked      ActionOutcome = "SkippedLocked"
	OutcomeSkippedAlreadyDone ActionOutcome = "SkippedAlreadyApplied"
	OutcomeFailedFatal        ActionOutcome = "FailedFatal"
	OutcomeIncomplete         ActionOutcome = "Incomplete"
	OutcomeDryRun             ActionOutcome = "DryRun"
	OutcomeManualReview       ActionOutcome = "ManualReview"
	OutcomeNothingToDo        ActionOutcome = "NothingToDo"
	OutcomeSkippedMalformed   ActionOutcome = "SkippedMalformed"
)

var AllOutcomes = []ActionOutcome{
	OutcomeApplied,
	OutcomeSkippedLocked,
	OutcomeSkippedAlreadyDone,
	OutcomeFailedFatal,
	OutcomeIncomplete,
	OutcomeDryRun,
	OutcomeManualReview,
	OutcomeNothingToDo,
	OutcomeSkippedMalformed,
}

type MatchType string

const (
	MatchTypeExactReference MatchType = "ExactReference"
	MatchTypeHeuristic      MatchType = "Heuristic"
)
