package recon

import (
	"fmt"
	"testing"
	"time"

	"github.com/nimavakil1/recon_backend/ledger"
	"github.com/nimavakil1/recon_backend/models"
)

func classify(t *testing.T, record models.OrderRecord, candidates []models.LedgerInvoice) Classification {
	t.Helper()
	policy := testPolicy()
	match := NewMatcher(policy, ledger.DefaultRefNormalizer).Match(record, candidates)
	return NewClassifier(policy).Classify(record, match)
}

func TestClassify_NoLedgerDocument(t *testing.T) {
	shipped := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	record := testRecord("X1", "100.00", shipped)

	cls := classify(t, record, nil)
	if cls.Category != models.CategoryNoLedgerDocument {
		t.Fatalf("category = %s, want NoLedgerDocument", cls.Category)
	}
}

func TestClassify_OverInvoiced(t *testing.T) {
	shipped := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	record := testRecord("X2", "100.00", shipped)
	inv := testInvoice(1, "X2", "150.00", models.DocumentStatePosted, shipped)

	cls := classify(t, record, []models.LedgerInvoice{inv})
	if cls.Category != models.CategoryOverInvoiced {
		t.Fatalf("category = %s, want OverInvoiced", cls.Category)
	}
	if got := cls.Diff.StringFixed(2); got != "50.00" {
		t.Fatalf("diff = %s, want 50.00", got)
	}
}

func TestClassify_UnderInvoiced(t *testing.T) {
	shipped := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	record := testRecord("X3", "100.00", shipped)
	inv := testInvoice(1, "X3", "60.00", models.DocumentStatePosted, shipped)

	cls := classify(t, record, []models.LedgerInvoice{inv})
	if cls.Category != models.CategoryUnderInvoiced {
		t.Fatalf("category = %s, want UnderInvoiced", cls.Category)
	}
	if got := cls.Diff.StringFixed(2); got != "-40.00" {
		t.Fatalf("diff = %s, want -40.00", got)
	}
}

func TestClassify_MultipleLedgerDocuments(t *testing.T) {
	shipped := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	record := testRecord("X4", "100.00", shipped)
	first := testInvoice(1, "X4", "100.00", models.DocumentStatePosted, shipped)
	second := testInvoice(2, "AMZ-X4", "100.00", models.DocumentStatePosted, shipped)

	cls := classify(t, record, []models.LedgerInvoice{first, second})
	// Multiplicity wins before any amount analysis, even though each
	// document individually matches the total.
	if cls.Category != models.CategoryMultipleLedgerDocuments {
		t.Fatalf("category = %s, want MultipleLedgerDocuments", cls.Category)
	}
}

func TestClassify_TotalsMatchQtyWrong(t *testing.T) {
	shipped := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	record := testRecord("X5", "100.00", shipped)
	record.Lines[0].Quantity = dec("3")

	inv := testInvoice(1, "X5", "100.00", models.DocumentStatePosted, shipped)
	inv.Lines[0].Quantity = dec("2")

	cls := classify(t, record, []models.LedgerInvoice{inv})
	if cls.Category != models.CategoryTotalsMatchQtyWrong {
		t.Fatalf("category = %s, want TotalsMatchQtyWrong", cls.Category)
	}
}

func TestClassify_MatchedNetsOutCreditNote(t *testing.T) {
	shipped := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	record := testRecord("X6", "100.00", shipped)
	inv := testInvoice(1, "X6", "150.00", models.DocumentStatePosted, shipped)
	cn := models.LedgerInvoice{
		Id: 2, Kind: models.DocumentKindCreditNote, State: models.DocumentStatePosted,
		DocumentDate: shipped, Currency: "EUR", AmountTotal: dec("50.00"), SourceReference: "X6",
	}

	cls := classify(t, record, []models.LedgerInvoice{inv, cn})
	if cls.Category != models.CategoryMatched {
		t.Fatalf("category = %s, want Matched", cls.Category)
	}
	if got := cls.Net.StringFixed(2); got != "100.00" {
		t.Fatalf("net = %s, want 100.00", got)
	}
}

func TestClassify_AllReferencingDocsCancelled(t *testing.T) {
	shipped := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	record := testRecord("X7", "100.00", shipped)
	inv := testInvoice(1, "X7", "100.00", models.DocumentStateCancelled, shipped)

	cls := classify(t, record, []models.LedgerInvoice{inv})
	if cls.Category != models.CategoryNoLedgerDocument {
		t.Fatalf("category = %s, want NoLedgerDocument", cls.Category)
	}
}

func TestClassify_NoSourceData(t *testing.T) {
	shipped := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	record := testRecord("X8", "100.00", shipped)
	record.Lines = nil
	inv := testInvoice(1, "X8", "100.00", models.DocumentStatePosted, shipped)

	cls := classify(t, record, []models.LedgerInvoice{inv})
	if cls.Category != models.CategoryNoSourceData {
		t.Fatalf("category = %s, want NoSourceData", cls.Category)
	}
}

func TestClassify_WeakCandidatesOnlyIsUnresolvable(t *testing.T) {
	shipped := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	record := testRecord("X9", "100.00", shipped)
	// No reference match, amounts far off, foreign currency, lines gone.
	weak := testInvoice(1, "ZZZ", "900.00", models.DocumentStatePosted, shipped)
	weak.Lines = nil
	weak.Currency = "USD"

	cls := classify(t, record, []models.LedgerInvoice{weak})
	if cls.Category != models.CategoryUnresolvable {
		t.Fatalf("category = %s, want Unresolvable", cls.Category)
	}
}

func TestClassify_TopConfidenceTieIsUnresolvable(t *testing.T) {
	shipped := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	record := testRecord("X10", "100.00", shipped)
	// Two distinct documents with identical heuristic signals and no
	// reference match tie exactly; a monetary decision must not guess.
	a := testInvoice(1, "AAA", "100.00", models.DocumentStatePosted, shipped)
	b := testInvoice(2, "BBB", "100.00", models.DocumentStatePosted, shipped)
	b.Lines[0].Id = 20

	cls := classify(t, record, []models.LedgerInvoice{a, b})
	if cls.Category != models.CategoryUnresolvable {
		t.Fatalf("category = %s, want Unresolvable", cls.Category)
	}
}

// Exhaustiveness: classify always lands in exactly one category and never
// panics, whatever the combination of record shape and candidate states.
func TestClassify_Property_Exhaustive(t *testing.T) {
	shipped := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	valid := map[models.DiscrepancyCategory]bool{}
	for _, c := range models.AllCategories {
		valid[c] = true
	}

	states := []models.DocumentState{models.DocumentStateDraft, models.DocumentStatePosted, models.DocumentStateCancelled}
	totals := []string{"0.00", "60.00", "100.00", "150.00"}

	caseNo := 0
	for _, withLines := range []bool{true, false} {
		for candCount := 0; candCount <= 3; candCount++ {
			for _, state := range states {
				for _, total := range totals {
					caseNo++
					record := testRecord(fmt.Sprintf("P%d", caseNo), "100.00", shipped)
					if !withLines {
						record.Lines = nil
					}
					var candidates []models.LedgerInvoice
					for i := 0; i < candCount; i++ {
						ref := record.SourceId
						if i%2 == 1 {
							ref = "OTHER"
						}
						candidates = append(candidates, testInvoice(i+1, ref, total, state, shipped))
					}
					cls := classify(t, record, candidates)
					if !valid[cls.Category] {
						t.Fatalf("case %d: unknown category %q", caseNo, cls.Category)
					}
				}
			}
		}
	}
}
