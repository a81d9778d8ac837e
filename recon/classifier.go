package recon

import (
	"github.com/shopspring/decimal"

	"github.com/nimavakil1/recon_backend/config"
	"github.com/nimavakil1/recon_backend/models"
)

// Classification is the classifier's full verdict: the category plus the
// numbers that led there, so the planner never recomputes them.
type Classification struct {
	Category models.DiscrepancyCategory
	// Net is the signed sum of considered, non-cancelled document totals.
	Net decimal.Decimal
	// Diff = Net - record.TotalExclTax.
	Diff decimal.Decimal
	// Considered are the documents whose totals make up Net, best first.
	Considered []models.MatchCandidate
	// Reason is a human-readable explanation for the report.
	Reason string
}

// Classifier assigns exactly one DiscrepancyCategory per record. Total:
// every input reaches a category, never an implicit fallthrough.
type Classifier struct {
	policy config.Policy
}

func NewClassifier(policy config.Policy) *Classifier {
	return &Classifier{policy: policy}
}

func (c *Classifier) Classify(record models.OrderRecord, match models.MatchResult) Classification {
	// 1. Nothing in the ledger points at this record at all.
	if len(match.Candidates) == 0 {
		return Classification{
			Category: models.CategoryNoLedgerDocument,
			Diff:     record.TotalExclTax.Neg(),
			Reason:   "no ledger document found",
		}
	}

	// 2. Multiplicity is the defect to flag before any amount analysis;
	// amounts across duplicate documents are ambiguous by construction.
	refMatched := match.RefMatchedCandidates()
	postedInvoices := 0
	for _, cand := range refMatched {
		if cand.Invoice.Kind == models.DocumentKindInvoice && cand.Invoice.IsPosted() {
			postedInvoices++
		}
	}
	if postedInvoices > 1 {
		return Classification{
			Category:   models.CategoryMultipleLedgerDocuments,
			Considered: refMatched,
			Reason:     "more than one posted invoice references this order",
		}
	}

	// A record with no lines has nothing to compare amounts against.
	if !record.HasComparisonBasis() {
		return Classification{
			Category: models.CategoryNoSourceData,
			Reason:   "record has no usable comparison basis",
		}
	}

	// Candidates tied at the top confidence are never broken by fiat when
	// the outcome would drive a monetary correction.
	if len(refMatched) == 0 && match.TopTied() {
		return Classification{
			Category: models.CategoryUnresolvable,
			Reason:   "multiple candidates tied at top confidence",
		}
	}

	considered := refMatched
	if len(considered) == 0 {
		if match.Chosen == nil {
			return Classification{
				Category: models.CategoryUnresolvable,
				Reason:   "candidates exist but none is reliable enough to compare against",
			}
		}
		considered = []models.MatchCandidate{*match.Chosen}
	}

	// 3. Net over the considered documents, cancelled ones excluded. Draft
	// documents count: a draft is a live claim that will post, and ignoring
	// it would plan a duplicate correction on the next pass.
	net := decimal.Zero
	counted := 0
	for _, cand := range considered {
		if cand.Invoice.State == models.DocumentStateCancelled {
			continue
		}
		net = net.Add(cand.Invoice.SignedTotal())
		counted++
	}
	if counted == 0 {
		return Classification{
			Category:   models.CategoryNoLedgerDocument,
			Considered: considered,
			Diff:       record.TotalExclTax.Neg(),
			Reason:     "all referencing documents are cancelled",
		}
	}

	diff := net.Sub(record.TotalExclTax)
	out := Classification{Net: net, Diff: diff, Considered: considered}

	switch {
	case diff.Abs().LessThanOrEqual(c.policy.Epsilon):
		if quantityMismatch(considered) {
			out.Category = models.CategoryTotalsMatchQtyWrong
			out.Reason = "totals agree but at least one paired line quantity differs"
		} else {
			out.Category = models.CategoryMatched
			out.Reason = "ledger net agrees with record total"
		}
	case diff.GreaterThan(c.policy.Epsilon):
		out.Category = models.CategoryOverInvoiced
		out.Reason = "ledger net exceeds record total by " + diff.StringFixed(2)
	default:
		out.Category = models.CategoryUnderInvoiced
		out.Reason = "ledger net falls short of record total by " + diff.Abs().StringFixed(2)
	}
	return out
}

func quantityMismatch(considered []models.MatchCandidate) bool {
	for _, cand := range considered {
		for _, pair := range cand.LinePairs {
			if !pair.QuantityEqual {
				return true
			}
		}
	}
	return false
}
