package models

import "github.com/shopspring/decimal"

// LinePair records one greedy pairing between an order line and a candidate
// invoice line. Pairings are kept on the candidate so the classifier can
// check quantity agreement without re-running the matcher.
type LinePair struct {
	OrderLineIndex int
	InvoiceLineId  int
	QuantityEqual  bool
}

// MatchCandidate is one scored ledger document for an order record.
type MatchCandidate struct {
	Invoice       LedgerInvoice
	Confidence    decimal.Decimal
	MatchType     MatchType
	RefMatched    bool
	LinePairs     []LinePair
}

// MatchResult is recomputed fresh on every pass and never persisted as
// authoritative state; the ledger's own linkage, once written, wins.
type MatchResult struct {
	Candidates []MatchCandidate // sorted descending by confidence
	Chosen     *MatchCandidate  // top candidate iff confidence >= threshold
}

// RefMatchedCandidates returns the candidates whose normalized source
// reference equals the record's source id.
func (m MatchResult) RefMatchedCandidates() []MatchCandidate {
	var out []MatchCandidate
	for _, c := range m.Candidates {
		if c.RefMatched {
			out = append(out, c)
		}
	}
	return out
}

// TopTied reports whether two or more distinct documents share the top
// confidence score. Ties are never broken automatically when they would
// drive a monetary decision.
func (m MatchResult) TopTied() bool {
	if len(m.Candidates) < 2 {
		return false
	}
	top := m.Candidates[0]
	second := m.Candidates[1]
	return top.Confidence.Equal(second.Confidence) && top.Invoice.Id != second.Invoice.Id
}
