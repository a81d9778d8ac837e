package recon

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"

	"github.com/nimavakil1/recon_backend/config"
	"github.com/nimavakil1/recon_backend/ledger"
	"github.com/nimavakil1/recon_backend/models"
)

// Description similarity is intentionally not tunable; it guards line
// pairing, not a monetary decision.
const descSimilarityThreshold = 0.85

var (
	oneHundred    = decimal.NewFromInt(100)
	unitPriceTol  = decimal.NewFromFloat(0.01)
	exactRefBonus = decimal.NewFromInt(5)
)

// Matcher scores ledger documents against one order record. Pure and
// deterministic: identical inputs always produce identical results.
type Matcher struct {
	policy    config.Policy
	normalize ledger.RefNormalizer
}

func NewMatcher(policy config.Policy, normalize ledger.RefNormalizer) *Matcher {
	if normalize == nil {
		normalize = ledger.DefaultRefNormalizer
	}
	return &Matcher{policy: policy, normalize: normalize}
}

// Match scores every candidate independently, sorts descending by
// confidence and picks the top one iff it clears the match threshold.
func (m *Matcher) Match(record models.OrderRecord, candidates []models.LedgerInvoice) models.MatchResult {
	result := models.MatchResult{}
	for _, inv := range candidates {
		result.Candidates = append(result.Candidates, m.score(record, inv, candidates))
	}

	sort.SliceStable(result.Candidates, func(i, j int) bool {
		a, b := result.Candidates[i], result.Candidates[j]
		if !a.Confidence.Equal(b.Confidence) {
			return a.Confidence.GreaterThan(b.Confidence)
		}
		return a.Invoice.Id < b.Invoice.Id
	})

	if len(result.Candidates) > 0 {
		top := result.Candidates[0]
		if top.Confidence.GreaterThanOrEqual(m.policy.MatchThreshold) {
			chosen := top
			result.Chosen = &chosen
		}
	}
	return result
}

func (m *Matcher) score(record models.OrderRecord, inv models.LedgerInvoice, all []models.LedgerInvoice) models.MatchCandidate {
	cand := models.MatchCandidate{Invoice: inv, MatchType: models.MatchTypeHeuristic}
	cand.RefMatched = m.normalize(inv.SourceReference) == record.SourceId

	pairs := m.pairLines(record, inv)
	cand.LinePairs = pairs

	if cand.RefMatched {
		// An exact reference pins the document; amount agreement only nudges
		// the score inside the 95..100 band.
		cand.MatchType = models.MatchTypeExactReference
		score := m.policy.ExactRefBaseScore
		if m.netAmount(inv, all).Sub(record.TotalExclTax).Abs().LessThanOrEqual(m.policy.Epsilon) {
			score = score.Add(exactRefBonus)
		}
		if score.GreaterThan(oneHundred) {
			score = oneHundred
		}
		cand.Confidence = score
		return cand
	}

	score := m.amountScore(record, inv, all)
	score = score.Add(m.lineOverlapScore(record, pairs))
	score = score.Add(m.dateScore(record, inv))
	if record.Currency != "" && record.Currency == strings.ToUpper(inv.Currency) {
		score = score.Add(m.policy.CurrencyWeight)
	}
	if score.GreaterThan(oneHundred) {
		score = oneHundred
	}
	cand.Confidence = score
	return cand
}

// netAmount is the invoice total minus any non-cancelled credit notes in
// the candidate set carrying the same normalized reference. A cancelled
// credit note refunds nothing and must not deflate the net.
func (m *Matcher) netAmount(inv models.LedgerInvoice, all []models.LedgerInvoice) decimal.Decimal {
	net := inv.SignedTotal()
	if inv.Kind != models.DocumentKindInvoice {
		return net
	}
	ref := m.normalize(inv.SourceReference)
	for _, other := range all {
		if other.Id == inv.Id || other.Kind != models.DocumentKindCreditNote {
			continue
		}
		if other.State == models.DocumentStateCancelled {
			continue
		}
		if m.normalize(other.SourceReference) == ref {
			net = net.Sub(other.AmountTotal)
		}
	}
	return net
}

// amountScore decays linearly from full weight at exact agreement to zero
// at the configured relative variance threshold.
func (m *Matcher) amountScore(record models.OrderRecord, inv models.LedgerInvoice, all []models.LedgerInvoice) decimal.Decimal {
	if record.TotalExclTax.IsZero() {
		return decimal.Zero
	}
	net := m.netAmount(inv, all)
	relVariance := net.Sub(record.TotalExclTax).Abs().Div(record.TotalExclTax.Abs())
	if relVariance.GreaterThanOrEqual(m.policy.AmountVarianceThreshold) {
		return decimal.Zero
	}
	fraction := decimal.NewFromInt(1).Sub(relVariance.Div(m.policy.AmountVarianceThreshold))
	return m.policy.AmountWeight.Mul(fraction)
}

func (m *Matcher) lineOverlapScore(record models.OrderRecord, pairs []models.LinePair) decimal.Decimal {
	if len(record.Lines) == 0 || len(pairs) == 0 {
		return decimal.Zero
	}
	perLine := m.policy.LineOverlapWeight.Div(decimal.NewFromInt(int64(len(record.Lines))))
	return perLine.Mul(decimal.NewFromInt(int64(len(pairs))))
}

type candidatePairing struct {
	orderIdx  int
	lineId    int
	pairScore int
}

// pairLines greedily pairs record lines to unclaimed invoice lines: SKU
// equality beats description similarity beats unit-price proximity. Ties
// resolve by ascending invoice line id, then record line order, so the
// pairing is stable across runs.
func (m *Matcher) pairLines(record models.OrderRecord, inv models.LedgerInvoice) []models.LinePair {
	var possible []candidatePairing
	for oi, ol := range record.Lines {
		for _, il := range inv.Lines {
			score := pairScore(ol, il)
			if score > 0 {
				possible = append(possible, candidatePairing{orderIdx: oi, lineId: il.Id, pairScore: score})
			}
		}
	}
	sort.SliceStable(possible, func(i, j int) bool {
		if possible[i].pairScore != possible[j].pairScore {
			return possible[i].pairScore > possible[j].pairScore
		}
		if possible[i].lineId != possible[j].lineId {
			return possible[i].lineId < possible[j].lineId
		}
		return possible[i].orderIdx < possible[j].orderIdx
	})

	lineById := make(map[int]models.LedgerInvoiceLine, len(inv.Lines))
	for _, il := range inv.Lines {
		lineById[il.Id] = il
	}

	claimedOrder := make(map[int]bool)
	claimedInvoice := make(map[int]bool)
	var pairs []models.LinePair
	for _, p := range possible {
		if claimedOrder[p.orderIdx] || claimedInvoice[p.lineId] {
			continue
		}
		claimedOrder[p.orderIdx] = true
		claimedInvoice[p.lineId] = true
		pairs = append(pairs, models.LinePair{
			OrderLineIndex: p.orderIdx,
			InvoiceLineId:  p.lineId,
			QuantityEqual:  record.Lines[p.orderIdx].Quantity.Equal(lineById[p.lineId].Quantity),
		})
	}
	return pairs
}

func pairScore(ol models.OrderLine, il models.LedgerInvoiceLine) int {
	if ol.Sku != "" && strings.EqualFold(ol.Sku, il.ProductRef) {
		return 3
	}
	if descSimilarity(ol.Description, il.Description) >= descSimilarityThreshold {
		return 2
	}
	if unitPriceClose(ol.UnitPriceExclTax, il.UnitPrice) {
		return 1
	}
	return 0
}

func descSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

func unitPriceClose(a, b decimal.Decimal) bool {
	if a.IsZero() && b.IsZero() {
		return true
	}
	if a.IsZero() {
		return false
	}
	return a.Sub(b).Abs().Div(a.Abs()).LessThanOrEqual(unitPriceTol)
}

func (m *Matcher) dateScore(record models.OrderRecord, inv models.LedgerInvoice) decimal.Decimal {
	if record.ShipmentDate == nil || inv.DocumentDate.IsZero() {
		return decimal.Zero
	}
	days := inv.DocumentDate.Sub(*record.ShipmentDate).Hours() / 24
	if days < 0 {
		days = -days
	}
	window := float64(m.policy.DateProximityWindowDays)
	switch {
	case days <= 14:
		return m.policy.DateWeight
	case days <= 30:
		return m.policy.DateWeight.Mul(decimal.NewFromFloat(0.66))
	case days <= 60:
		return m.policy.DateWeight.Mul(decimal.NewFromFloat(0.33))
	case days <= window:
		return m.policy.DateWeight.Mul(decimal.NewFromFloat(0.15))
	default:
		return decimal.Zero
	}
}
