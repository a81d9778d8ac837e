package recon

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nimavakil1/recon_backend/config"
	"github.com/nimavakil1/recon_backend/models"
)

// Planner maps one classified record to at most one corrective action.
// Policy choice for OverInvoiced: trim the offending document while it is
// still draft (cheap, reversible), credit it once posted — a posted
// document is never mutated.
type Planner struct {
	policy config.Policy
	now    func() time.Time
}

func NewPlanner(policy config.Policy, now func() time.Time) *Planner {
	if now == nil {
		now = time.Now
	}
	return &Planner{policy: policy, now: now}
}

// Plan returns nil for categories that must go to manual review. Every
// returned action carries its deterministic idempotency key and the lock
// verdict; blocked actions are returned (never executed) so the report can
// surface them.
func (p *Planner) Plan(record models.OrderRecord, cls Classification) *models.CorrectionAction {
	var action *models.CorrectionAction

	switch cls.Category {
	case models.CategoryMatched, models.CategoryNoSourceData:
		action = &models.CorrectionAction{
			Type:     models.ActionMarkResolvedNoOp,
			SourceId: record.SourceId,
			Reason:   cls.Reason,
		}

	case models.CategoryNoLedgerDocument:
		action = p.planSupplementalInvoice(record, record.Lines, cls.Reason)

	case models.CategoryUnderInvoiced:
		shortfall := cls.Diff.Abs()
		line := models.DocumentLinePayload{
			ProductRef:  "RECON-ADJ",
			Description: fmt.Sprintf("Supplemental charge for order %s", record.SourceId),
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   shortfall,
		}
		action = p.planSupplementalLines(record, []models.DocumentLinePayload{line},
			fmt.Sprintf("under-invoiced by %s", shortfall.StringFixed(2)))

	case models.CategoryOverInvoiced:
		action = p.planOverInvoiced(record, cls)

	case models.CategoryTotalsMatchQtyWrong:
		action = p.planLineLinks(record, cls)

	case models.CategoryMultipleLedgerDocuments, models.CategoryUnresolvable:
		// Automatic de-duplication risks destroying a legitimate document;
		// these always route to manual review.
		return nil
	}

	if action == nil {
		return nil
	}
	action.IdempotencyKey = models.DeriveIdempotencyKey(*action)
	return action
}

func (p *Planner) planSupplementalInvoice(record models.OrderRecord, lines []models.OrderLine, reason string) *models.CorrectionAction {
	payloadLines := make([]models.DocumentLinePayload, 0, len(lines))
	for _, l := range lines {
		payloadLines = append(payloadLines, models.DocumentLinePayload{
			ProductRef:  l.Sku,
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPriceExclTax,
			TaxAmount:   l.TaxAmount,
		})
	}
	return p.planSupplementalLines(record, payloadLines, reason)
}

func (p *Planner) planSupplementalLines(record models.OrderRecord, lines []models.DocumentLinePayload, reason string) *models.CorrectionAction {
	docDate := p.documentDate(record)
	action := &models.CorrectionAction{
		Type:     models.ActionCreateSupplementalInvoice,
		SourceId: record.SourceId,
		Payload: &models.DocumentPayload{
			Kind:            models.DocumentKindInvoice,
			SourceReference: record.SourceId,
			DocumentDate:    docDate,
			Currency:        record.Currency,
			// A transaction the marketplace already invoiced fiscally keeps
			// its computed tax totals; the ledger must not re-derive them.
			TaxInclusive: !record.SourceInvoicedFlag,
			Lines:        lines,
		},
		Reason: reason,
	}
	action.BlockedByLock = p.isLocked(docDate)
	return action
}

func (p *Planner) planOverInvoiced(record models.OrderRecord, cls Classification) *models.CorrectionAction {
	offender := findOffender(cls)
	if offender == nil {
		return nil
	}
	excess := cls.Diff

	if offender.Invoice.State == models.DocumentStateDraft {
		// Draft: trim quantities back to the record's, reversible in place.
		var links []models.LineLink
		lineById := invoiceLinesById(offender.Invoice)
		for _, pair := range offender.LinePairs {
			recordLine := record.Lines[pair.OrderLineIndex]
			invoiceLine := lineById[pair.InvoiceLineId]
			if invoiceLine.Quantity.GreaterThan(recordLine.Quantity) {
				links = append(links, models.LineLink{
					InvoiceLineId: pair.InvoiceLineId,
					OrderLineId:   recordLine.LineId,
					Quantity:      recordLine.Quantity.String(),
				})
			}
		}
		if len(links) > 0 {
			action := &models.CorrectionAction{
				Type:             models.ActionAdjustLineQuantity,
				SourceId:         record.SourceId,
				TargetInvoiceIds: []int{offender.Invoice.Id},
				LineLinks:        links,
				Reason:           fmt.Sprintf("trim draft %s back to ordered quantities", offender.Invoice.DocumentNumber),
			}
			action.BlockedByLock = p.isLocked(offender.Invoice.DocumentDate)
			return action
		}
		// Excess is not quantity-driven; fall through to a credit note.
	}

	docDate := p.documentDate(record)
	action := &models.CorrectionAction{
		Type:             models.ActionCreateCreditNote,
		SourceId:         record.SourceId,
		TargetInvoiceIds: []int{offender.Invoice.Id},
		Payload: &models.DocumentPayload{
			Kind:            models.DocumentKindCreditNote,
			SourceReference: record.SourceId,
			DocumentDate:    docDate,
			Currency:        record.Currency,
			Lines: []models.DocumentLinePayload{{
				ProductRef:  "RECON-ADJ",
				Description: fmt.Sprintf("Credit for over-invoiced order %s (%s)", record.SourceId, offender.Invoice.DocumentNumber),
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   excess,
			}},
		},
		Reason: fmt.Sprintf("over-invoiced by %s", excess.StringFixed(2)),
	}
	action.BlockedByLock = p.isLocked(docDate)
	return action
}

func (p *Planner) planLineLinks(record models.OrderRecord, cls Classification) *models.CorrectionAction {
	var links []models.LineLink
	var targets []int
	for _, cand := range cls.Considered {
		changed := false
		for _, pair := range cand.LinePairs {
			if pair.QuantityEqual {
				continue
			}
			recordLine := record.Lines[pair.OrderLineIndex]
			links = append(links, models.LineLink{
				InvoiceLineId: pair.InvoiceLineId,
				OrderLineId:   recordLine.LineId,
				Quantity:      recordLine.Quantity.String(),
			})
			changed = true
		}
		if changed {
			targets = append(targets, cand.Invoice.Id)
		}
	}
	if len(links) == 0 {
		return nil
	}

	action := &models.CorrectionAction{
		Type:             models.ActionLinkExistingLine,
		SourceId:         record.SourceId,
		TargetInvoiceIds: targets,
		LineLinks:        links,
		Reason:           "re-link lines and correct quantities, totals unchanged",
	}
	for _, cand := range cls.Considered {
		if p.isLocked(cand.Invoice.DocumentDate) {
			action.BlockedByLock = true
			break
		}
	}
	return action
}

// documentDate is the date a created document will carry: the record's
// shipment date keeps it in the right tax period, with "now" as fallback.
func (p *Planner) documentDate(record models.OrderRecord) time.Time {
	if record.ShipmentDate != nil {
		return *record.ShipmentDate
	}
	return p.now()
}

func (p *Planner) isLocked(docDate time.Time) bool {
	return !docDate.After(p.policy.LockDate)
}

// findOffender picks the non-cancelled invoice contributing most to the
// over-invoiced net. Drafts win ties so the cheaper trim path is preferred.
func findOffender(cls Classification) *models.MatchCandidate {
	var best *models.MatchCandidate
	for i := range cls.Considered {
		cand := &cls.Considered[i]
		inv := cand.Invoice
		if inv.Kind != models.DocumentKindInvoice || inv.State == models.DocumentStateCancelled {
			continue
		}
		if best == nil {
			best = cand
			continue
		}
		if inv.AmountTotal.GreaterThan(best.Invoice.AmountTotal) {
			best = cand
		} else if inv.AmountTotal.Equal(best.Invoice.AmountTotal) &&
			inv.State == models.DocumentStateDraft && best.Invoice.State != models.DocumentStateDraft {
			best = cand
		}
	}
	return best
}

func invoiceLinesById(inv models.LedgerInvoice) map[int]models.LedgerInvoiceLine {
	out := make(map[int]models.LedgerInvoiceLine, len(inv.Lines))
	for _, l := range inv.Lines {
		out[l.Id] = l
	}
	return out
}
