package recon

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nimavakil1/recon_backend/models"
)

// MalformedRecordError marks a raw record that cannot be normalized. The
// record is skipped and reported; the pass continues.
type MalformedRecordError struct {
	SourceId string
	Reason   string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %q: %s", e.SourceId, e.Reason)
}

// Rounding noise allowed between stated totals and line sums.
var consistencyEpsilon = decimal.NewFromFloat(0.05)

// Normalize converts one already-parsed marketplace export row into the
// canonical OrderRecord. Pure: no I/O, no mutation of the input.
func Normalize(raw models.RawSourceRecord) (models.OrderRecord, error) {
	sourceId := strings.TrimSpace(raw.OrderId)
	if sourceId == "" {
		return models.OrderRecord{}, &MalformedRecordError{SourceId: raw.OrderId, Reason: "missing order id"}
	}
	if len(raw.Lines) == 0 {
		return models.OrderRecord{}, &MalformedRecordError{SourceId: sourceId, Reason: "no lines"}
	}

	record := models.OrderRecord{
		SourceId:           sourceId,
		Currency:           strings.ToUpper(strings.TrimSpace(raw.Currency)),
		SourceInvoicedFlag: raw.SourceInvoiced,
	}

	if v := strings.TrimSpace(raw.ShipmentDate); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return models.OrderRecord{}, &MalformedRecordError{SourceId: sourceId, Reason: "bad shipment date: " + v}
		}
		record.ShipmentDate = &t
	}

	sumExcl := decimal.Zero
	sumTax := decimal.Zero
	for i, rawLine := range raw.Lines {
		qty, err := parseAmount(rawLine.Quantity)
		if err != nil {
			return models.OrderRecord{}, &MalformedRecordError{SourceId: sourceId, Reason: fmt.Sprintf("line %d: bad quantity", i)}
		}
		if qty.Sign() <= 0 {
			return models.OrderRecord{}, &MalformedRecordError{SourceId: sourceId, Reason: fmt.Sprintf("line %d: non-positive quantity", i)}
		}
		unitPrice, err := parseAmount(rawLine.UnitPrice)
		if err != nil {
			return models.OrderRecord{}, &MalformedRecordError{SourceId: sourceId, Reason: fmt.Sprintf("line %d: bad unit price", i)}
		}
		tax, err := parseAmount(rawLine.TaxAmount)
		if err != nil {
			return models.OrderRecord{}, &MalformedRecordError{SourceId: sourceId, Reason: fmt.Sprintf("line %d: bad tax amount", i)}
		}

		lineId := strings.TrimSpace(rawLine.LineId)
		if lineId == "" {
			lineId = fmt.Sprintf("%s-%d", sourceId, i+1)
		}
		record.Lines = append(record.Lines, models.OrderLine{
			LineId:           lineId,
			Sku:              strings.TrimSpace(rawLine.Sku),
			Description:      strings.TrimSpace(rawLine.Description),
			Quantity:         qty,
			UnitPriceExclTax: unitPrice,
			TaxAmount:        tax,
		})
		sumExcl = sumExcl.Add(qty.Mul(unitPrice))
		sumTax = sumTax.Add(tax)
	}

	record.TotalExclTax = sumExcl
	record.TotalTax = sumTax

	// When the export states its own totals they must agree with the lines.
	if v := strings.TrimSpace(raw.TotalExclTax); v != "" {
		stated, err := parseAmount(v)
		if err != nil {
			return models.OrderRecord{}, &MalformedRecordError{SourceId: sourceId, Reason: "bad total_excl_tax"}
		}
		if stated.Sub(sumExcl).Abs().GreaterThan(consistencyEpsilon) {
			return models.OrderRecord{}, &MalformedRecordError{
				SourceId: sourceId,
				Reason:   fmt.Sprintf("total_excl_tax %s disagrees with line sum %s", stated, sumExcl),
			}
		}
		record.TotalExclTax = stated
	}
	if v := strings.TrimSpace(raw.TotalTax); v != "" {
		stated, err := parseAmount(v)
		if err != nil {
			return models.OrderRecord{}, &MalformedRecordError{SourceId: sourceId, Reason: "bad total_tax"}
		}
		if stated.Sub(sumTax).Abs().GreaterThan(consistencyEpsilon) {
			return models.OrderRecord{}, &MalformedRecordError{
				SourceId: sourceId,
				Reason:   fmt.Sprintf("total_tax %s disagrees with line tax sum %s", stated, sumTax),
			}
		}
		record.TotalTax = stated
	}

	record.TotalInclTax = record.TotalExclTax.Add(record.TotalTax)
	if v := strings.TrimSpace(raw.TotalInclTax); v != "" {
		stated, err := parseAmount(v)
		if err != nil {
			return models.OrderRecord{}, &MalformedRecordError{SourceId: sourceId, Reason: "bad total_incl_tax"}
		}
		if stated.Sub(record.TotalExclTax.Add(record.TotalTax)).Abs().GreaterThan(consistencyEpsilon) {
			return models.OrderRecord{}, &MalformedRecordError{
				SourceId: sourceId,
				Reason:   "total_incl_tax disagrees with excl + tax",
			}
		}
		record.TotalInclTax = stated
	}

	return record, nil
}

func parseAmount(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, nil
	}
	// Exports localized with comma decimal separators show up regularly.
	value = strings.ReplaceAll(value, ",", ".")
	return decimal.NewFromString(value)
}
