package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderRecord is one marketplace transaction in canonical form. It is built
// once by the normalizer and read-only afterwards: downstream components
// never mutate it.
type OrderRecord struct {
	SourceId          string          `json:"source_id"`
	Lines             []OrderLine     `json:"lines"`
	TotalExclTax      decimal.Decimal `json:"total_excl_tax"`
	TotalTax          decimal.Decimal `json:"total_tax"`
	TotalInclTax      decimal.Decimal `json:"total_incl_tax"`
	Currency          string          `json:"currency"`
	ShipmentDate      *time.Time      `json:"shipment_date"`
	SourceInvoicedFlag bool           `json:"source_invoiced_flag"`
}

type OrderLine struct {
	LineId           string          `json:"line_id"`
	Sku              string          `json:"sku"`
	Description      string          `json:"description"`
	Quantity         decimal.Decimal `json:"quantity"`
	UnitPriceExclTax decimal.Decimal `json:"unit_price_excl_tax"`
	TaxAmount        decimal.Decimal `json:"tax_amount"`
}

// HasComparisonBasis reports whether the record carries enough data for an
// amount comparison against the ledger.
func (r OrderRecord) HasComparisonBasis() bool {
	return len(r.Lines) > 0
}

// RawSourceRecord is the shape handed over by the ingestion collaborator:
// one already-parsed marketplace export row. String-typed fields mirror the
// export; the normalizer converts and validates them.
type RawSourceRecord struct {
	OrderId        string         `json:"order_id"`
	Currency       string         `json:"currency"`
	ShipmentDate   string         `json:"shipment_date"`
	SourceInvoiced bool           `json:"source_invoiced"`
	TotalExclTax   string         `json:"total_excl_tax"`
	TotalTax       string         `json:"total_tax"`
	TotalInclTax   string         `json:"total_incl_tax"`
	Lines          []RawOrderLine `json:"lines"`
}

type RawOrderLine struct {
	LineId      string `json:"line_id"`
	Sku         string `json:"sku"`
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	TaxAmount   string `json:"tax_amount"`
}
