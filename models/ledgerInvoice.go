package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerInvoice is a financial document as read from the ledger system.
// The engine never mutates these values in place; all changes go through
// the ledger port as create/post/cancel/link requests.
type LedgerInvoice struct {
	Id              int                 `json:"id"`
	DocumentNumber  string              `json:"document_number"`
	Kind            DocumentKind        `json:"kind"`
	State           DocumentState       `json:"state"`
	DocumentDate    time.Time           `json:"document_date"`
	CreatedAt       time.Time           `json:"created_at"`
	Currency        string              `json:"currency"`
	AmountTotal     decimal.Decimal     `json:"amount_total"`
	SourceReference string              `json:"source_reference"`
	Lines           []LedgerInvoiceLine `json:"lines"`
}

type LedgerInvoiceLine struct {
	Id                int             `json:"id"`
	ProductRef        string          `json:"product_ref"`
	Description       string          `json:"description"`
	Quantity          decimal.Decimal `json:"quantity"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	LineTotal         decimal.Decimal `json:"line_total"`
	LinkedOrderLineId string          `json:"linked_order_line_id"`
}

// SignedTotal is the document's contribution to the net invoiced amount:
// invoices count positive, credit notes negative.
func (inv LedgerInvoice) SignedTotal() decimal.Decimal {
	if inv.Kind == DocumentKindCreditNote {
		return inv.AmountTotal.Neg()
	}
	return inv.AmountTotal
}

func (inv LedgerInvoice) IsPosted() bool {
	return inv.State == DocumentStatePosted
}

// DocumentPayload is the write shape for CreateDocument. SourceReference and
// IdempotencyKey are both written so later passes can find the document
// either way.
type DocumentPayload struct {
	Kind            DocumentKind          `json:"kind"`
	SourceReference string                `json:"source_reference"`
	IdempotencyKey  string                `json:"idempotency_key"`
	DocumentDate    time.Time             `json:"document_date"`
	Currency        string                `json:"currency"`
	TaxInclusive    bool                  `json:"tax_inclusive"`
	Lines           []DocumentLinePayload `json:"lines"`
}

type DocumentLinePayload struct {
	ProductRef  string          `json:"product_ref"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxAmount   decimal.Decimal `json:"tax_amount"`
}

// Total sums the payload lines; the ledger enforces the same invariant on
// its side, computing it up front keeps payload construction honest.
func (p DocumentPayload) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.Lines {
		total = total.Add(l.Quantity.Mul(l.UnitPrice))
	}
	return total
}
