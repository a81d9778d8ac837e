package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// CorrectionAction is one planned, idempotent operation against the ledger.
type CorrectionAction struct {
	Type             ActionType
	SourceId         string
	TargetInvoiceIds []int
	Payload          *DocumentPayload // set for document-creating actions
	LineLinks        []LineLink       // set for LinkExistingLine / AdjustLineQuantity
	IdempotencyKey   string
	BlockedByLock    bool
	Reason           string
}

// LineLink corrects quantity or linkage on an existing invoice line without
// changing monetary totals.
type LineLink struct {
	InvoiceLineId int
	OrderLineId   string
	Quantity      string // target quantity as decimal string; empty = link only
}

// IsMutating reports whether executing the action calls a mutating ledger
// port method. MarkResolvedNoOp never touches the ledger.
func (a CorrectionAction) IsMutating() bool {
	return a.Type != ActionMarkResolvedNoOp
}

// DeriveIdempotencyKey builds the deterministic key for an action:
// sourceId + type + a hash of the action content. Re-running a pass after a
// partial failure re-derives the same key and finds the earlier write.
func DeriveIdempotencyKey(a CorrectionAction) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s", a.SourceId, a.Type)
	if a.Payload != nil {
		fmt.Fprintf(h, "|%s|%s", a.Payload.Kind, a.Payload.Total().StringFixed(4))
		for _, l := range a.Payload.Lines {
			fmt.Fprintf(h, "|%s:%s:%s", l.ProductRef, l.Quantity.String(), l.UnitPrice.StringFixed(4))
		}
	}
	if len(a.LineLinks) > 0 {
		links := make([]string, 0, len(a.LineLinks))
		for _, l := range a.LineLinks {
			links = append(links, fmt.Sprintf("%d:%s:%s", l.InvoiceLineId, l.OrderLineId, l.Quantity))
		}
		sort.Strings(links)
		fmt.Fprintf(h, "|%s", strings.Join(links, ","))
	}
	ids := append([]int(nil), a.TargetInvoiceIds...)
	sort.Ints(ids)
	for _, id := range ids {
		fmt.Fprintf(h, "|t%d", id)
	}
	sum := h.Sum(nil)
	return "RECON-" + hex.EncodeToString(sum[:12])
}
