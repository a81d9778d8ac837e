package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nimavakil1/recon_backend/models"
)

// RefNormalizer maps a decorated/prefixed ledger source reference to the
// bare marketplace order id. Supplied by the caller so the matcher stays
// source-format-agnostic.
type RefNormalizer func(string) string

// CreateResult is the typed outcome of a document creation. NoPayload marks
// the "operation succeeded but returned no document" case as a named,
// non-error result instead of a string match on an error message.
type CreateResult struct {
	Invoice   *models.LedgerInvoice
	NoPayload bool
}

// LedgerPort is the capability the reconciliation core needs from the
// ledger system. All calls may block; all may fail with TransientError
// (retry per policy) or FatalError (fail that one action only).
type LedgerPort interface {
	FindBySourceReference(ctx context.Context, sourceId string) ([]models.LedgerInvoice, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.LedgerInvoice, error)
	BatchFind(ctx context.Context, sourceIds []string, batchSize int) (map[string][]models.LedgerInvoice, error)

	CreateDocument(ctx context.Context, payload models.DocumentPayload) (CreateResult, error)
	PostDocument(ctx context.Context, id int) error
	CancelDocument(ctx context.Context, id int) error
	LinkLine(ctx context.Context, invoiceLineId int, orderLineId string) error
	AdjustLineQuantity(ctx context.Context, invoiceLineId int, quantity decimal.Decimal) error
}

// TransientError wraps failures worth retrying: timeouts, 5xx, rate limits.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("ledger %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError wraps validation/conflict failures; retrying cannot help.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("ledger %s: fatal: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
