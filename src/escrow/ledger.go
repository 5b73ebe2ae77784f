package escrow

import (
	"context"

	"github.com/shopspring/decimal"
)

// Ledger abstracts the external balance-custody ledger. All three
// operations carry the order reference as an idempotency key: the ledger
// must return the original transaction reference when a call is repeated
// for the same order, so callers can safely retry after a timeout.
type Ledger interface {
	Lock(ctx context.Context, req LockRequest) (TxResult, error)
	Release(ctx context.Context, req ReleaseRequest) (TxResult, error)
	Refund(ctx context.Context, req RefundRequest) (TxResult, error)
}

// LockRequest moves funds from the buyer's balance into an order-scoped
// hold. The balance check and the move are atomic on the ledger side.
type LockRequest struct {
	OrderRef    string
	FromAccount string
	Amount      decimal.Decimal
}

// ReleaseRequest pays a previously locked hold out to the LP.
type ReleaseRequest struct {
	OrderRef  string
	ToAccount string
	Amount    decimal.Decimal
}

// RefundRequest returns a previously locked hold to the buyer.
type RefundRequest struct {
	OrderRef  string
	ToAccount string
	Amount    decimal.Decimal
}

// TxResult carries the externally verifiable transaction reference
// produced by the ledger.
type TxResult struct {
	Ref string `json:"ref"`
}
