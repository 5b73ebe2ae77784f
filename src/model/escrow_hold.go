package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscrowHold states. held -> released and held -> refunded are the only
// legal flips, and they are mutually exclusive: the first guarded update
// to land wins, the loser sees zero rows affected.
const (
	HoldStateHeld     = "held"
	HoldStateReleased = "released"
	HoldStateRefunded = "refunded"
)

// EscrowHold is the coordinator's idempotency record: exactly one row per
// order (unique order_id), created when custody is locked. Repeated
// lock/release/refund calls for the same order resolve against this row
// instead of touching the ledger twice.
type EscrowHold struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	OrderID    uint            `gorm:"not null;uniqueIndex" json:"order_id"`
	Amount     decimal.Decimal `gorm:"type:numeric(30,8);not null" json:"amount"`
	State      string          `gorm:"size:20;not null;default:held" json:"state"`
	LockRef    string          `gorm:"size:128" json:"lock_ref,omitempty"`
	ReleaseRef string          `gorm:"size:128" json:"release_ref,omitempty"`
	RefundRef  string          `gorm:"size:128" json:"refund_ref,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (EscrowHold) TableName() string {
	return "escrow_holds"
}
