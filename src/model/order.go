package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order lifecycle states. Transitions are owned exclusively by the
// settlement state machine; no other code writes Order.Status.
const (
	OrderStatusPending      = "pending"
	OrderStatusEscrowLocked = "escrow_locked"
	OrderStatusPaymentSent  = "payment_sent"
	OrderStatusCompleted    = "completed"
	OrderStatusCancelled    = "cancelled"
	OrderStatusExpired      = "expired"
	OrderStatusDisputed     = "disputed"
	OrderStatusRefunded     = "refunded"
)

// OrderTerminalStatuses are the states an order can never leave.
var OrderTerminalStatuses = []string{
	OrderStatusCompleted,
	OrderStatusCancelled,
	OrderStatusExpired,
	OrderStatusRefunded,
}

func IsTerminalOrderStatus(status string) bool {
	for _, s := range OrderTerminalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Order is a single buyer/LP exchange created against an Offer. Amounts,
// rate, fee and the payment channel are snapshotted at creation and never
// recomputed from the (possibly edited) offer.
type Order struct {
	ID       uint   `gorm:"primaryKey" json:"-"`
	PublicID string `gorm:"size:36;not null;uniqueIndex" json:"id"`
	// OfferID is a weak reference kept for audit; order terms never
	// follow later offer edits.
	OfferID     uint `gorm:"not null;index" json:"offer_id"`
	BuyerUserID uint `gorm:"not null;index" json:"buyer_user_id"`
	LPUserID    uint `gorm:"not null;index" json:"lp_user_id"`

	AmountStable decimal.Decimal `gorm:"type:numeric(30,8);not null" json:"amount_stable"`
	AmountFiat   decimal.Decimal `gorm:"type:numeric(30,2);not null" json:"amount_fiat"`
	Rate         decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"rate"`
	FeePercent   decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"fee_percent"`

	// Payment channel snapshot, copied from the offer at creation.
	BankName      string `gorm:"size:120" json:"bank_name,omitempty"`
	AccountNumber string `gorm:"size:60" json:"account_number,omitempty"`
	AccountName   string `gorm:"size:120" json:"account_name,omitempty"`
	PhoneNumber   string `gorm:"size:30" json:"phone_number,omitempty"`
	NationalID    string `gorm:"size:40" json:"national_id,omitempty"`

	Status        string `gorm:"size:20;not null;default:pending;index" json:"status"`
	EscrowTxRef   string `gorm:"size:128" json:"escrow_tx_ref,omitempty"`
	ReleaseTxRef  string `gorm:"size:128" json:"release_tx_ref,omitempty"`
	RefundTxRef   string `gorm:"size:128" json:"refund_tx_ref,omitempty"`
	DisputeReason string `gorm:"type:text" json:"dispute_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time  `gorm:"index" json:"expires_at"`

	Events []OrderEvent `gorm:"foreignKey:OrderID" json:"events,omitempty"`
}

func (Order) TableName() string {
	return "orders"
}

func (o *Order) IsTerminal() bool {
	return IsTerminalOrderStatus(o.Status)
}

func NewOrderPublicID() string {
	return uuid.NewString()
}

// OrderEvent is an append-only audit record of a status transition,
// written in the same transaction as the transition itself.
type OrderEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	OrderID    uint      `gorm:"not null;index" json:"order_id"`
	FromStatus string    `gorm:"size:20;not null" json:"from_status"`
	ToStatus   string    `gorm:"size:20;not null" json:"to_status"`
	Actor      string    `gorm:"size:20;not null" json:"actor"`
	Reason     string    `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (OrderEvent) TableName() string {
	return "order_events"
}

// Actor labels recorded on order events.
const (
	ActorBuyer  = "buyer"
	ActorLP     = "lp"
	ActorSystem = "system"
	ActorAdmin  = "admin"
)
