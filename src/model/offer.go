package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	OfferStatusActive    = "active"
	OfferStatusPaused    = "paused"
	OfferStatusWithdrawn = "withdrawn"
)

const (
	// DirectionBuy: the taker buys stablecoin and pays fiat.
	DirectionBuy = "buy"
	// DirectionSell: the taker sells stablecoin and receives fiat.
	DirectionSell = "sell"
)

// Offer is an LP's standing willingness to exchange stablecoin for fiat
// at a stated rate and fee, within stated amount bounds.
//
// AvailableAmount is the unreserved capacity in stablecoin units. It is
// only ever changed through OfferRepository.Reserve/Restore, which keep
// it >= the sum of all non-terminal order reservations.
type Offer struct {
	ID       uint   `gorm:"primaryKey" json:"-"`
	PublicID string `gorm:"size:36;not null;uniqueIndex" json:"id"`
	LPUserID uint   `gorm:"not null;index" json:"lp_user_id"`

	Direction       string          `gorm:"size:10;not null" json:"direction"`
	AvailableAmount decimal.Decimal `gorm:"type:numeric(30,8);not null" json:"available_amount"`
	// Rate is fiat units per stablecoin unit, before fee.
	Rate           decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"rate"`
	FeePercent     decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"fee_percent"`
	MinOrderAmount decimal.Decimal `gorm:"type:numeric(30,8);not null" json:"min_order_amount"`
	MaxOrderAmount decimal.Decimal `gorm:"type:numeric(30,8);not null" json:"max_order_amount"`

	// Fiat leg details. At least one payment route must be present.
	BankName      string `gorm:"size:120" json:"bank_name,omitempty"`
	AccountNumber string `gorm:"size:60" json:"account_number,omitempty"`
	AccountName   string `gorm:"size:120" json:"account_name,omitempty"`
	PhoneNumber   string `gorm:"size:30" json:"phone_number,omitempty"`
	NationalID    string `gorm:"size:40" json:"national_id,omitempty"`

	Status          string          `gorm:"size:20;not null;default:active;index" json:"status"`
	TotalOrders     int             `gorm:"not null;default:0" json:"total_orders"`
	CompletedOrders int             `gorm:"not null;default:0" json:"completed_orders"`
	Rating          decimal.Decimal `gorm:"type:numeric(4,2);not null;default:0" json:"rating"`
	CompletedTrades int             `gorm:"not null;default:0" json:"completed_trades"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Offer) TableName() string {
	return "offers"
}

var oneHundred = decimal.NewFromInt(100)

// EffectiveRate is the fee-adjusted price a taker actually pays:
// rate * (1 + fee/100). Always derived, never stored.
func (o *Offer) EffectiveRate() decimal.Decimal {
	return o.Rate.Mul(decimal.NewFromInt(1).Add(o.FeePercent.Div(oneHundred)))
}

// HasPaymentRoute reports whether the fiat leg can be paid at all.
func (o *Offer) HasPaymentRoute() bool {
	bank := o.BankName != "" && o.AccountNumber != "" && o.AccountName != ""
	return bank || o.PhoneNumber != "" || o.NationalID != ""
}

func NewOfferPublicID() string {
	return uuid.NewString()
}
