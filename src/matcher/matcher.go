package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"stableramp/src/database"
	"stableramp/src/model"
	"stableramp/src/repository"
)

// stablePrecision is the token's smallest-unit precision used when a
// fiat-denominated request is converted into stablecoin units.
const stablePrecision = 6

// fiatPrecision matches the two-decimal fiat rails.
const fiatPrecision = 2

// Matcher creates orders against offers. Capacity reservation and order
// insertion happen in one transaction, so no failure path can leave the
// offer's available amount decremented without a matching order.
type Matcher struct {
	db         *gorm.DB
	offers     *repository.OfferRepository
	orders     *repository.OrderRepository
	pendingTTL time.Duration
}

func NewMatcher() *Matcher {
	return NewMatcherWithDB(database.MainDB, GetConfig().PendingTTL)
}

func NewMatcherWithDB(db *gorm.DB, pendingTTL time.Duration) *Matcher {
	return &Matcher{
		db:         db,
		offers:     repository.NewOfferRepository().WithDB(db),
		orders:     repository.NewOrderRepository().WithDB(db),
		pendingTTL: pendingTTL,
	}
}

// CreateOrderInput carries the requested size in exactly one denomination.
type CreateOrderInput struct {
	OfferID      string
	AmountStable decimal.Decimal
	AmountFiat   decimal.Decimal
}

// errGuardFailed signals that the atomic reserve did not match; the
// caller re-reads the offer to report the precise reason.
var errGuardFailed = errors.New("reserve guard failed")

// CreateOrder validates the request against the offer's current terms,
// atomically reserves capacity and creates the order with rate, fee and
// payment channel frozen at this instant.
func (m *Matcher) CreateOrder(ctx context.Context, buyerUserID uint, input CreateOrderInput) (*model.Order, error) {
	offer, err := m.offers.FindByPublicID(ctx, input.OfferID)
	if err != nil {
		return nil, err
	}

	if offer.Status != model.OfferStatusActive {
		return nil, fmt.Errorf("%w: offer is %s", model.ErrOfferUnavailable, offer.Status)
	}
	if offer.LPUserID == buyerUserID {
		return nil, fmt.Errorf("%w: cannot take your own offer", model.ErrValidation)
	}

	amountStable, amountFiat, err := priceOrder(offer, input)
	if err != nil {
		return nil, err
	}

	if amountStable.LessThan(offer.MinOrderAmount) || amountStable.GreaterThan(offer.MaxOrderAmount) {
		return nil, fmt.Errorf("%w: %s outside [%s, %s]",
			model.ErrOutOfBounds, amountStable, offer.MinOrderAmount, offer.MaxOrderAmount)
	}
	if amountStable.GreaterThan(offer.AvailableAmount) {
		return nil, fmt.Errorf("%w: requested %s, available %s",
			model.ErrInsufficientLiquidity, amountStable, offer.AvailableAmount)
	}

	now := time.Now()
	order := &model.Order{
		PublicID:      model.NewOrderPublicID(),
		OfferID:       offer.ID,
		BuyerUserID:   buyerUserID,
		LPUserID:      offer.LPUserID,
		AmountStable:  amountStable,
		AmountFiat:    amountFiat,
		Rate:          offer.Rate,
		FeePercent:    offer.FeePercent,
		BankName:      offer.BankName,
		AccountNumber: offer.AccountNumber,
		AccountName:   offer.AccountName,
		PhoneNumber:   offer.PhoneNumber,
		NationalID:    offer.NationalID,
		Status:        model.OrderStatusPending,
		ExpiresAt:     now.Add(m.pendingTTL),
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reserved, err := m.offers.WithDB(tx).Reserve(ctx, offer.ID, amountStable)
		if err != nil {
			return err
		}
		if !reserved {
			return errGuardFailed
		}

		if err := m.orders.WithDB(tx).Create(ctx, order); err != nil {
			return err
		}

		event := &model.OrderEvent{
			OrderID:    order.ID,
			FromStatus: "",
			ToStatus:   model.OrderStatusPending,
			Actor:      model.ActorBuyer,
			CreatedAt:  now,
		}
		return tx.Create(event).Error
	})
	if err != nil {
		if errors.Is(err, errGuardFailed) {
			return nil, m.explainReserveFailure(ctx, offer.ID, amountStable)
		}
		logger.WithFields(map[string]interface{}{
			"component": "Matcher",
			"op":        "CreateOrder",
			"offer_id":  input.OfferID,
		}).WithError(err).Error("Failed to create order")
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"component":     "Matcher",
		"op":            "CreateOrder",
		"order_id":      order.PublicID,
		"offer_id":      input.OfferID,
		"amount_stable": amountStable.String(),
		"amount_fiat":   amountFiat.String(),
	}).Info("Order matched")

	return order, nil
}

// priceOrder converts the requested size into frozen stable/fiat amounts
// using the offer's current effective rate. The fiat amount is always
// derived from the stable amount so the two never drift.
func priceOrder(offer *model.Offer, input CreateOrderInput) (decimal.Decimal, decimal.Decimal, error) {
	effRate := offer.EffectiveRate()

	var amountStable decimal.Decimal
	switch {
	case input.AmountStable.IsPositive() && input.AmountFiat.IsPositive():
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: request either stable or fiat amount, not both", model.ErrValidation)
	case input.AmountStable.IsPositive():
		amountStable = input.AmountStable.Round(stablePrecision)
	case input.AmountFiat.IsPositive():
		amountStable = input.AmountFiat.DivRound(effRate, stablePrecision)
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: a positive amount is required", model.ErrValidation)
	}

	amountFiat := amountStable.Mul(effRate).Round(fiatPrecision)
	return amountStable, amountFiat, nil
}

// explainReserveFailure re-reads the offer after a failed guard to return
// the precise error instead of a generic conflict.
func (m *Matcher) explainReserveFailure(ctx context.Context, offerID uint, amount decimal.Decimal) error {
	offer, err := m.offers.FindByID(ctx, offerID)
	if err != nil {
		return fmt.Errorf("%w: offer disappeared", model.ErrOfferUnavailable)
	}
	if offer.Status != model.OfferStatusActive {
		return fmt.Errorf("%w: offer is %s", model.ErrOfferUnavailable, offer.Status)
	}
	if offer.AvailableAmount.LessThan(amount) {
		return fmt.Errorf("%w: requested %s, available %s",
			model.ErrInsufficientLiquidity, amount, offer.AvailableAmount)
	}
	return model.ErrConflict
}
