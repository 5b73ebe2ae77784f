package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"stableramp/src/database"
	"stableramp/src/model"
)

// OfferRepository is the offer book: it stores LP offers and owns all
// capacity accounting on Offer.AvailableAmount.
type OfferRepository struct {
	db *gorm.DB
}

// NewOfferRepository creates a new repository instance using the main
// read/write database.
func NewOfferRepository() *OfferRepository {
	return &OfferRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *OfferRepository) WithDB(db *gorm.DB) *OfferRepository {
	return &OfferRepository{db: db}
}

// Create validates and inserts a new offer.
func (r *OfferRepository) Create(ctx context.Context, offer *model.Offer) error {
	if err := validateOffer(offer); err != nil {
		return err
	}

	if offer.PublicID == "" {
		offer.PublicID = model.NewOfferPublicID()
	}
	if offer.Status == "" {
		offer.Status = model.OfferStatusActive
	}

	if err := r.db.WithContext(ctx).Create(offer).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OfferRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create offer")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":     "OfferRepository",
		"op":       "Create",
		"offer_id": offer.PublicID,
		"lp_id":    offer.LPUserID,
	}).Info("Offer created")

	return nil
}

func validateOffer(offer *model.Offer) error {
	if offer.Direction != model.DirectionBuy && offer.Direction != model.DirectionSell {
		return fmt.Errorf("%w: direction must be buy or sell", model.ErrValidation)
	}
	if !offer.Rate.IsPositive() {
		return fmt.Errorf("%w: rate must be positive", model.ErrValidation)
	}
	if offer.FeePercent.IsNegative() || offer.FeePercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: fee percent must be within [0,100]", model.ErrValidation)
	}
	if !offer.MinOrderAmount.IsPositive() {
		return fmt.Errorf("%w: min order amount must be positive", model.ErrValidation)
	}
	if offer.MinOrderAmount.GreaterThan(offer.MaxOrderAmount) {
		return fmt.Errorf("%w: min order amount exceeds max", model.ErrValidation)
	}
	if offer.AvailableAmount.IsNegative() {
		return fmt.Errorf("%w: available amount must not be negative", model.ErrValidation)
	}
	if !offer.HasPaymentRoute() {
		return fmt.Errorf("%w: at least one payment route is required", model.ErrValidation)
	}
	return nil
}

// ListActive returns active offers with remaining capacity for one
// direction, best effective rate first, higher-rated LPs breaking ties.
func (r *OfferRepository) ListActive(ctx context.Context, direction string) ([]model.Offer, error) {
	if direction != model.DirectionBuy && direction != model.DirectionSell {
		return nil, fmt.Errorf("%w: direction must be buy or sell", model.ErrValidation)
	}

	var offers []model.Offer
	err := r.db.WithContext(ctx).
		Where("direction = ? AND status = ? AND available_amount > 0", direction, model.OfferStatusActive).
		Order("rate * (1 + fee_percent / 100) ASC, rating DESC").
		Find(&offers).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "OfferRepository",
			"op":        "ListActive",
			"direction": direction,
		}).WithError(err).Error("Failed to list offers")
		return nil, err
	}

	return offers, nil
}

// FindByPublicID fetches a single offer. Returns ErrNotFound when absent.
func (r *OfferRepository) FindByPublicID(ctx context.Context, publicID string) (*model.Offer, error) {
	var offer model.Offer
	err := r.db.WithContext(ctx).Where("public_id = ?", publicID).First(&offer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: offer %s", model.ErrNotFound, publicID)
		}
		return nil, err
	}
	return &offer, nil
}

// FindByID fetches a single offer by internal ID. Returns ErrNotFound when absent.
func (r *OfferRepository) FindByID(ctx context.Context, id uint) (*model.Offer, error) {
	var offer model.Offer
	err := r.db.WithContext(ctx).First(&offer, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: offer %d", model.ErrNotFound, id)
		}
		return nil, err
	}
	return &offer, nil
}

// Withdraw soft-deletes an offer. Refused while any order still references
// it in a non-terminal state, so the capacity invariant cannot be orphaned.
func (r *OfferRepository) Withdraw(ctx context.Context, publicID string, lpUserID uint) (*model.Offer, error) {
	var offer model.Offer

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("public_id = ?", publicID).First(&offer).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: offer %s", model.ErrNotFound, publicID)
			}
			return err
		}
		if offer.LPUserID != lpUserID {
			return fmt.Errorf("%w: offer belongs to another LP", model.ErrForbidden)
		}
		if offer.Status == model.OfferStatusWithdrawn {
			return nil
		}

		var open int64
		if err := tx.Model(&model.Order{}).
			Where("offer_id = ? AND status NOT IN ?", offer.ID, model.OrderTerminalStatuses).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("%w: %d open orders", model.ErrOfferInUse, open)
		}

		offer.Status = model.OfferStatusWithdrawn
		return tx.Model(&offer).Update("status", model.OfferStatusWithdrawn).Error
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"repo":     "OfferRepository",
		"op":       "Withdraw",
		"offer_id": publicID,
	}).Info("Offer withdrawn")

	return &offer, nil
}

// SetStatus toggles an offer between active and paused. Withdrawn offers
// stay withdrawn.
func (r *OfferRepository) SetStatus(ctx context.Context, publicID string, lpUserID uint, status string) (*model.Offer, error) {
	if status != model.OfferStatusActive && status != model.OfferStatusPaused {
		return nil, fmt.Errorf("%w: status must be active or paused", model.ErrValidation)
	}

	offer, err := r.FindByPublicID(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if offer.LPUserID != lpUserID {
		return nil, fmt.Errorf("%w: offer belongs to another LP", model.ErrForbidden)
	}
	if offer.Status == model.OfferStatusWithdrawn {
		return nil, fmt.Errorf("%w: offer is withdrawn", model.ErrOfferUnavailable)
	}

	if err := r.db.WithContext(ctx).Model(offer).Update("status", status).Error; err != nil {
		return nil, err
	}
	offer.Status = status
	return offer, nil
}

// Reserve atomically decrements available capacity if and only if the
// offer is active and has at least amount left. This single guarded
// UPDATE is what keeps concurrent order creation from over-reserving.
// Returns false without error when the guard did not match.
func (r *OfferRepository) Reserve(ctx context.Context, offerID uint, amount decimal.Decimal) (bool, error) {
	if !amount.IsPositive() {
		return false, fmt.Errorf("%w: reserve amount must be positive", model.ErrValidation)
	}

	res := r.db.WithContext(ctx).
		Model(&model.Offer{}).
		Where("id = ? AND status = ? AND available_amount >= ?", offerID, model.OfferStatusActive, amount).
		Updates(map[string]interface{}{
			"available_amount": gorm.Expr("available_amount - ?", amount),
			"total_orders":     gorm.Expr("total_orders + 1"),
		})
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "OfferRepository",
			"op":       "Reserve",
			"offer_id": offerID,
			"amount":   amount.String(),
		}).WithError(res.Error).Error("Failed to reserve capacity")
		return false, res.Error
	}

	return res.RowsAffected == 1, nil
}

// Restore returns previously reserved capacity after a cancel, expiry or
// refund. It never resurrects a withdrawn offer; the amount is added back
// regardless of status so the invariant over non-terminal orders holds.
func (r *OfferRepository) Restore(ctx context.Context, offerID uint, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: restore amount must be positive", model.ErrValidation)
	}

	err := r.db.WithContext(ctx).
		Model(&model.Offer{}).
		Where("id = ?", offerID).
		Update("available_amount", gorm.Expr("available_amount + ?", amount)).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "OfferRepository",
			"op":       "Restore",
			"offer_id": offerID,
			"amount":   amount.String(),
		}).WithError(err).Error("Failed to restore capacity")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":     "OfferRepository",
		"op":       "Restore",
		"offer_id": offerID,
		"amount":   amount.String(),
	}).Debug("Capacity restored")

	return nil
}

// IncrementCompleted bumps the offer's completed order counters after a
// successful settlement.
func (r *OfferRepository) IncrementCompleted(ctx context.Context, offerID uint) error {
	return r.db.WithContext(ctx).
		Model(&model.Offer{}).
		Where("id = ?", offerID).
		Updates(map[string]interface{}{
			"completed_orders": gorm.Expr("completed_orders + 1"),
			"completed_trades": gorm.Expr("completed_trades + 1"),
		}).Error
}

// SyncLPRating copies the LP's current rating onto all their offers so
// the book's tie-break follows reputation changes.
func (r *OfferRepository) SyncLPRating(ctx context.Context, lpUserID uint, rating decimal.Decimal) error {
	return r.db.WithContext(ctx).
		Model(&model.Offer{}).
		Where("lp_user_id = ?", lpUserID).
		Update("rating", rating).Error
}
