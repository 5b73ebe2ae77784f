package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"stableramp/src/database"
	"stableramp/src/model"
)

// OrderRepository handles read/write operations for orders and their
// transition events.
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new repository instance using the main
// read/write database.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *OrderRepository) WithDB(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts a new order. The caller is responsible for having
// reserved offer capacity first.
func (r *OrderRepository) Create(ctx context.Context, order *model.Order) error {
	if order.PublicID == "" {
		order.PublicID = model.NewOrderPublicID()
	}
	if order.Status == "" {
		order.Status = model.OrderStatusPending
	}

	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create order")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":     "OrderRepository",
		"op":       "Create",
		"order_id": order.PublicID,
		"offer_id": order.OfferID,
	}).Info("Order created")

	return nil
}

// FindByPublicID fetches a single order. Returns ErrNotFound when absent.
func (r *OrderRepository) FindByPublicID(ctx context.Context, publicID string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).Where("public_id = ?", publicID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, publicID)
		}
		return nil, err
	}
	return &order, nil
}

// FindByID fetches a single order by internal ID.
func (r *OrderRepository) FindByID(ctx context.Context, id uint) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).First(&order, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: order %d", model.ErrNotFound, id)
		}
		return nil, err
	}
	return &order, nil
}

// ListByBuyer returns a buyer's orders, newest first.
func (r *OrderRepository) ListByBuyer(ctx context.Context, buyerUserID uint) ([]model.Order, error) {
	var orders []model.Order
	err := r.db.WithContext(ctx).
		Where("buyer_user_id = ?", buyerUserID).
		Order("created_at DESC, id DESC").
		Find(&orders).Error
	return orders, err
}

// ListByLP returns an LP's orders, newest first.
func (r *OrderRepository) ListByLP(ctx context.Context, lpUserID uint) ([]model.Order, error) {
	var orders []model.Order
	err := r.db.WithContext(ctx).
		Where("lp_user_id = ?", lpUserID).
		Order("created_at DESC, id DESC").
		Find(&orders).Error
	return orders, err
}

// FindOverdue returns orders past their deadline that the sweeper may
// still act on. Disputed orders are frozen and never swept.
func (r *OrderRepository) FindOverdue(ctx context.Context, now time.Time, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 100
	}

	var orders []model.Order
	err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at <= ?",
			[]string{model.OrderStatusPending, model.OrderStatusEscrowLocked}, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "FindOverdue",
		}).WithError(err).Error("Failed to scan overdue orders")
		return nil, err
	}

	return orders, nil
}

// FindStrandedHolds returns cancelled or expired orders whose escrow
// hold is still live, so the sweeper can refund them. Keying on the
// hold state catches refunds that previously failed as well as lock
// attempts that never recorded their ref on the order.
func (r *OrderRepository) FindStrandedHolds(ctx context.Context, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 100
	}

	var orders []model.Order
	err := r.db.WithContext(ctx).
		Model(&model.Order{}).
		Select("orders.*").
		Joins("JOIN escrow_holds ON escrow_holds.order_id = orders.id").
		Where("orders.status IN ? AND escrow_holds.state = ?",
			[]string{model.OrderStatusCancelled, model.OrderStatusExpired}, model.HoldStateHeld).
		Order("orders.expires_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// Transition performs the compare-and-swap status flip that makes
// per-order transitions linearizable: the UPDATE is guarded by the
// expected current status, and an audit event is written in the same
// transaction. Returns false when the guard did not match, meaning a
// concurrent transition won.
func (r *OrderRepository) Transition(
	ctx context.Context,
	order *model.Order,
	from string,
	to string,
	actor string,
	reason string,
	extra map[string]interface{},
) (bool, error) {

	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}

	swapped := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Order{}).
			Where("id = ? AND status = ?", order.ID, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		event := &model.OrderEvent{
			OrderID:    order.ID,
			FromStatus: from,
			ToStatus:   to,
			Actor:      actor,
			Reason:     reason,
			CreatedAt:  time.Now(),
		}
		if err := tx.Create(event).Error; err != nil {
			return err
		}

		swapped = true
		return nil
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "OrderRepository",
			"op":       "Transition",
			"order_id": order.PublicID,
			"from":     from,
			"to":       to,
		}).WithError(err).Error("Failed to transition order")
		return false, err
	}

	if swapped {
		logger.WithFields(map[string]interface{}{
			"repo":     "OrderRepository",
			"op":       "Transition",
			"order_id": order.PublicID,
			"from":     from,
			"to":       to,
			"actor":    actor,
		}).Info("Order transitioned")
	}

	return swapped, nil
}

// FindEventsByOrderID returns the audit trail for one order, oldest first.
func (r *OrderRepository) FindEventsByOrderID(ctx context.Context, orderID uint) ([]model.OrderEvent, error) {
	var events []model.OrderEvent
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}
