package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"stableramp/src/database"
	"stableramp/src/escrow"
	"stableramp/src/model"
	"stableramp/src/repository"
)

// StateMachine drives the order settlement lifecycle. It is the only
// component allowed to mutate an order's status; every transition is a
// compare-and-swap against the expected current state, so concurrent
// calls on the same order cannot both succeed.
type StateMachine struct {
	db          *gorm.DB
	orders      *repository.OrderRepository
	offers      *repository.OfferRepository
	users       *repository.UserRepository
	coordinator *escrow.Coordinator
	paymentTTL  time.Duration
}

func NewStateMachine(coordinator *escrow.Coordinator) *StateMachine {
	return NewStateMachineWithDB(database.MainDB, coordinator, GetConfig().PaymentTTL)
}

func NewStateMachineWithDB(db *gorm.DB, coordinator *escrow.Coordinator, paymentTTL time.Duration) *StateMachine {
	return &StateMachine{
		db:          db,
		orders:      repository.NewOrderRepository().WithDB(db),
		offers:      repository.NewOfferRepository().WithDB(db),
		users:       repository.NewUserRepository().WithDB(db),
		coordinator: coordinator.WithDB(db),
		paymentTTL:  paymentTTL,
	}
}

// LockEscrow moves the buyer's stablecoin into custody for a pending
// order and opens the fiat payment window. On custody failure the order
// stays pending with its capacity still reserved, so the buyer can retry,
// cancel, or let the sweeper expire it.
func (s *StateMachine) LockEscrow(ctx context.Context, orderPublicID string, buyerUserID uint) (*model.Order, error) {
	order, err := s.orders.FindByPublicID(ctx, orderPublicID)
	if err != nil {
		return nil, err
	}
	if order.BuyerUserID != buyerUserID {
		return nil, fmt.Errorf("%w: only the buyer can lock escrow", model.ErrForbidden)
	}

	if order.Status == model.OrderStatusEscrowLocked {
		return order, nil
	}
	if order.Status != model.OrderStatusPending {
		return nil, s.wrongState(order, "lock escrow")
	}

	lockRef, err := s.coordinator.Lock(ctx, order)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	swapped, err := s.orders.Transition(ctx, order,
		model.OrderStatusPending, model.OrderStatusEscrowLocked,
		model.ActorBuyer, "",
		map[string]interface{}{
			"escrow_tx_ref": lockRef,
			"expires_at":    now.Add(s.paymentTTL),
		})
	if err != nil {
		return nil, err
	}
	if !swapped {
		// Someone else moved the order first (a concurrent retry, a
		// cancel, or the sweeper). The hold we created must not be
		// stranded if the order went terminal.
		return s.recoverLostLock(ctx, order)
	}

	return s.orders.FindByPublicID(ctx, orderPublicID)
}

// recoverLostLock resolves a lock attempt that lost the status race.
func (s *StateMachine) recoverLostLock(ctx context.Context, stale *model.Order) (*model.Order, error) {
	order, err := s.orders.FindByID(ctx, stale.ID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case model.OrderStatusEscrowLocked:
		// A concurrent lock retry won; same outcome.
		return order, nil
	case model.OrderStatusExpired, model.OrderStatusCancelled:
		if err := s.refundStranded(ctx, order); err != nil {
			logger.WithFields(map[string]interface{}{
				"component": "StateMachine",
				"op":        "LockEscrow",
				"order_id":  order.PublicID,
			}).WithError(err).Error("Failed to refund stranded hold")
		}
		if order.Status == model.OrderStatusExpired {
			return nil, fmt.Errorf("%w: order %s", model.ErrExpired, order.PublicID)
		}
		return nil, s.wrongState(order, "lock escrow")
	default:
		return nil, model.ErrConflict
	}
}

// MarkPaid records that the buyer reports the fiat payment as sent. It
// moves no funds. Repeated calls while already payment_sent are absorbed
// as no-ops so client retries stay cheap.
func (s *StateMachine) MarkPaid(ctx context.Context, orderPublicID string, buyerUserID uint) (*model.Order, error) {
	order, err := s.orders.FindByPublicID(ctx, orderPublicID)
	if err != nil {
		return nil, err
	}
	if order.BuyerUserID != buyerUserID {
		return nil, fmt.Errorf("%w: only the buyer can mark paid", model.ErrForbidden)
	}

	if order.Status == model.OrderStatusPaymentSent {
		return order, nil
	}
	if order.Status != model.OrderStatusEscrowLocked {
		return nil, s.wrongState(order, "mark paid")
	}

	now := time.Now()
	swapped, err := s.orders.Transition(ctx, order,
		model.OrderStatusEscrowLocked, model.OrderStatusPaymentSent,
		model.ActorBuyer, "",
		map[string]interface{}{"paid_at": now})
	if err != nil {
		return nil, err
	}
	if !swapped {
		order, err = s.orders.FindByID(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if order.Status == model.OrderStatusPaymentSent {
			return order, nil
		}
		if order.Status == model.OrderStatusExpired {
			return nil, fmt.Errorf("%w: order %s", model.ErrExpired, order.PublicID)
		}
		return nil, model.ErrConflict
	}

	return s.orders.FindByPublicID(ctx, orderPublicID)
}

// ConfirmReceipt is the LP acknowledging the fiat payment arrived; it
// releases custody to the LP and completes the order. Release is keyed by
// the order, so calling this twice returns the same release ref without a
// second transfer.
func (s *StateMachine) ConfirmReceipt(ctx context.Context, orderPublicID string, lpUserID uint) (*model.Order, error) {
	order, err := s.orders.FindByPublicID(ctx, orderPublicID)
	if err != nil {
		return nil, err
	}
	if order.LPUserID != lpUserID {
		return nil, fmt.Errorf("%w: only the LP can confirm receipt", model.ErrForbidden)
	}

	if order.Status == model.OrderStatusCompleted {
		return order, nil
	}
	if order.Status != model.OrderStatusPaymentSent {
		return nil, s.wrongState(order, "confirm receipt")
	}

	return s.complete(ctx, order, model.OrderStatusPaymentSent, model.ActorLP, "")
}

// complete releases custody and flips the order into completed, bumping
// the offer's counter and both parties' reputations. Completion out of a
// dispute counts against the buyer: the LP won that dispute.
func (s *StateMachine) complete(ctx context.Context, order *model.Order, from, actor, reason string) (*model.Order, error) {
	releaseRef, err := s.coordinator.Release(ctx, order)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		swapped, err := s.orders.WithDB(tx).Transition(ctx, order,
			from, model.OrderStatusCompleted,
			actor, reason,
			map[string]interface{}{
				"release_tx_ref": releaseRef,
				"completed_at":   now,
			})
		if err != nil {
			return err
		}
		if !swapped {
			return model.ErrConflict
		}

		if err := s.offers.WithDB(tx).IncrementCompleted(ctx, order.OfferID); err != nil {
			return err
		}

		users := s.users.WithDB(tx)
		lpRating, err := users.UpdateReputation(ctx, order.LPUserID, true)
		if err != nil {
			return err
		}
		if _, err := users.UpdateReputation(ctx, order.BuyerUserID, from != model.OrderStatusDisputed); err != nil {
			return err
		}
		return s.offers.WithDB(tx).SyncLPRating(ctx, order.LPUserID, lpRating)
	})
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			// Re-read: a concurrent confirm may have completed it already.
			current, ferr := s.orders.FindByID(ctx, order.ID)
			if ferr == nil && current.Status == model.OrderStatusCompleted {
				return current, nil
			}
		}
		return nil, err
	}

	return s.orders.FindByID(ctx, order.ID)
}

// Cancel aborts a pending order and returns its reserved capacity. Any
// custody already on hold is refunded; if the refund fails the cancel
// still lands and the sweeper re-drives the refund.
func (s *StateMachine) Cancel(ctx context.Context, orderPublicID string, actorUserID uint) (*model.Order, error) {
	order, err := s.orders.FindByPublicID(ctx, orderPublicID)
	if err != nil {
		return nil, err
	}

	actor, err := actorLabel(order, actorUserID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderStatusPending {
		return nil, s.wrongState(order, "cancel")
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		swapped, err := s.orders.WithDB(tx).Transition(ctx, order,
			model.OrderStatusPending, model.OrderStatusCancelled,
			actor, "", nil)
		if err != nil {
			return err
		}
		if !swapped {
			return model.ErrConflict
		}
		return s.offers.WithDB(tx).Restore(ctx, order.OfferID, order.AmountStable)
	})
	if err != nil {
		return nil, err
	}

	// An interrupted lock attempt may have put custody on hold without
	// the escrow ref ever landing on the order.
	if err := s.refundStranded(ctx, order); err != nil {
		logger.WithFields(map[string]interface{}{
			"component": "StateMachine",
			"op":        "Cancel",
			"order_id":  order.PublicID,
		}).WithError(err).Error("Failed to refund stranded hold")
	}

	return s.orders.FindByID(ctx, order.ID)
}

// Dispute freezes an in-flight order for manual resolution. Disputed
// orders are never expired by the sweeper.
func (s *StateMachine) Dispute(ctx context.Context, orderPublicID string, actorUserID uint, reason string) (*model.Order, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: a dispute reason is required", model.ErrValidation)
	}

	order, err := s.orders.FindByPublicID(ctx, orderPublicID)
	if err != nil {
		return nil, err
	}

	actor, err := actorLabel(order, actorUserID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderStatusEscrowLocked && order.Status != model.OrderStatusPaymentSent {
		return nil, s.wrongState(order, "dispute")
	}

	swapped, err := s.orders.Transition(ctx, order,
		order.Status, model.OrderStatusDisputed,
		actor, reason,
		map[string]interface{}{"dispute_reason": reason})
	if err != nil {
		return nil, err
	}
	if !swapped {
		order, err = s.orders.FindByID(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if order.Status == model.OrderStatusDisputed {
			return order, nil
		}
		return nil, model.ErrConflict
	}

	return s.orders.FindByID(ctx, order.ID)
}

// Dispute outcomes accepted by ResolveDispute.
const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
)

// ResolveDispute is the manual/administrative exit from the disputed
// state: release custody to the LP or refund it to the buyer. There is no
// automatic arbitration.
func (s *StateMachine) ResolveDispute(ctx context.Context, orderPublicID string, outcome, reason string) (*model.Order, error) {
	order, err := s.orders.FindByPublicID(ctx, orderPublicID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderStatusDisputed {
		return nil, s.wrongState(order, "resolve dispute")
	}

	switch outcome {
	case ResolutionRelease:
		return s.complete(ctx, order, model.OrderStatusDisputed, model.ActorAdmin, reason)
	case ResolutionRefund:
		refundRef, err := s.coordinator.Refund(ctx, order)
		if err != nil {
			return nil, err
		}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			swapped, err := s.orders.WithDB(tx).Transition(ctx, order,
				model.OrderStatusDisputed, model.OrderStatusRefunded,
				model.ActorAdmin, reason,
				map[string]interface{}{"refund_tx_ref": refundRef})
			if err != nil {
				return err
			}
			if !swapped {
				return model.ErrConflict
			}
			if err := s.offers.WithDB(tx).Restore(ctx, order.OfferID, order.AmountStable); err != nil {
				return err
			}

			// The buyer won this dispute; the LP lost it.
			users := s.users.WithDB(tx)
			if _, err := users.UpdateReputation(ctx, order.BuyerUserID, true); err != nil {
				return err
			}
			lpRating, err := users.UpdateReputation(ctx, order.LPUserID, false)
			if err != nil {
				return err
			}
			return s.offers.WithDB(tx).SyncLPRating(ctx, order.LPUserID, lpRating)
		})
		if err != nil {
			return nil, err
		}
		return s.orders.FindByID(ctx, order.ID)
	default:
		return nil, fmt.Errorf("%w: outcome must be release or refund", model.ErrValidation)
	}
}

// Expire force-terminates an overdue order. It re-reads the current
// status first, so racing a last-second user action degrades to a no-op.
// A hold locked for an expired order is refunded; if the refund fails the
// order is still expired and the sweeper retries the refund later, so
// escrow is never silently forfeited.
func (s *StateMachine) Expire(ctx context.Context, orderID uint) error {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}

	if !time.Now().After(order.ExpiresAt) {
		return nil
	}

	switch order.Status {
	case model.OrderStatusPending:
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			swapped, err := s.orders.WithDB(tx).Transition(ctx, order,
				model.OrderStatusPending, model.OrderStatusExpired,
				model.ActorSystem, "deadline passed", nil)
			if err != nil {
				return err
			}
			if !swapped {
				return nil
			}
			return s.offers.WithDB(tx).Restore(ctx, order.OfferID, order.AmountStable)
		})
		if err != nil {
			return err
		}

		current, err := s.orders.FindByID(ctx, order.ID)
		if err != nil {
			return err
		}
		if current.Status != model.OrderStatusExpired {
			return nil
		}
		// A lock attempt interrupted before its status flip leaves a live
		// hold on a pending order; the expiry must hand it back.
		return s.refundStranded(ctx, current)

	case model.OrderStatusEscrowLocked:
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			swapped, err := s.orders.WithDB(tx).Transition(ctx, order,
				model.OrderStatusEscrowLocked, model.OrderStatusExpired,
				model.ActorSystem, "payment window passed", nil)
			if err != nil {
				return err
			}
			if !swapped {
				return nil
			}
			return s.offers.WithDB(tx).Restore(ctx, order.OfferID, order.AmountStable)
		})
		if err != nil {
			return err
		}

		current, err := s.orders.FindByID(ctx, order.ID)
		if err != nil {
			return err
		}
		if current.Status != model.OrderStatusExpired {
			// A concurrent markPaid or dispute won the race.
			return nil
		}
		return s.refundStranded(ctx, current)

	default:
		return nil
	}
}

// refundStranded refunds any live hold still attached to a terminal
// order and records the refund ref. The hold itself is the source of
// truth: an order whose escrow ref was never written still gets its
// custody back.
func (s *StateMachine) refundStranded(ctx context.Context, order *model.Order) error {
	if order.RefundTxRef != "" {
		return nil
	}

	refundRef, err := s.coordinator.RefundIfHeld(ctx, order)
	if err != nil {
		return err
	}
	if refundRef == "" {
		return nil
	}

	return s.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ?", order.ID).
		Update("refund_tx_ref", refundRef).Error
}

// RecoverStrandedHolds re-drives refunds for cancelled or expired orders
// whose custody hold is still live, covering refunds that previously
// failed as well as lock attempts interrupted before the status flip.
func (s *StateMachine) RecoverStrandedHolds(ctx context.Context, limit int) error {
	orders, err := s.orders.FindStrandedHolds(ctx, limit)
	if err != nil {
		return err
	}

	for i := range orders {
		if err := s.refundStranded(ctx, &orders[i]); err != nil {
			logger.WithFields(map[string]interface{}{
				"component": "StateMachine",
				"op":        "RecoverStrandedHolds",
				"order_id":  orders[i].PublicID,
			}).WithError(err).Error("Refund retry failed")
		}
	}
	return nil
}

func (s *StateMachine) wrongState(order *model.Order, op string) error {
	if order.Status == model.OrderStatusExpired {
		return fmt.Errorf("%w: order %s", model.ErrExpired, order.PublicID)
	}
	return fmt.Errorf("%w: cannot %s while %s", model.ErrInvalidState, op, order.Status)
}

func actorLabel(order *model.Order, userID uint) (string, error) {
	switch userID {
	case order.BuyerUserID:
		return model.ActorBuyer, nil
	case order.LPUserID:
		return model.ActorLP, nil
	default:
		return "", fmt.Errorf("%w: not a party to this order", model.ErrForbidden)
	}
}
