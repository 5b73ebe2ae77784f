package escrow

import (
	"context"
	"errors"
	"fmt"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"stableramp/src/database"
	"stableramp/src/model"
)

// Coordinator is the only component that moves custody. It wraps the
// external ledger with idempotency: every operation is keyed by the
// order, resolved against the order's EscrowHold row, so a retry after a
// timeout can never double-lock or double-transfer, and release/refund
// are mutually exclusive.
type Coordinator struct {
	db     *gorm.DB
	ledger Ledger
}

func NewCoordinator(ledger Ledger) *Coordinator {
	return &Coordinator{db: database.MainDB, ledger: ledger}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (c *Coordinator) WithDB(db *gorm.DB) *Coordinator {
	return &Coordinator{db: db, ledger: c.ledger}
}

func accountRef(userID uint) string {
	return fmt.Sprintf("acct-%d", userID)
}

func (c *Coordinator) findHold(ctx context.Context, orderID uint) (*model.EscrowHold, error) {
	var hold model.EscrowHold
	err := c.db.WithContext(ctx).Where("order_id = ?", orderID).First(&hold).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &hold, nil
}

// Lock moves the order's stablecoin amount from the buyer's balance into
// an order-scoped hold. Calling it again for an already-locked order
// returns the original lock ref without touching the ledger.
func (c *Coordinator) Lock(ctx context.Context, order *model.Order) (string, error) {
	hold, err := c.findHold(ctx, order.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrEscrowLockFailed, err)
	}
	if hold != nil {
		return hold.LockRef, nil
	}

	result, err := c.ledger.Lock(ctx, LockRequest{
		OrderRef:    order.PublicID,
		FromAccount: accountRef(order.BuyerUserID),
		Amount:      order.AmountStable,
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"component": "EscrowCoordinator",
			"op":        "Lock",
			"order_id":  order.PublicID,
		}).WithError(err).Error("Custody lock failed")
		return "", fmt.Errorf("%w: %v", model.ErrEscrowLockFailed, err)
	}

	hold = &model.EscrowHold{
		OrderID: order.ID,
		Amount:  order.AmountStable,
		State:   model.HoldStateHeld,
		LockRef: result.Ref,
	}
	if err := c.db.WithContext(ctx).Create(hold).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// A concurrent lock won the insert; the ledger call above was
			// idempotent, so just return the recorded ref.
			existing, ferr := c.findHold(ctx, order.ID)
			if ferr == nil && existing != nil {
				return existing.LockRef, nil
			}
		}
		return "", fmt.Errorf("%w: %v", model.ErrEscrowLockFailed, err)
	}

	logger.WithFields(map[string]interface{}{
		"component": "EscrowCoordinator",
		"op":        "Lock",
		"order_id":  order.PublicID,
		"lock_ref":  result.Ref,
	}).Info("Custody locked")

	return result.Ref, nil
}

// Release pays the hold out to the LP. Idempotent: a repeated call after
// success returns the original release ref without a second transfer.
// Fails with ErrAlreadySettled when the hold was refunded first.
func (c *Coordinator) Release(ctx context.Context, order *model.Order) (string, error) {
	ref, err := c.settle(ctx, order, model.HoldStateReleased)
	if err != nil {
		if errors.Is(err, model.ErrAlreadySettled) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", model.ErrEscrowReleaseFailed, err)
	}
	return ref, nil
}

// Refund returns the hold to the buyer. Mutually exclusive with Release:
// whichever claims the hold first wins, the other gets ErrAlreadySettled.
func (c *Coordinator) Refund(ctx context.Context, order *model.Order) (string, error) {
	ref, err := c.settle(ctx, order, model.HoldStateRefunded)
	if err != nil {
		if errors.Is(err, model.ErrAlreadySettled) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", model.ErrEscrowRefundFailed, err)
	}
	return ref, nil
}

// RefundIfHeld refunds the order's hold when one exists and is still
// live. Orders that never locked custody, or whose hold was already
// released, come back with an empty ref and no error, so callers can
// invoke it on any terminal order without checking custody first. An
// already-refunded hold returns its recorded refund ref.
func (c *Coordinator) RefundIfHeld(ctx context.Context, order *model.Order) (string, error) {
	hold, err := c.findHold(ctx, order.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrEscrowRefundFailed, err)
	}
	if hold == nil {
		return "", nil
	}

	ref, err := c.Refund(ctx, order)
	if err != nil {
		if errors.Is(err, model.ErrAlreadySettled) {
			return "", nil
		}
		return "", err
	}
	return ref, nil
}

// settle claims the hold for one outcome via a guarded state flip, then
// performs the ledger transfer. The claim decides the release/refund race
// before any funds move; a ledger failure rolls the claim back so the
// caller can retry.
func (c *Coordinator) settle(ctx context.Context, order *model.Order, target string) (string, error) {
	hold, err := c.findHold(ctx, order.ID)
	if err != nil {
		return "", err
	}
	if hold == nil {
		return "", fmt.Errorf("no escrow hold for order %s", order.PublicID)
	}

	claimed := false
	switch hold.State {
	case model.HoldStateHeld:
		// claim below
	case target:
		if ref := settledRef(hold, target); ref != "" {
			return ref, nil
		}
		// A previous attempt claimed the hold but never recorded the
		// ref; resume the transfer (the ledger call is idempotent).
		claimed = true
	default:
		return "", fmt.Errorf("%w: order %s settled as %s", model.ErrAlreadySettled, order.PublicID, hold.State)
	}

	if !claimed {
		res := c.db.WithContext(ctx).
			Model(&model.EscrowHold{}).
			Where("order_id = ? AND state = ?", order.ID, model.HoldStateHeld).
			Update("state", target)
		if res.Error != nil {
			return "", res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race; the hold is settled one way or the other now.
			hold, err = c.findHold(ctx, order.ID)
			if err != nil {
				return "", err
			}
			if hold == nil || hold.State != target {
				state := "missing"
				if hold != nil {
					state = hold.State
				}
				return "", fmt.Errorf("%w: order %s settled as %s", model.ErrAlreadySettled, order.PublicID, state)
			}
			if ref := settledRef(hold, target); ref != "" {
				return ref, nil
			}
		}
	}

	ref, err := c.transfer(ctx, order, target)
	if err != nil {
		// Give the claim back so the operation stays retryable.
		c.db.WithContext(ctx).
			Model(&model.EscrowHold{}).
			Where("order_id = ? AND state = ?", order.ID, target).
			Update("state", model.HoldStateHeld)

		logger.WithFields(map[string]interface{}{
			"component": "EscrowCoordinator",
			"op":        "settle",
			"order_id":  order.PublicID,
			"target":    target,
		}).WithError(err).Error("Custody transfer failed")
		return "", err
	}

	refColumn := "release_ref"
	if target == model.HoldStateRefunded {
		refColumn = "refund_ref"
	}
	if err := c.db.WithContext(ctx).
		Model(&model.EscrowHold{}).
		Where("order_id = ?", order.ID).
		Update(refColumn, ref).Error; err != nil {
		return "", err
	}

	logger.WithFields(map[string]interface{}{
		"component": "EscrowCoordinator",
		"op":        "settle",
		"order_id":  order.PublicID,
		"target":    target,
		"ref":       ref,
	}).Info("Custody settled")

	return ref, nil
}

func settledRef(hold *model.EscrowHold, target string) string {
	if target == model.HoldStateReleased {
		return hold.ReleaseRef
	}
	return hold.RefundRef
}

func (c *Coordinator) transfer(ctx context.Context, order *model.Order, target string) (string, error) {
	if target == model.HoldStateReleased {
		result, err := c.ledger.Release(ctx, ReleaseRequest{
			OrderRef:  order.PublicID,
			ToAccount: accountRef(order.LPUserID),
			Amount:    order.AmountStable,
		})
		return result.Ref, err
	}

	result, err := c.ledger.Refund(ctx, RefundRequest{
		OrderRef:  order.PublicID,
		ToAccount: accountRef(order.BuyerUserID),
		Amount:    order.AmountStable,
	})
	return result.Ref, err
}
