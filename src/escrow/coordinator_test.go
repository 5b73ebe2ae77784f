package escrow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"stableramp/src/database"
	"stableramp/src/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open in memory db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	return db
}

func testOrder(t *testing.T) *model.Order {
	t.Helper()
	amount, err := decimal.NewFromString("50")
	if err != nil {
		t.Fatalf("bad decimal: %v", err)
	}
	return &model.Order{
		ID:           1,
		PublicID:     "ord-" + uuid.NewString(),
		BuyerUserID:  7,
		LPUserID:     9,
		AmountStable: amount,
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *FakeLedger) {
	t.Helper()
	ledger := NewFakeLedger()
	return (&Coordinator{ledger: ledger}).WithDB(newTestDB(t)), ledger
}

func TestLockIdempotent(t *testing.T) {
	coordinator, ledger := newTestCoordinator(t)
	order := testOrder(t)
	ctx := context.Background()

	ref, err := coordinator.Lock(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error locking: %v", err)
	}
	if ref == "" {
		t.Fatalf("expected non-empty lock ref")
	}

	again, err := coordinator.Lock(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error on repeated lock: %v", err)
	}
	if again != ref {
		t.Fatalf("expected same lock ref, got %s and %s", ref, again)
	}
	if calls := ledger.Calls("lock", order.PublicID); calls != 1 {
		t.Fatalf("expected exactly one ledger lock, got %d", calls)
	}
}

func TestLockLedgerFailure(t *testing.T) {
	coordinator, ledger := newTestCoordinator(t)
	order := testOrder(t)
	ctx := context.Background()

	ledger.LockErr = errors.New("ledger down")
	if _, err := coordinator.Lock(ctx, order); !errors.Is(err, model.ErrEscrowLockFailed) {
		t.Fatalf("expected ErrEscrowLockFailed, got %v", err)
	}

	var count int64
	if err := coordinator.db.Model(&model.EscrowHold{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count holds: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no hold row after failed lock, got %d", count)
	}

	// The failure is transient: a retry after recovery must succeed.
	ledger.LockErr = nil
	if _, err := coordinator.Lock(ctx, order); err != nil {
		t.Fatalf("unexpected error retrying lock: %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	coordinator, ledger := newTestCoordinator(t)
	order := testOrder(t)
	ctx := context.Background()

	if _, err := coordinator.Lock(ctx, order); err != nil {
		t.Fatalf("unexpected error locking: %v", err)
	}

	ref, err := coordinator.Release(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error releasing: %v", err)
	}

	again, err := coordinator.Release(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error on repeated release: %v", err)
	}
	if again != ref {
		t.Fatalf("expected same release ref, got %s and %s", ref, again)
	}
	if calls := ledger.Calls("release", order.PublicID); calls != 1 {
		t.Fatalf("expected exactly one ledger release, got %d", calls)
	}
}

func TestReleaseRefundMutuallyExclusive(t *testing.T) {
	ctx := context.Background()

	t.Run("release wins", func(t *testing.T) {
		coordinator, ledger := newTestCoordinator(t)
		order := testOrder(t)

		if _, err := coordinator.Lock(ctx, order); err != nil {
			t.Fatalf("unexpected error locking: %v", err)
		}
		if _, err := coordinator.Release(ctx, order); err != nil {
			t.Fatalf("unexpected error releasing: %v", err)
		}

		if _, err := coordinator.Refund(ctx, order); !errors.Is(err, model.ErrAlreadySettled) {
			t.Fatalf("expected ErrAlreadySettled refunding, got %v", err)
		}
		if calls := ledger.Calls("refund", order.PublicID); calls != 0 {
			t.Fatalf("refund must never reach the ledger, got %d calls", calls)
		}
	})

	t.Run("refund wins", func(t *testing.T) {
		coordinator, ledger := newTestCoordinator(t)
		order := testOrder(t)

		if _, err := coordinator.Lock(ctx, order); err != nil {
			t.Fatalf("unexpected error locking: %v", err)
		}
		if _, err := coordinator.Refund(ctx, order); err != nil {
			t.Fatalf("unexpected error refunding: %v", err)
		}

		if _, err := coordinator.Release(ctx, order); !errors.Is(err, model.ErrAlreadySettled) {
			t.Fatalf("expected ErrAlreadySettled releasing, got %v", err)
		}
		if calls := ledger.Calls("release", order.PublicID); calls != 0 {
			t.Fatalf("release must never reach the ledger, got %d calls", calls)
		}
	})
}

func TestReleaseFailureRollsBackClaim(t *testing.T) {
	coordinator, ledger := newTestCoordinator(t)
	order := testOrder(t)
	ctx := context.Background()

	if _, err := coordinator.Lock(ctx, order); err != nil {
		t.Fatalf("unexpected error locking: %v", err)
	}

	ledger.ReleaseErr = errors.New("ledger down")
	if _, err := coordinator.Release(ctx, order); !errors.Is(err, model.ErrEscrowReleaseFailed) {
		t.Fatalf("expected ErrEscrowReleaseFailed, got %v", err)
	}

	var hold model.EscrowHold
	if err := coordinator.db.Where("order_id = ?", order.ID).First(&hold).Error; err != nil {
		t.Fatalf("failed to read hold: %v", err)
	}
	if hold.State != model.HoldStateHeld {
		t.Fatalf("expected claim rolled back to held, got %s", hold.State)
	}

	// Still retryable either way after the transient failure.
	ledger.ReleaseErr = nil
	if _, err := coordinator.Release(ctx, order); err != nil {
		t.Fatalf("unexpected error retrying release: %v", err)
	}
}

func TestRefundIfHeld(t *testing.T) {
	ctx := context.Background()

	t.Run("no hold", func(t *testing.T) {
		coordinator, ledger := newTestCoordinator(t)
		order := testOrder(t)

		ref, err := coordinator.RefundIfHeld(ctx, order)
		if err != nil || ref != "" {
			t.Fatalf("expected no-op without a hold, got ref %q err %v", ref, err)
		}
		if calls := ledger.Calls("refund", order.PublicID); calls != 0 {
			t.Fatalf("refund must not reach the ledger, got %d calls", calls)
		}
	})

	t.Run("live hold", func(t *testing.T) {
		coordinator, ledger := newTestCoordinator(t)
		order := testOrder(t)

		if _, err := coordinator.Lock(ctx, order); err != nil {
			t.Fatalf("unexpected error locking: %v", err)
		}

		ref, err := coordinator.RefundIfHeld(ctx, order)
		if err != nil {
			t.Fatalf("unexpected error refunding: %v", err)
		}
		if ref == "" {
			t.Fatalf("expected refund ref for a live hold")
		}

		again, err := coordinator.RefundIfHeld(ctx, order)
		if err != nil {
			t.Fatalf("unexpected error on repeated refund: %v", err)
		}
		if again != ref {
			t.Fatalf("expected same refund ref, got %s and %s", ref, again)
		}
		if calls := ledger.Calls("refund", order.PublicID); calls != 1 {
			t.Fatalf("expected exactly one ledger refund, got %d", calls)
		}
	})

	t.Run("released hold", func(t *testing.T) {
		coordinator, ledger := newTestCoordinator(t)
		order := testOrder(t)

		if _, err := coordinator.Lock(ctx, order); err != nil {
			t.Fatalf("unexpected error locking: %v", err)
		}
		if _, err := coordinator.Release(ctx, order); err != nil {
			t.Fatalf("unexpected error releasing: %v", err)
		}

		ref, err := coordinator.RefundIfHeld(ctx, order)
		if err != nil || ref != "" {
			t.Fatalf("expected no-op on a released hold, got ref %q err %v", ref, err)
		}
		if calls := ledger.Calls("refund", order.PublicID); calls != 0 {
			t.Fatalf("refund must not reach the ledger, got %d calls", calls)
		}
	})
}

func TestRefundWithoutHold(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	order := testOrder(t)

	if _, err := coordinator.Refund(context.Background(), order); !errors.Is(err, model.ErrEscrowRefundFailed) {
		t.Fatalf("expected ErrEscrowRefundFailed without a hold, got %v", err)
	}
}
