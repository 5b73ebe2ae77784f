package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"stableramp/src/model"
)

func seedOrder(t *testing.T, db *gorm.DB, status string, expiresAt time.Time) *model.Order {
	t.Helper()

	order := &model.Order{
		OfferID:      1,
		BuyerUserID:  7,
		LPUserID:     9,
		AmountStable: dec(t, "50"),
		AmountFiat:   dec(t, "2156.88"),
		Rate:         dec(t, "42.5"),
		FeePercent:   dec(t, "1.5"),
		Status:       status,
		ExpiresAt:    expiresAt,
	}
	if err := NewOrderRepository().WithDB(db).Create(context.Background(), order); err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
	return order
}

func TestTransitionGuard(t *testing.T) {
	db := newTestDB(t)
	repo := NewOrderRepository().WithDB(db)
	ctx := context.Background()

	order := seedOrder(t, db, model.OrderStatusPending, time.Now().Add(10*time.Minute))

	swapped, err := repo.Transition(ctx, order,
		model.OrderStatusPending, model.OrderStatusEscrowLocked,
		model.ActorBuyer, "", map[string]interface{}{"escrow_tx_ref": "0xabc"})
	if err != nil {
		t.Fatalf("unexpected error transitioning: %v", err)
	}
	if !swapped {
		t.Fatalf("expected transition to succeed")
	}

	got, err := repo.FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("unexpected error re-reading order: %v", err)
	}
	if got.Status != model.OrderStatusEscrowLocked || got.EscrowTxRef != "0xabc" {
		t.Fatalf("transition did not apply: status=%s ref=%s", got.Status, got.EscrowTxRef)
	}

	// Same stale expectation again: the guard must miss and write nothing.
	swapped, err = repo.Transition(ctx, order,
		model.OrderStatusPending, model.OrderStatusCancelled,
		model.ActorBuyer, "", nil)
	if err != nil {
		t.Fatalf("unexpected error on stale transition: %v", err)
	}
	if swapped {
		t.Fatalf("expected stale transition to lose the guard")
	}

	events, err := repo.FindEventsByOrderID(ctx, order.ID)
	if err != nil {
		t.Fatalf("unexpected error reading events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one audit event, got %d", len(events))
	}
	if events[0].FromStatus != model.OrderStatusPending || events[0].ToStatus != model.OrderStatusEscrowLocked {
		t.Fatalf("unexpected audit event: %+v", events[0])
	}
}

func TestFindOverdue(t *testing.T) {
	db := newTestDB(t)
	repo := NewOrderRepository().WithDB(db)
	ctx := context.Background()

	now := time.Now()
	overduePending := seedOrder(t, db, model.OrderStatusPending, now.Add(-2*time.Minute))
	overdueLocked := seedOrder(t, db, model.OrderStatusEscrowLocked, now.Add(-1*time.Minute))
	seedOrder(t, db, model.OrderStatusDisputed, now.Add(-5*time.Minute))
	seedOrder(t, db, model.OrderStatusPending, now.Add(10*time.Minute))
	seedOrder(t, db, model.OrderStatusCompleted, now.Add(-10*time.Minute))

	overdue, err := repo.FindOverdue(ctx, now, 100)
	if err != nil {
		t.Fatalf("unexpected error scanning overdue: %v", err)
	}

	if len(overdue) != 2 {
		t.Fatalf("expected 2 overdue orders, got %d", len(overdue))
	}
	if overdue[0].ID != overduePending.ID || overdue[1].ID != overdueLocked.ID {
		t.Fatalf("overdue orders not sorted by deadline: %+v", overdue)
	}

	limited, err := repo.FindOverdue(ctx, now, 1)
	if err != nil {
		t.Fatalf("unexpected error scanning overdue: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d orders", len(limited))
	}
}

func seedHold(t *testing.T, db *gorm.DB, orderID uint, state string) {
	t.Helper()

	hold := &model.EscrowHold{
		OrderID: orderID,
		Amount:  dec(t, "50"),
		State:   state,
		LockRef: "0xlock",
	}
	if err := db.Create(hold).Error; err != nil {
		t.Fatalf("failed to seed hold: %v", err)
	}
}

func TestFindStrandedHolds(t *testing.T) {
	db := newTestDB(t)
	repo := NewOrderRepository().WithDB(db)
	ctx := context.Background()

	now := time.Now()
	stuckExpired := seedOrder(t, db, model.OrderStatusExpired, now.Add(-2*time.Minute))
	seedHold(t, db, stuckExpired.ID, model.HoldStateHeld)

	// Cancelled with a live hold: a lock attempt that never recorded its
	// ref on the order must still be found.
	stuckCancelled := seedOrder(t, db, model.OrderStatusCancelled, now.Add(-time.Minute))
	seedHold(t, db, stuckCancelled.ID, model.HoldStateHeld)

	refunded := seedOrder(t, db, model.OrderStatusExpired, now.Add(-time.Minute))
	seedHold(t, db, refunded.ID, model.HoldStateRefunded)

	// A live hold on a pending order belongs to an in-flight lock.
	live := seedOrder(t, db, model.OrderStatusPending, now.Add(10*time.Minute))
	seedHold(t, db, live.ID, model.HoldStateHeld)

	// Expired before any custody was locked: nothing to refund.
	seedOrder(t, db, model.OrderStatusExpired, now.Add(-time.Minute))

	orders, err := repo.FindStrandedHolds(ctx, 100)
	if err != nil {
		t.Fatalf("unexpected error scanning stranded holds: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 stranded orders, got %+v", orders)
	}
	if orders[0].ID != stuckExpired.ID || orders[1].ID != stuckCancelled.ID {
		t.Fatalf("unexpected stranded set: %+v", orders)
	}

	limited, err := repo.FindStrandedHolds(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error scanning stranded holds: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d orders", len(limited))
	}
}

func TestOrderListQueries(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &OrderRepository{db: mockDB}

	rows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "public_id", "buyer_user_id", "lp_user_id", "status"}).
			AddRow(1, "ord-1", 7, 9, model.OrderStatusPending)
	}

	t.Run("by buyer", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "orders" WHERE buyer_user_id = $1 ORDER BY created_at DESC, id DESC`)).
			WithArgs(uint(7)).
			WillReturnRows(rows())

		orders, err := repo.ListByBuyer(context.Background(), 7)
		if err != nil {
			t.Fatalf("unexpected error listing by buyer: %v", err)
		}
		if len(orders) != 1 || orders[0].PublicID != "ord-1" {
			t.Fatalf("unexpected orders: %+v", orders)
		}
	})

	t.Run("by lp", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "orders" WHERE lp_user_id = $1 ORDER BY created_at DESC, id DESC`)).
			WithArgs(uint(9)).
			WillReturnRows(rows())

		orders, err := repo.ListByLP(context.Background(), 9)
		if err != nil {
			t.Fatalf("unexpected error listing by lp: %v", err)
		}
		if len(orders) != 1 {
			t.Fatalf("unexpected orders: %+v", orders)
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	dialector := postgres.New(postgres.Config{
		DSN:                  "sqlmock_db_0",
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	})

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		sqlDB.Close()
		t.Fatalf("failed to open gorm DB with sqlmock: %v", err)
	}

	return gdb, mock
}
