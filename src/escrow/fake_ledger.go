package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// FakeLedger emulates the custody ledger in tests and local development.
// References are deterministic hashes of the operation and order ref, so
// a repeated call for the same order yields the same ref, matching the
// idempotency contract of the real ledger.
type FakeLedger struct {
	mu sync.Mutex

	// Balances, when non-nil, enables balance checking on Lock keyed by
	// account identifier.
	Balances map[string]decimal.Decimal

	// Optional failure hooks. When set, the matching operation returns
	// the error without any state change.
	LockErr    error
	ReleaseErr error
	RefundErr  error

	locked map[string]decimal.Decimal
	calls  map[string]int
}

func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		locked: make(map[string]decimal.Decimal),
		calls:  make(map[string]int),
	}
}

func fakeRef(op, orderRef string) string {
	sum := sha256.Sum256([]byte(op + ":" + orderRef))
	return "0x" + hex.EncodeToString(sum[:16])
}

// Calls reports how many times an operation reached the ledger for an
// order, letting tests assert that retries did not double-transfer.
func (f *FakeLedger) Calls(op, orderRef string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op+":"+orderRef]
}

func (f *FakeLedger) Lock(_ context.Context, req LockRequest) (TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.LockErr != nil {
		return TxResult{}, f.LockErr
	}

	if _, ok := f.locked[req.OrderRef]; ok {
		return TxResult{Ref: fakeRef("lock", req.OrderRef)}, nil
	}

	if f.Balances != nil {
		balance := f.Balances[req.FromAccount]
		if balance.LessThan(req.Amount) {
			return TxResult{}, fmt.Errorf("insufficient balance on %s", req.FromAccount)
		}
		f.Balances[req.FromAccount] = balance.Sub(req.Amount)
	}

	f.locked[req.OrderRef] = req.Amount
	f.calls["lock:"+req.OrderRef]++
	return TxResult{Ref: fakeRef("lock", req.OrderRef)}, nil
}

func (f *FakeLedger) Release(_ context.Context, req ReleaseRequest) (TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReleaseErr != nil {
		return TxResult{}, f.ReleaseErr
	}

	if amount, ok := f.locked[req.OrderRef]; ok {
		delete(f.locked, req.OrderRef)
		if f.Balances != nil {
			f.Balances[req.ToAccount] = f.Balances[req.ToAccount].Add(amount)
		}
		f.calls["release:"+req.OrderRef]++
	}
	return TxResult{Ref: fakeRef("release", req.OrderRef)}, nil
}

func (f *FakeLedger) Refund(_ context.Context, req RefundRequest) (TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.RefundErr != nil {
		return TxResult{}, f.RefundErr
	}

	if amount, ok := f.locked[req.OrderRef]; ok {
		delete(f.locked, req.OrderRef)
		if f.Balances != nil {
			f.Balances[req.ToAccount] = f.Balances[req.ToAccount].Add(amount)
		}
		f.calls["refund:"+req.OrderRef]++
	}
	return TxResult{Ref: fakeRef("refund", req.OrderRef)}, nil
}
