package poller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"stableramp/src/model"
)

// scriptedFetcher replays a fixed sequence of results, then repeats the
// last one.
type scriptedFetcher struct {
	mu     sync.Mutex
	orders []*model.Order
	errs   []error
	next   int
}

func (f *scriptedFetcher) FetchOrder(_ context.Context, _ string) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.next
	if i >= len(f.orders) {
		i = len(f.orders) - 1
	} else {
		f.next++
	}
	if f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.orders[i], nil
}

func step(status string) (*model.Order, error) {
	return &model.Order{PublicID: "ord-1", Status: status}, nil
}

func script(t *testing.T, steps ...func() (*model.Order, error)) *scriptedFetcher {
	t.Helper()
	f := &scriptedFetcher{}
	for _, s := range steps {
		order, err := s()
		f.orders = append(f.orders, order)
		f.errs = append(f.errs, err)
	}
	return f
}

func TestWatchStopsOnTerminalState(t *testing.T) {
	fetcher := script(t,
		func() (*model.Order, error) { return step(model.OrderStatusPending) },
		func() (*model.Order, error) { return step(model.OrderStatusPaymentSent) },
		func() (*model.Order, error) { return step(model.OrderStatusCompleted) },
	)

	var seen []string
	p := NewWithPeriod(fetcher, 2*time.Millisecond)
	err := p.Watch(context.Background(), "ord-1", func(order *model.Order) {
		seen = append(seen, order.Status)
	})
	if err != nil {
		t.Fatalf("unexpected error watching: %v", err)
	}

	if len(seen) != 3 || seen[2] != model.OrderStatusCompleted {
		t.Fatalf("unexpected update sequence: %v", seen)
	}
}

func TestWatchRetriesTransientErrors(t *testing.T) {
	fetcher := script(t,
		func() (*model.Order, error) { return step(model.OrderStatusPending) },
		func() (*model.Order, error) { return nil, errors.New("connection reset") },
		func() (*model.Order, error) { return step(model.OrderStatusRefunded) },
	)

	var seen []string
	p := NewWithPeriod(fetcher, 2*time.Millisecond)
	err := p.Watch(context.Background(), "ord-1", func(order *model.Order) {
		seen = append(seen, order.Status)
	})
	if err != nil {
		t.Fatalf("expected transient error to be retried, got %v", err)
	}

	if len(seen) != 2 || seen[1] != model.OrderStatusRefunded {
		t.Fatalf("unexpected update sequence: %v", seen)
	}
}

func TestWatchStopsOnCancel(t *testing.T) {
	fetcher := script(t,
		func() (*model.Order, error) { return step(model.OrderStatusPending) },
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	p := NewWithPeriod(fetcher, 2*time.Millisecond)
	go func() {
		done <- p.Watch(ctx, "ord-1", func(*model.Order) {})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("watch did not stop on cancellation")
	}
}

func TestRestFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/ord-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("X-User-ID"); got != "7" {
			t.Errorf("expected user header 7, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(model.Order{PublicID: "ord-1", Status: model.OrderStatusEscrowLocked})
	}))
	defer server.Close()

	fetcher := NewRestFetcher(server.URL, "7")
	order, err := fetcher.FetchOrder(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("unexpected error fetching: %v", err)
	}
	if order.PublicID != "ord-1" || order.Status != model.OrderStatusEscrowLocked {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestRestFetcherErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	fetcher := NewRestFetcher(server.URL, "7")
	if _, err := fetcher.FetchOrder(context.Background(), "ord-1"); err == nil {
		t.Fatalf("expected error for non-200 response")
	}
}
