package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"

	"stableramp/src/model"
	"stableramp/src/repository"
)

// OrderFetcher reads the authoritative state of one order.
type OrderFetcher interface {
	FetchOrder(ctx context.Context, publicID string) (*model.Order, error)
}

// Poller reflects authoritative order state back to a client while an
// order is open. It is strictly read-only: whatever speculative local
// state a client holds, the fetched order overwrites it on the next tick.
type Poller struct {
	fetcher OrderFetcher
	period  time.Duration
}

func New(fetcher OrderFetcher) *Poller {
	return NewWithPeriod(fetcher, GetConfig().PollPeriod)
}

func NewWithPeriod(fetcher OrderFetcher, period time.Duration) *Poller {
	return &Poller{fetcher: fetcher, period: period}
}

// Watch polls one order until it reaches a terminal state or the context
// is cancelled (the owning view closed). Fetches are synchronous inside
// the loop, so there is never more than one in flight; ticks that fire
// during a slow fetch are dropped rather than queued.
func (p *Poller) Watch(ctx context.Context, orderPublicID string, onUpdate func(*model.Order)) error {
	if done, err := p.poll(ctx, orderPublicID, onUpdate); done || err != nil {
		return err
	}

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done, err := p.poll(ctx, orderPublicID, onUpdate)
			if err != nil {
				// Transient fetch errors are logged and retried on the
				// next tick; the loop only stops on cancellation or a
				// terminal state.
				logger.WithFields(map[string]interface{}{
					"component": "Poller",
					"order_id":  orderPublicID,
				}).WithError(err).Warn("Order poll failed")
				continue
			}
			if done {
				return nil
			}
		}
	}
}

func (p *Poller) poll(ctx context.Context, orderPublicID string, onUpdate func(*model.Order)) (bool, error) {
	order, err := p.fetcher.FetchOrder(ctx, orderPublicID)
	if err != nil {
		return false, err
	}

	onUpdate(order)
	return order.IsTerminal(), nil
}

// RepositoryFetcher reads orders straight from the database; used when
// the poller runs in-process with the service.
type RepositoryFetcher struct {
	Orders *repository.OrderRepository
}

func (f RepositoryFetcher) FetchOrder(ctx context.Context, publicID string) (*model.Order, error) {
	return f.Orders.FindByPublicID(ctx, publicID)
}

// RestFetcher reads orders over the HTTP API; used by detached clients.
type RestFetcher struct {
	http *resty.Client
}

func NewRestFetcher(baseURL, userID string) *RestFetcher {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)
	if userID != "" {
		client.SetHeader("X-User-ID", userID)
	}
	return &RestFetcher{http: client}
}

func (f *RestFetcher) FetchOrder(ctx context.Context, publicID string) (*model.Order, error) {
	resp, err := f.http.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/orders/%s", publicID))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode(), resp.Body())
	}

	var order model.Order
	if err := json.Unmarshal(resp.Body(), &order); err != nil {
		return nil, err
	}
	return &order, nil
}
