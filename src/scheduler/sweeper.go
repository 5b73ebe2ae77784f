package scheduler

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"

	"stableramp/src/repository"
	"stableramp/src/settlement"
)

// Sweeper force-terminates overdue orders on a fixed period. It runs
// server-side, independent of any client connection, which is what
// guarantees every order eventually reaches a terminal state even with
// zero further client activity.
type Sweeper struct {
	orders     *repository.OrderRepository
	settlement *settlement.StateMachine
	period     time.Duration
	batchSize  int
}

func NewSweeper(sm *settlement.StateMachine) *Sweeper {
	config := GetConfig()
	return &Sweeper{
		orders:     repository.NewOrderRepository(),
		settlement: sm,
		period:     config.SweepPeriod,
		batchSize:  config.BatchSize,
	}
}

func NewSweeperWith(orders *repository.OrderRepository, sm *settlement.StateMachine, period time.Duration, batchSize int) *Sweeper {
	return &Sweeper{orders: orders, settlement: sm, period: period, batchSize: batchSize}
}

// StartLoop runs the sweep until the context is cancelled.
func (s *Sweeper) StartLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	logger.WithField("period", s.period.String()).Info("[sweeper] started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("[sweeper] stopped")
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires every overdue order it can see and refunds holds
// left stranded on terminal orders. Per-order failures are logged and
// skipped so one bad order cannot stall the sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := time.Now()

	overdue, err := s.orders.FindOverdue(ctx, now, s.batchSize)
	if err != nil {
		logger.WithError(err).Error("[sweeper] failed to scan overdue orders")
		return
	}

	for i := range overdue {
		if err := s.settlement.Expire(ctx, overdue[i].ID); err != nil {
			logger.WithFields(map[string]interface{}{
				"component": "Sweeper",
				"order_id":  overdue[i].PublicID,
			}).WithError(err).Error("Failed to expire order")
		}
	}

	if err := s.settlement.RecoverStrandedHolds(ctx, s.batchSize); err != nil {
		logger.WithError(err).Error("[sweeper] stranded hold scan failed")
	}

	if len(overdue) > 0 {
		logger.WithFields(map[string]interface{}{
			"component": "Sweeper",
			"count":     len(overdue),
		}).Info("Sweep expired overdue orders")
	}
}
