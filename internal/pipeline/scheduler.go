package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Belladihno/email-service/internal/clock"
)

// RetryScheduler holds tasks back for a delay, then hands them to the
// shared worker pool. Delays are in-process and the message was already
// acked, so a restart drops pending retries; the delivery log keeps the
// attempt visible for operator replay.
type RetryScheduler struct {
	pool   *Pool
	clock  clock.Clock
	logger *slog.Logger

	wg sync.WaitGroup
}

func NewRetryScheduler(pool *Pool, clk clock.Clock, logger *slog.Logger) *RetryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryScheduler{
		pool:   pool,
		clock:  clk,
		logger: logger,
	}
}

// Schedule runs task on the pool after delay. Cancelling ctx abandons the
// retry without running it.
func (s *RetryScheduler) Schedule(ctx context.Context, delay time.Duration, task func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}

		if err := s.pool.Submit(ctx, task); err != nil {
			s.logger.Warn("dropping scheduled retry", "error", err)
		}
	}()
}

// Wait blocks until every pending retry timer has fired or been abandoned.
func (s *RetryScheduler) Wait() {
	s.wg.Wait()
}
