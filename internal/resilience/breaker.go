// Package resilience provides the circuit breaker and rate limiting
// patterns that guard every downstream call the pipeline makes.
//
// This package uses:
//   - github.com/sony/gobreaker: Circuit breaker implementation by Sony.
//     Used as the in-process fallback when the shared state store is
//     unreachable, so a store outage never leaves downstreams unguarded.
//   - golang.org/x/time/rate: Token bucket rate limiter from the Go team,
//     used to smooth provider dispatch.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Belladihno/email-service/internal/clock"
)

// ErrCircuitOpen is the synthetic failure returned when a guarded call is
// short-circuited. Callers treat it like any other transient failure.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the persisted circuit breaker state for one dependency.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Record is the breaker state persisted per dependency name.
//
// Invariants: FailureCount resets to zero whenever State becomes closed;
// OpenedAt is set only on the transition into open and cleared only on the
// transition into closed.
type Record struct {
	Service         string
	State           State
	FailureCount    int
	LastFailureTime *time.Time
	OpenedAt        *time.Time
}

// StateStore persists one Record per dependency name, shared across all
// worker processes. Update must apply fn atomically with respect to other
// callers updating the same name: two concurrent transitions on one
// dependency must serialize.
//
// The store is injected explicitly so tests can run against an isolated
// in-memory store and production against the shared Postgres store.
type StateStore interface {
	Get(ctx context.Context, name string) (Record, error)
	Update(ctx context.Context, name string, fn func(Record) Record) (Record, error)
}

// BreakerConfig defines the circuit breaker behavior.
//
// Threshold is the number of consecutive failures before the circuit opens.
// ResetTimeout is how long the circuit stays open before a probe is allowed.
type BreakerConfig struct {
	Threshold    int
	ResetTimeout time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:    5,
		ResetTimeout: 30 * time.Second,
	}
}

// Breaker guards downstream calls with a per-dependency circuit breaker.
//
// State transitions:
//
//	[closed] ---(Threshold consecutive failures)---> [open]
//	[open] ---(ResetTimeout elapsed, next call probes)---> [half_open]
//	[half_open] ---(probe succeeds)---> [closed]
//	[half_open] ---(probe fails)---> [open]
//
// Probing is not serialized: concurrent callers arriving after ResetTimeout
// may each independently probe. State lives in the injected StateStore so
// all worker processes observe the same breaker.
type Breaker struct {
	store    StateStore
	config   BreakerConfig
	clock    clock.Clock
	fallback *fallbackManager
	logger   *slog.Logger

	onStateChange func(name string, from, to State)
}

func NewBreaker(store StateStore, config BreakerConfig, clk clock.Clock, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Breaker{
		store:    store,
		config:   config,
		clock:    clk,
		fallback: newFallbackManager(config),
		logger:   logger,
	}
}

// OnStateChange registers a callback for breaker state transitions.
// Used to emit metrics and logs when breakers open or close.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.onStateChange = fn
}

// Execute runs op guarded by the breaker for the named dependency.
//
// When the breaker is open and not yet eligible for a probe, op is not
// invoked and ErrCircuitOpen is returned. Otherwise op runs and its outcome
// is recorded; whatever error op returns is returned unchanged.
func (b *Breaker) Execute(ctx context.Context, name string, op func() error) error {
	allowed, err := b.allow(ctx, name)
	if err != nil {
		b.logger.Warn("breaker state store unavailable, using in-process fallback",
			"error", err,
			"service", name,
		)
		return b.fallback.execute(name, op)
	}
	if !allowed {
		return fmt.Errorf("%w for %s", ErrCircuitOpen, name)
	}

	if opErr := op(); opErr != nil {
		b.recordFailure(ctx, name)
		return opErr
	}

	b.recordSuccess(ctx, name)
	return nil
}

// State returns the current persisted record for a dependency. A dependency
// that was never referenced reports a closed record.
func (b *Breaker) State(ctx context.Context, name string) (Record, error) {
	return b.store.Get(ctx, name)
}

// allow checks whether a call may proceed, transitioning open breakers to
// half_open once ResetTimeout has elapsed since they opened. The transition
// and the decision happen in one atomic store update.
func (b *Breaker) allow(ctx context.Context, name string) (bool, error) {
	now := b.clock.Now()

	rec, err := b.store.Update(ctx, name, func(r Record) Record {
		if r.State == StateOpen && r.OpenedAt != nil && now.Sub(*r.OpenedAt) >= b.config.ResetTimeout {
			b.notifyStateChange(name, StateOpen, StateHalfOpen)
			r.State = StateHalfOpen
		}
		return r
	})
	if err != nil {
		return false, err
	}

	return rec.State != StateOpen, nil
}

func (b *Breaker) recordSuccess(ctx context.Context, name string) {
	_, err := b.store.Update(ctx, name, func(r Record) Record {
		if r.State == StateHalfOpen {
			b.notifyStateChange(name, StateHalfOpen, StateClosed)
			r.State = StateClosed
			r.LastFailureTime = nil
			r.OpenedAt = nil
		}
		r.FailureCount = 0
		return r
	})
	if err != nil {
		b.logger.Warn("failed to record breaker success", "error", err, "service", name)
	}
}

func (b *Breaker) recordFailure(ctx context.Context, name string) {
	now := b.clock.Now()

	rec, err := b.store.Update(ctx, name, func(r Record) Record {
		r.FailureCount++
		r.LastFailureTime = &now
		if r.FailureCount >= b.config.Threshold && r.State != StateOpen {
			b.notifyStateChange(name, r.State, StateOpen)
			r.State = StateOpen
			r.OpenedAt = &now
		}
		return r
	})
	if err != nil {
		b.logger.Warn("failed to record breaker failure", "error", err, "service", name)
		return
	}

	if rec.State == StateOpen {
		b.logger.Warn("circuit breaker open",
			"service", name,
			"failures", rec.FailureCount,
		)
	}
}

func (b *Breaker) notifyStateChange(name string, from, to State) {
	if b.onStateChange != nil && from != to {
		b.onStateChange(name, from, to)
	}
}
