package resilience

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sony/gobreaker"
)

// fallbackManager maintains per-dependency in-process circuit breakers used
// when the shared state store cannot be reached. It trades cross-instance
// coordination for availability: each worker process tracks failures on its
// own until the store recovers.
type fallbackManager struct {
	config   BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex
}

func newFallbackManager(config BreakerConfig) *fallbackManager {
	return &fallbackManager{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (m *fallbackManager) get(name string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	threshold := uint32(m.config.Threshold)
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     m.config.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	m.breakers[name] = cb
	return cb
}

func (m *fallbackManager) execute(name string, op func() error) error {
	_, err := m.get(name).Execute(func() (interface{}, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w for %s", ErrCircuitOpen, name)
	}
	return err
}
