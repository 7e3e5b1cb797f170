package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines the rate limiting parameters.
//
// RequestsPerSecond controls the steady-state rate of allowed requests.
// BurstSize allows temporary spikes above the rate limit.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 50,
		BurstSize:         10,
	}
}

// RateLimiterManager maintains per-dependency token bucket limiters.
// It uses lazy initialization with double-checked locking for thread safety.
// Each dependency gets its own independent limiter so smoothing the email
// provider never delays calls to the lookup services.
type RateLimiterManager struct {
	config   RateLimiterConfig
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewRateLimiterManager(config RateLimiterConfig) *RateLimiterManager {
	return &RateLimiterManager{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

// GetLimiter returns the limiter for a dependency, creating one if needed.
func (m *RateLimiterManager) GetLimiter(name string) *rate.Limiter {
	m.mu.RLock()
	limiter, exists := m.limiters[name]
	m.mu.RUnlock()

	if exists {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if limiter, exists = m.limiters[name]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(m.config.RequestsPerSecond), m.config.BurstSize)
	m.limiters[name] = limiter
	return limiter
}

// Allow reports whether a request for the dependency is allowed right now.
func (m *RateLimiterManager) Allow(name string) bool {
	return m.GetLimiter(name).Allow()
}

// Wait blocks until the dependency's limiter permits a request or the
// context is cancelled.
func (m *RateLimiterManager) Wait(ctx context.Context, name string) error {
	return m.GetLimiter(name).Wait(ctx)
}

// SetRate configures a custom rate limit for a specific dependency.
func (m *RateLimiterManager) SetRate(name string, requestsPerSecond float64, burstSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.limiters[name] = rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize)
}
