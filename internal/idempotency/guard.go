// Package idempotency suppresses duplicate processing of redelivered
// messages using short-lived Redis markers.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a request id is remembered after being accepted.
const DefaultTTL = 24 * time.Hour

// Guard is a TTL-backed set membership check keyed by request id. A marker
// means the request was already accepted for processing; its scope is
// "seen from the broker", not "successfully delivered". Internal retries
// must not consult the guard.
type Guard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewGuard(client *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{client: client, ttl: ttl}
}

func (g *Guard) key(requestID string) string {
	return fmt.Sprintf("idempotency:%s", requestID)
}

// ShouldSkip reports whether the request id has already been accepted.
// When it has not, the marker is created in the same operation: SET NX EX
// is a single atomic check-and-set, so two concurrent deliveries of the
// same id cannot both proceed.
func (g *Guard) ShouldSkip(ctx context.Context, requestID string) (bool, error) {
	created, err := g.client.SetNX(ctx, g.key(requestID), "processed", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency check for %s: %w", requestID, err)
	}
	return !created, nil
}
