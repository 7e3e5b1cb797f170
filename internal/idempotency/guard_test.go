package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestGuard(t *testing.T, ttl time.Duration) (*Guard, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewGuard(client, ttl), mr
}

func TestGuard_FirstSeenProceeds(t *testing.T) {
	g, _ := newTestGuard(t, time.Hour)

	skip, err := g.ShouldSkip(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if skip {
		t.Error("first delivery of a request id must proceed")
	}
}

func TestGuard_DuplicateSkips(t *testing.T) {
	g, _ := newTestGuard(t, time.Hour)
	ctx := context.Background()

	if _, err := g.ShouldSkip(ctx, "req-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	skip, err := g.ShouldSkip(ctx, "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !skip {
		t.Error("second delivery of the same request id must be skipped")
	}
}

func TestGuard_DistinctIDsAreIndependent(t *testing.T) {
	g, _ := newTestGuard(t, time.Hour)
	ctx := context.Background()

	_, _ = g.ShouldSkip(ctx, "req-1")

	skip, err := g.ShouldSkip(ctx, "req-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if skip {
		t.Error("a different request id must not be skipped")
	}
}

func TestGuard_MarkerExpires(t *testing.T) {
	g, mr := newTestGuard(t, time.Minute)
	ctx := context.Background()

	_, _ = g.ShouldSkip(ctx, "req-1")
	mr.FastForward(2 * time.Minute)

	skip, err := g.ShouldSkip(ctx, "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if skip {
		t.Error("an expired marker must allow processing again")
	}
}

func TestGuard_ConcurrentDuplicates(t *testing.T) {
	g, _ := newTestGuard(t, time.Hour)
	ctx := context.Background()

	var proceeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			skip, err := g.ShouldSkip(ctx, "req-race")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if !skip {
				proceeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := proceeded.Load(); got != 1 {
		t.Errorf("%d concurrent deliveries proceeded, want exactly 1", got)
	}
}
