package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQuota(t *testing.T, capacity int, refill float64) *OwnerQuota {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewOwnerQuota(client, capacity, refill, time.Minute)
}

func TestOwnerQuotaExhausts(t *testing.T) {
	ctx := context.Background()
	quota := newTestQuota(t, 2, 1)

	d, err := quota.Allow(ctx, "u1")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	if d, _ = quota.Allow(ctx, "u1"); !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	if d, _ = quota.Allow(ctx, "u1"); d.Allowed {
		t.Fatalf("expected third token rejected")
	}
}

func TestOwnerQuotaIsolatesOwners(t *testing.T) {
	ctx := context.Background()
	quota := newTestQuota(t, 1, 1)

	if d, _ := quota.Allow(ctx, "u1"); !d.Allowed {
		t.Fatalf("expected u1 allowed")
	}
	if d, _ := quota.Allow(ctx, "u1"); d.Allowed {
		t.Fatalf("expected u1 exhausted")
	}
	// A different owner draws from its own bucket.
	if d, _ := quota.Allow(ctx, "u2"); !d.Allowed {
		t.Fatalf("expected a fresh owner to be allowed")
	}

	// Note: refill cannot be tested with miniredis.FastForward() because the
	// script receives time from Go's time.Now(), not Redis's clock.
}
