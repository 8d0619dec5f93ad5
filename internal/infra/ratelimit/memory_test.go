package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestMemoryFixedWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	limiter := NewMemory(MemoryConfig{Now: clock.now})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, "ip:1", 3, time.Minute)
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !d.Allowed || d.Remaining != 2-i {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}
	d, err := limiter.Allow(ctx, "ip:1", 3, time.Minute)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatal("fourth request should be limited")
	}
	if !d.ResetAt.Equal(clock.t.Add(time.Minute)) {
		t.Fatalf("unexpected reset %v", d.ResetAt)
	}

	other, _ := limiter.Allow(ctx, "ip:2", 3, time.Minute)
	if !other.Allowed {
		t.Fatal("keys must be counted independently")
	}

	clock.t = clock.t.Add(time.Minute)
	d, _ = limiter.Allow(ctx, "ip:1", 3, time.Minute)
	if !d.Allowed || d.Remaining != 2 {
		t.Fatalf("window should reset, got %+v", d)
	}
}

func TestMemoryUnlimited(t *testing.T) {
	limiter := NewMemory(MemoryConfig{})
	d, err := limiter.Allow(context.Background(), "k", 0, time.Second)
	if err != nil || !d.Allowed {
		t.Fatalf("expected unlimited allow, got %+v %v", d, err)
	}
	if limiter.Len() != 0 {
		t.Fatal("unlimited requests must not be tracked")
	}
}

func TestMemoryCapacity(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	limiter := NewMemory(MemoryConfig{Now: clock.now, MaxKeys: 2})
	ctx := context.Background()

	_, _ = limiter.Allow(ctx, "a", 1, time.Second)
	_, _ = limiter.Allow(ctx, "b", 1, time.Second)
	if _, err := limiter.Allow(ctx, "c", 1, time.Second); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}

	clock.t = clock.t.Add(2 * time.Second)
	if _, err := limiter.Allow(ctx, "c", 1, time.Second); err != nil {
		t.Fatalf("expired windows should be swept: %v", err)
	}
	if limiter.Len() != 1 {
		t.Fatalf("expected 1 tracked key, got %d", limiter.Len())
	}
}
