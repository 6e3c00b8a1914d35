package exchange

import (
	"context"
	"testing"
	"time"

	"maker-bot/internal/config"
)

func testRateLimitConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		CapacityPerS: 10,
		Burst:        5,
	}
}

func TestRateLimiterWaitImmediate(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(testRateLimitConfig())

	// A full bucket should hand out burst tokens without blocking.
	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := rl.Wait(context.Background(), ClassOrder); err != nil {
			t.Fatalf("Wait() returned error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Wait() took %v, expected immediate (token %d)", elapsed, i)
		}
	}
}

func TestRateLimiterWaitBlocks(t *testing.T) {
	t.Parallel()
	// burst 1, refill 10/sec → ~100ms per token once drained
	rl := NewRateLimiter(config.RateLimitConfig{CapacityPerS: 10, Burst: 1})

	if err := rl.Wait(context.Background(), ClassOrder); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := rl.Wait(context.Background(), ClassOrder); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("expected blocking ~100ms, got %v", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestRateLimiterContextCancelled(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(config.RateLimitConfig{CapacityPerS: 0.1, Burst: 1})

	_ = rl.Wait(context.Background(), ClassCancel)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx, ClassCancel); err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestRateLimiterAllow(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(config.RateLimitConfig{CapacityPerS: 0.1, Burst: 1})

	if !rl.Allow(ClassBook) {
		t.Error("first Allow should succeed on a full bucket")
	}
	if rl.Allow(ClassBook) {
		t.Error("second Allow should fail before refill")
	}
}

func TestRateLimiterClassesIndependent(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(config.RateLimitConfig{CapacityPerS: 0.1, Burst: 1})

	if !rl.Allow(ClassOrder) {
		t.Fatal("order bucket should start full")
	}
	// Draining the order bucket must not affect the cancel bucket.
	if !rl.Allow(ClassCancel) {
		t.Error("cancel bucket should be unaffected by order drains")
	}
}

func TestRateLimiterEndpointOverride(t *testing.T) {
	t.Parallel()
	cfg := config.RateLimitConfig{
		CapacityPerS: 0.1,
		Burst:        1,
		EndpointOverrides: map[string]config.EndpointLimit{
			ClassBook: {CapacityPerS: 100, Burst: 3},
		},
	}
	rl := NewRateLimiter(cfg)

	// Overridden class gets its own burst.
	for i := 0; i < 3; i++ {
		if !rl.Allow(ClassBook) {
			t.Fatalf("book Allow %d should succeed with burst 3", i)
		}
	}
	// Non-overridden class keeps the default single token.
	if !rl.Allow(ClassOrder) {
		t.Fatal("order bucket should start full")
	}
	if rl.Allow(ClassOrder) {
		t.Error("order bucket should be drained after one token")
	}
}

func TestRateLimiterForClassUnknown(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(testRateLimitConfig())
	if rl.ForClass("something-else") != rl.Query {
		t.Error("unknown class should fall back to the query bucket")
	}
}
