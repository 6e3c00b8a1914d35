// ratelimit.go implements token-bucket rate limiting for the exchange REST API.
//
// Venues enforce per-category request limits; every call classifies itself
// into one of four endpoint classes and must acquire a token for that class
// before touching the wire. Buckets refill continuously (x/time/rate), so
// sustained traffic smooths out instead of bursting into hard limits.
//
// Classes:
//   - Order:  placing and amending orders
//   - Cancel: cancels and cancel-all
//   - Query:  open orders, history, account reads
//   - Book:   order book and filter reads
package exchange

import (
	"context"

	"golang.org/x/time/rate"

	"maker-bot/internal/config"
)

// Endpoint class names, as used in rate_limiter.endpoint_overrides config.
const (
	ClassOrder  = "order"
	ClassCancel = "cancel"
	ClassQuery  = "query"
	ClassBook   = "book"
)

// RateLimiter groups token buckets by endpoint class. Callers either block
// in Wait until a token is available or probe with Allow.
type RateLimiter struct {
	Order  *rate.Limiter
	Cancel *rate.Limiter
	Query  *rate.Limiter
	Book   *rate.Limiter
}

// NewRateLimiter builds the per-class buckets from config. capacity_per_s is
// the refill rate, burst the bucket size; endpoint_overrides replaces both
// for a named class.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		Order:  classLimiter(cfg, ClassOrder),
		Cancel: classLimiter(cfg, ClassCancel),
		Query:  classLimiter(cfg, ClassQuery),
		Book:   classLimiter(cfg, ClassBook),
	}
}

func classLimiter(cfg config.RateLimitConfig, class string) *rate.Limiter {
	perSec, burst := cfg.CapacityPerS, cfg.Burst
	if o, ok := cfg.EndpointOverrides[class]; ok {
		if o.CapacityPerS > 0 {
			perSec = o.CapacityPerS
		}
		if o.Burst > 0 {
			burst = o.Burst
		}
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// ForClass returns the limiter for a class name, defaulting to Query.
func (rl *RateLimiter) ForClass(class string) *rate.Limiter {
	switch class {
	case ClassOrder:
		return rl.Order
	case ClassCancel:
		return rl.Cancel
	case ClassBook:
		return rl.Book
	default:
		return rl.Query
	}
}

// Wait blocks until the class has a token or ctx is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context, class string) error {
	return rl.ForClass(class).Wait(ctx)
}

// Allow consumes a token for the class without blocking; false means the
// bucket is empty right now.
func (rl *RateLimiter) Allow(class string) bool {
	return rl.ForClass(class).Allow()
}
