package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"maker-bot/internal/config"
	"maker-bot/internal/metrics"
	"maker-bot/pkg/types"
)

// Mode selects how much staleness a cache lookup tolerates.
type Mode string

const (
	// FreshOnly serves snapshots younger than the TTL and otherwise blocks
	// briefly for a synchronous refresh.
	FreshOnly Mode = "fresh_only"
	// FreshForPricing serves snapshots young enough to quote from. Older
	// but unexpired snapshots are served stale with a refresh in flight.
	FreshForPricing Mode = "fresh_for_pricing"
	// StaleOK serves whatever the cache holds and refreshes in the
	// background when it is past the TTL.
	StaleOK Mode = "stale_ok"
)

// Lookup outcomes reported in Result.Hit.
const (
	HitFresh       = "fresh_hit"
	HitStale       = "stale_hit"
	HitMissRefresh = "miss_refresh"
)

const (
	// syncRefreshWait bounds how long a blocking lookup waits for REST.
	// The tick deadline is tighter than any realistic fetch, so waiting
	// longer only burns the tick.
	syncRefreshWait = 50 * time.Millisecond

	// refreshTimeout bounds the detached fetch itself.
	refreshTimeout = 2 * time.Second
)

// ErrBookUnavailable is returned when no usable snapshot exists and the
// refresh did not produce one in time.
var ErrBookUnavailable = errors.New("order book unavailable")

// BookFetcher pulls a book snapshot from the venue. *exchange.Client
// satisfies it.
type BookFetcher interface {
	FetchBook(ctx context.Context, symbol string, depth int) (types.BookSnapshot, error)
}

// Result is a served snapshot plus how it was served.
type Result struct {
	Book      types.BookSnapshot
	Age       time.Duration
	Hit       string // fresh_hit | stale_hit | miss_refresh
	UsedStale bool
}

// Cache serves order-book snapshots with explicit freshness semantics. It
// holds one Book mirror per symbol, fed by the market stream, and falls
// back to REST when the mirror is stale or invalid. Concurrent refreshes
// for the same symbol collapse into a single fetch.
type Cache struct {
	fetcher BookFetcher

	cfgMu sync.RWMutex
	cfg   config.MDCacheConfig

	mu    sync.Mutex
	books map[string]*Book

	sf      singleflight.Group
	met     *metrics.Metrics
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewCache creates a cache around fetcher. Books are created lazily per
// symbol.
func NewCache(fetcher BookFetcher, cfg config.MDCacheConfig, met *metrics.Metrics, logger *slog.Logger) *Cache {
	return &Cache{
		fetcher: fetcher,
		cfg:     cfg,
		books:   make(map[string]*Book),
		met:     met,
		logger:  logger.With("component", "md-cache"),
		nowFunc: time.Now,
	}
}

// UpdateConfig swaps the freshness thresholds, used by hot reload.
func (c *Cache) UpdateConfig(cfg config.MDCacheConfig) {
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()
}

func (c *Cache) config() config.MDCacheConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Ages reports each mirrored symbol's book age, for the status surface.
// A symbol with no usable mirror reports -1.
func (c *Cache) Ages() map[string]time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	out := make(map[string]time.Duration, len(c.books))
	for sym, b := range c.books {
		if age, ok := b.Age(now); ok {
			out[sym] = age
		} else {
			out[sym] = -1
		}
	}
	return out
}

func (c *Cache) book(symbol string) *Book {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[symbol]
	if !ok {
		b = NewBook(symbol)
		c.books[symbol] = b
	}
	return b
}

// Warm primes the cache for symbols at startup, bounded only by ctx.
func (c *Cache) Warm(ctx context.Context, symbols []string) error {
	depth := c.config().Depth
	for _, sym := range symbols {
		snap, err := c.fetcher.FetchBook(ctx, sym, depth)
		if err != nil {
			return fmt.Errorf("warm %s: %w", sym, err)
		}
		c.book(sym).ApplySnapshot(snap)
	}
	return nil
}

// Get returns a snapshot for symbol under the given mode. Blocking paths
// wait at most syncRefreshWait beyond ctx.
func (c *Cache) Get(ctx context.Context, symbol string, mode Mode) (Result, error) {
	switch mode {
	case FreshOnly, FreshForPricing, StaleOK:
	default:
		return Result{}, fmt.Errorf("unknown cache mode %q", mode)
	}

	b := c.book(symbol)
	age, ok := b.Age(c.nowFunc())
	if !ok {
		return c.syncRefresh(ctx, symbol, mode)
	}

	cfg := c.config()
	switch mode {
	case FreshOnly:
		if age < cfg.TTL() {
			if res, served := c.serve(b, age, mode, HitFresh, false); served {
				return res, nil
			}
		}
	case FreshForPricing:
		switch {
		case age < cfg.FreshForPricing():
			if res, served := c.serve(b, age, mode, HitFresh, false); served {
				return res, nil
			}
		case age < cfg.TTL():
			if res, served := c.serve(b, age, mode, HitStale, true); served {
				c.asyncRefresh(symbol)
				return res, nil
			}
		}
	case StaleOK:
		hit, usedStale := HitFresh, false
		if age >= cfg.TTL() {
			hit, usedStale = HitStale, true
		}
		if res, served := c.serve(b, age, mode, hit, usedStale); served {
			if usedStale {
				c.asyncRefresh(symbol)
			}
			return res, nil
		}
	}

	return c.syncRefresh(ctx, symbol, mode)
}

func (c *Cache) serve(b *Book, age time.Duration, mode Mode, hit string, usedStale bool) (Result, bool) {
	snap, ok := b.Snapshot()
	if !ok {
		// invalidated between the age check and here
		return Result{}, false
	}
	c.met.CacheRequests.WithLabelValues(string(mode), hit).Inc()
	c.met.CacheAge.Observe(age.Seconds())
	return Result{Book: snap, Age: age, Hit: hit, UsedStale: usedStale}, true
}

// syncRefresh blocks for a shared refresh, bounded by syncRefreshWait and
// ctx, and serves the result as a miss_refresh.
func (c *Cache) syncRefresh(ctx context.Context, symbol string, mode Mode) (Result, error) {
	ch := c.refresh(symbol)
	timer := time.NewTimer(syncRefreshWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.met.CacheRequests.WithLabelValues(string(mode), "error").Inc()
		return Result{}, ctx.Err()
	case <-timer.C:
		c.met.CacheRequests.WithLabelValues(string(mode), "timeout").Inc()
		return Result{}, fmt.Errorf("book %s: refresh timed out after %s: %w", symbol, syncRefreshWait, ErrBookUnavailable)
	case res := <-ch:
		if res.Err != nil {
			c.met.CacheRequests.WithLabelValues(string(mode), "error").Inc()
			return Result{}, fmt.Errorf("book %s: refresh: %w", symbol, res.Err)
		}
	}

	b := c.book(symbol)
	age, _ := b.Age(c.nowFunc())
	res, served := c.serve(b, age, mode, HitMissRefresh, false)
	if !served {
		return Result{}, fmt.Errorf("book %s: %w", symbol, ErrBookUnavailable)
	}
	return res, nil
}

// refresh starts (or joins) the in-flight fetch for symbol. The fetch runs
// on a detached context so a canceled caller does not starve other
// waiters, and the buffered singleflight channel lets async callers drop
// the result.
func (c *Cache) refresh(symbol string) <-chan singleflight.Result {
	return c.sf.DoChan(symbol, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		snap, err := c.fetcher.FetchBook(ctx, symbol, c.config().Depth)
		if err != nil {
			c.logger.Warn("book refresh failed", "symbol", symbol, "error", err)
			return nil, err
		}
		c.book(symbol).ApplySnapshot(snap)
		return nil, nil
	})
}

func (c *Cache) asyncRefresh(symbol string) {
	c.refresh(symbol)
}

// ApplyBookEvent feeds a full stream snapshot into the symbol's mirror.
func (c *Cache) ApplyBookEvent(evt types.WSBookEvent) {
	if err := c.book(evt.Symbol).ApplyBookEvent(evt); err != nil {
		c.logger.Warn("bad book snapshot event", "symbol", evt.Symbol, "error", err)
	}
}

// ApplyDelta feeds an incremental update into the symbol's mirror. A
// sequence break invalidates the mirror and starts a REST resync.
func (c *Cache) ApplyDelta(evt types.WSBookDeltaEvent) {
	err := c.book(evt.Symbol).ApplyDelta(evt)
	switch {
	case err == nil:
	case errors.Is(err, ErrSeqRegression):
		c.met.CacheInvalidation.WithLabelValues("seq_regression").Inc()
		c.logger.Warn("book sequence regressed, resyncing", "symbol", evt.Symbol, "seq", evt.Seq)
		c.asyncRefresh(evt.Symbol)
	case errors.Is(err, ErrSeqGap):
		c.met.CacheInvalidation.WithLabelValues("seq_gap").Inc()
		c.logger.Warn("book sequence gap, resyncing", "symbol", evt.Symbol, "seq", evt.Seq)
		c.asyncRefresh(evt.Symbol)
	default:
		c.logger.Warn("bad book delta event", "symbol", evt.Symbol, "error", err)
	}
}

// Invalidate marks one symbol's mirror untrusted and starts a resync.
func (c *Cache) Invalidate(symbol, reason string) {
	c.book(symbol).Invalidate()
	c.met.CacheInvalidation.WithLabelValues(reason).Inc()
	c.logger.Warn("book invalidated", "symbol", symbol, "reason", reason)
	c.asyncRefresh(symbol)
}

// InvalidateAll invalidates every known mirror, used after a stream outage
// long enough that missed deltas are likely.
func (c *Cache) InvalidateAll(reason string) {
	c.mu.Lock()
	symbols := make([]string, 0, len(c.books))
	for sym := range c.books {
		symbols = append(symbols, sym)
	}
	c.mu.Unlock()

	for _, sym := range symbols {
		c.Invalidate(sym, reason)
	}
}
