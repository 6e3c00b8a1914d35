package market

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"maker-bot/pkg/types"
)

// ErrFilterViolation marks an order intent that breaks a symbol's trading
// rules (tick size, lot size, min notional). Never sent to the venue.
var ErrFilterViolation = errors.New("filter violation")

// FilterFetcher pulls symbol trading filters from the venue.
// *exchange.Client satisfies it.
type FilterFetcher interface {
	FetchFilters(ctx context.Context, symbol string) (types.SymbolFilters, error)
}

// Filters caches symbol trading rules. Prime fetches them from the venue;
// Get is cache-only so the quoting path never waits on REST. When the
// venue has never answered, conservative defaults are served so quoting
// degrades instead of stopping. Source on the returned filters tells the
// writer which it got.
type Filters struct {
	fetcher FilterFetcher

	mu    sync.RWMutex
	known map[string]types.SymbolFilters

	logger *slog.Logger
}

// NewFilters creates an empty filter cache around fetcher.
func NewFilters(fetcher FilterFetcher, logger *slog.Logger) *Filters {
	return &Filters{
		fetcher: fetcher,
		known:   make(map[string]types.SymbolFilters),
		logger:  logger.With("component", "filters"),
	}
}

// Prime fetches filters for symbols and caches them. Called at startup
// and again on recovery. A symbol whose fetch fails keeps its previous
// values, demoted to the cached source; with no previous values it gets
// defaults. Prime never fails: the writer decides per order what a
// non-fetched source is worth.
func (f *Filters) Prime(ctx context.Context, symbols []string) {
	for _, sym := range symbols {
		fetched, err := f.fetcher.FetchFilters(ctx, sym)
		if err == nil {
			f.mu.Lock()
			f.known[sym] = fetched
			f.mu.Unlock()
			continue
		}

		f.mu.Lock()
		prev, ok := f.known[sym]
		if ok && prev.Source == types.FilterFetched {
			prev.Source = types.FilterCached
			f.known[sym] = prev
		} else if !ok {
			f.known[sym] = DefaultFilters(sym)
		}
		src := f.known[sym].Source
		f.mu.Unlock()

		f.logger.Warn("filter fetch failed", "symbol", sym, "source", src, "error", err)
	}
}

// Get returns the cached trading filters for symbol, or defaults when the
// symbol was never primed.
func (f *Filters) Get(symbol string) types.SymbolFilters {
	f.mu.RLock()
	known, ok := f.known[symbol]
	f.mu.RUnlock()
	if ok {
		return known
	}
	return DefaultFilters(symbol)
}

// DefaultFilters returns conservative built-in trading rules for when the
// venue has never answered a filter request.
func DefaultFilters(symbol string) types.SymbolFilters {
	return types.SymbolFilters{
		Symbol:      symbol,
		TickSize:    decimal.NewFromFloat(0.01),
		LotSize:     decimal.NewFromFloat(0.001),
		MinNotional: decimal.NewFromInt(10),
		Source:      types.FilterDefault,
	}
}
