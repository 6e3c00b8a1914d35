package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"maker-bot/pkg/types"
)

type fakeFilterFetcher struct {
	mu  sync.Mutex
	err error
}

func (f *fakeFilterFetcher) FetchFilters(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return types.SymbolFilters{}, f.err
	}
	return types.SymbolFilters{
		Symbol:      symbol,
		TickSize:    decimal.RequireFromString("0.1"),
		LotSize:     decimal.RequireFromString("0.01"),
		MinNotional: decimal.RequireFromString("5"),
		Source:      types.FilterFetched,
	}, nil
}

func (f *fakeFilterFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestFilters(fetcher *fakeFilterFetcher) *Filters {
	return NewFilters(fetcher, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPrimeAndGet(t *testing.T) {
	t.Parallel()
	fl := newTestFilters(&fakeFilterFetcher{})

	fl.Prime(context.Background(), []string{testSymbol})

	got := fl.Get(testSymbol)
	if got.Source != types.FilterFetched {
		t.Errorf("source = %q, want fetched", got.Source)
	}
	if !got.TickSize.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("tick = %s, want 0.1", got.TickSize)
	}
}

func TestGetUnprimedServesDefaults(t *testing.T) {
	t.Parallel()
	fl := newTestFilters(&fakeFilterFetcher{})

	got := fl.Get("NEVER-SEEN")
	if got.Source != types.FilterDefault {
		t.Errorf("source = %q, want default", got.Source)
	}
	if !got.TickSize.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("tick = %s, want default 0.01", got.TickSize)
	}
	if !got.MinNotional.Equal(decimal.RequireFromString("10")) {
		t.Errorf("min notional = %s, want default 10", got.MinNotional)
	}
}

func TestPrimeFailureDemotesToCached(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFilterFetcher{}
	fl := newTestFilters(fetcher)

	fl.Prime(context.Background(), []string{testSymbol})
	fetcher.setErr(errors.New("venue down"))
	fl.Prime(context.Background(), []string{testSymbol})

	got := fl.Get(testSymbol)
	if got.Source != types.FilterCached {
		t.Errorf("source = %q, want cached after failed re-prime", got.Source)
	}
	// Values survive the failed fetch.
	if !got.TickSize.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("tick = %s, want retained 0.1", got.TickSize)
	}
}

func TestPrimeFailureWithoutHistoryUsesDefaults(t *testing.T) {
	t.Parallel()
	fl := newTestFilters(&fakeFilterFetcher{err: errors.New("venue down")})

	fl.Prime(context.Background(), []string{testSymbol})

	got := fl.Get(testSymbol)
	if got.Source != types.FilterDefault {
		t.Errorf("source = %q, want default", got.Source)
	}
}

func TestPrimeRecoversFromDefaults(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFilterFetcher{err: errors.New("venue down")}
	fl := newTestFilters(fetcher)

	fl.Prime(context.Background(), []string{testSymbol})
	fetcher.setErr(nil)
	fl.Prime(context.Background(), []string{testSymbol})

	if got := fl.Get(testSymbol); got.Source != types.FilterFetched {
		t.Errorf("source = %q, want fetched after recovery", got.Source)
	}
}
