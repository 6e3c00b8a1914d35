package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"maker-bot/internal/config"
	"maker-bot/pkg/types"
)

// absorbAlpha is the EMA smoothing for the touch absorption rate.
const absorbAlpha = 0.3

// sideFlow tracks one (symbol, side)'s touch between book observations.
type sideFlow struct {
	touch    decimal.Decimal
	touchQty decimal.Decimal
	seenAt   time.Time
	rate     float64 // absorbed base units per second, EMA
	seeded   bool
}

// QueueTracker estimates how fast resting quantity at the touch gets
// eaten, per symbol and side. Each tick's book snapshot is compared to
// the previous one: a quantity drop at an unchanged touch price counts
// as absorption. Cancels are indistinguishable from fills in this view,
// so the rate is an upper bound on true fill flow.
//
// The queue-aware stage divides the depth ahead of our order by this
// rate to get a fill ETA; an ETA beyond queue_max_eta_ms marks the
// position unfavorable and earns a bounded nudge toward the touch.
type QueueTracker struct {
	maxETA time.Duration

	mu      sync.Mutex
	flows   map[string]*sideFlow
	nowFunc func() time.Time
}

// NewQueueTracker creates a tracker from the strategy config.
func NewQueueTracker(cfg config.StrategyConfig) *QueueTracker {
	return &QueueTracker{
		maxETA:  time.Duration(cfg.QueueMaxETAMs) * time.Millisecond,
		flows:   make(map[string]*sideFlow),
		nowFunc: time.Now,
	}
}

func (qt *QueueTracker) flow(symbol string, side types.Side) *sideFlow {
	key := symbol + "/" + string(side)
	f := qt.flows[key]
	if f == nil {
		f = &sideFlow{}
		qt.flows[key] = f
	}
	return f
}

// ObserveBook folds one book snapshot into the per-side absorption EMAs.
// Called once per tick with the snapshot the pipeline is pricing from.
func (qt *QueueTracker) ObserveBook(book types.BookSnapshot) {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	now := qt.nowFunc()
	if bid, ok := book.BestBid(); ok {
		qt.observe(qt.flow(book.Symbol, types.SideBuy), bid, now)
	}
	if ask, ok := book.BestAsk(); ok {
		qt.observe(qt.flow(book.Symbol, types.SideSell), ask, now)
	}
}

func (qt *QueueTracker) observe(f *sideFlow, touch types.PriceLevel, now time.Time) {
	if f.seeded && f.touch.Equal(touch.Price) && touch.Qty.LessThan(f.touchQty) {
		if dt := now.Sub(f.seenAt).Seconds(); dt > 0 {
			rate := f.touchQty.Sub(touch.Qty).InexactFloat64() / dt
			f.rate = absorbAlpha*rate + (1-absorbAlpha)*f.rate
		}
	}
	f.touch = touch.Price
	f.touchQty = touch.Qty
	f.seenAt = now
	f.seeded = true
}

// Unfavorable reports whether an order resting at the given price would
// wait longer than the ETA cap for the depth ahead of it to clear. An
// unobserved or zero absorption rate returns false: without evidence of
// flow the tracker does not ask for a nudge.
func (qt *QueueTracker) Unfavorable(symbol string, side types.Side, depthAhead decimal.Decimal) bool {
	if depthAhead.IsZero() || qt.maxETA <= 0 {
		return false
	}
	qt.mu.Lock()
	defer qt.mu.Unlock()

	f := qt.flows[symbol+"/"+string(side)]
	if f == nil || f.rate <= 0 {
		return false
	}
	eta := time.Duration(depthAhead.InexactFloat64() / f.rate * float64(time.Second))
	return eta > qt.maxETA
}
