// Package orders holds the write side of the order lifecycle: the Writer,
// which is the only caller of mutating exchange operations, and the
// Reconciler, which drives the local store toward exchange truth.
//
// The Writer converges each (symbol, side) from its current live order to
// the tick's target with amend-first semantics: an order that has rested
// long enough and whose target is close enough in price and size is amended
// in place; anything else is canceled and re-placed. Every mutation carries
// an idempotency key so a retried call cannot double-act, and at most one
// mutation per side is in flight at a time — newer targets coalesce onto
// the latest.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"maker-bot/internal/config"
	"maker-bot/internal/exchange"
	"maker-bot/internal/market"
	"maker-bot/internal/metrics"
	"maker-bot/internal/risk"
	"maker-bot/internal/store"
	"maker-bot/pkg/types"
)

// Exchange is the mutating capability surface the writer drives.
// *exchange.Client satisfies it; tests substitute a fake.
type Exchange interface {
	Place(ctx context.Context, order types.Order) (exchange.PlaceResult, error)
	Amend(ctx context.Context, exchangeOrderID string, price, qty decimal.Decimal, idemKey string) (exchange.AmendOutcome, error)
	Cancel(ctx context.Context, exchangeOrderID, idemKey string) (exchange.CancelOutcome, error)
	CancelAll(ctx context.Context, symbol, idemKey string) ([]string, error)
}

// GuardReader exposes the published guard decision without dragging the
// whole evaluator in.
type GuardReader interface {
	State() risk.State
}

// Filter rejection reasons for metrics.
const (
	rejectTickSize    = "tick_size"
	rejectLotSize     = "lot_size"
	rejectMinNotional = "min_notional"
	rejectCrossing    = "crossing"
	rejectFilterSrc   = "filters_default"
)

// sideSlot serializes mutations for one (symbol, side). busy marks a
// convergence in flight; pending holds the newest target, which coalesces
// over anything older.
type sideSlot struct {
	mu         sync.Mutex
	busy       bool
	pending    *types.QuoteTarget
	pendingSet bool
}

// Writer is the order lifecycle manager. It implements the pipeline's
// Emitter interface and owns every path that mutates orders on the venue.
type Writer struct {
	exch    Exchange
	store   *store.Store
	filters *market.Filters
	guards  GuardReader
	met     *metrics.Metrics
	logger  *slog.Logger
	nowFunc func() time.Time
	// sleep is the cancel-to-place settle wait, injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error

	cfgMu sync.RWMutex
	cfg   config.StrategyConfig

	slotsMu sync.Mutex
	slots   map[string]*sideSlot
}

// NewWriter wires the lifecycle manager.
func NewWriter(cfg config.StrategyConfig, exch Exchange, st *store.Store, filters *market.Filters,
	guards GuardReader, met *metrics.Metrics, logger *slog.Logger) *Writer {
	return &Writer{
		exch:    exch,
		store:   st,
		filters: filters,
		guards:  guards,
		met:     met,
		logger:  logger.With("component", "writer"),
		nowFunc: time.Now,
		sleep:   sleepCtx,
		cfg:     cfg,
		slots:   make(map[string]*sideSlot),
	}
}

// UpdateConfig swaps the amend-policy parameters, used by hot reload.
func (w *Writer) UpdateConfig(cfg config.StrategyConfig) {
	w.cfgMu.Lock()
	w.cfg = cfg
	w.cfgMu.Unlock()
}

func (w *Writer) config() config.StrategyConfig {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg
}

// Apply converges the venue to the tick's quote set. Called by the Emit
// stage once per tick per symbol.
func (w *Writer) Apply(ctx context.Context, quotes types.QuoteSet) error {
	if quotes.CancelAll {
		return w.FlattenSymbol(ctx, quotes.Symbol, "guard_hard")
	}

	guard := w.guards.State()
	bid, ask := quotes.Bid, quotes.Ask
	if bid != nil && ask != nil && !bid.Price.LessThan(ask.Price) {
		// A crossed pair never reaches the venue; pull both sides instead.
		w.met.FilterRejects.WithLabelValues(rejectCrossing).Inc()
		w.logger.Warn("crossed quote pair refused",
			"symbol", quotes.Symbol, "bid", bid.Price, "ask", ask.Price)
		bid, ask = nil, nil
	}

	var firstErr error
	if err := w.converge(ctx, quotes.Symbol, types.SideBuy, bid, ask, guard); err != nil {
		firstErr = err
	}
	if err := w.converge(ctx, quotes.Symbol, types.SideSell, ask, bid, guard); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// FlattenSymbol cancels everything for one symbol (or everything, when
// symbol is empty) on the venue and in the store. Runs even while the
// circuit is TRIPPED: cancel-all is allowlisted.
func (w *Writer) FlattenSymbol(ctx context.Context, symbol, reason string) error {
	idemKey := "cancel_all:" + uuid.NewString()
	if _, err := w.exch.CancelAll(ctx, symbol, idemKey); err != nil {
		w.met.Orders.WithLabelValues(exchange.OpCancelAll, "error").Inc()
		return fmt.Errorf("cancel all %s: %w", symbol, err)
	}

	var count int
	if symbol == "" {
		cids, err := w.store.CancelAllOpen(idemKey)
		if err != nil {
			return fmt.Errorf("cancel all: store: %w", err)
		}
		count = len(cids)
	} else {
		for _, o := range w.store.ListOpen(symbol) {
			if err := w.store.UpdateState(o.ClientOrderID, types.OrderCanceled, "cancel:"+o.ClientOrderID); err != nil {
				w.logger.Error("flatten bookkeeping failed", "cid", o.ClientOrderID, "error", err)
				continue
			}
			count++
		}
	}
	w.met.Orders.WithLabelValues(exchange.OpCancelAll, "ok").Inc()
	w.logger.Warn("flattened", "symbol", symbol, "reason", reason, "count", count)
	return nil
}

func (w *Writer) slot(symbol string, side types.Side) *sideSlot {
	key := symbol + "/" + string(side)
	w.slotsMu.Lock()
	defer w.slotsMu.Unlock()
	s := w.slots[key]
	if s == nil {
		s = &sideSlot{}
		w.slots[key] = s
	}
	return s
}

// converge drives one side toward target. If a mutation for the side is
// already in flight, the target is parked as pending and picked up by the
// in-flight call when it finishes; only the newest pending target survives.
func (w *Writer) converge(ctx context.Context, symbol string, side types.Side,
	target, opposite *types.QuoteTarget, guard risk.State) error {
	slot := w.slot(symbol, side)

	slot.mu.Lock()
	slot.pending, slot.pendingSet = target, true
	if slot.busy {
		slot.mu.Unlock()
		return nil // coalesced onto the in-flight convergence
	}
	slot.busy = true

	var firstErr error
	for slot.pendingSet {
		tgt := slot.pending
		slot.pending, slot.pendingSet = nil, false
		slot.mu.Unlock()

		if err := w.convergeOnce(ctx, symbol, side, tgt, opposite, guard); err != nil && firstErr == nil {
			firstErr = err
		}

		slot.mu.Lock()
	}
	slot.busy = false
	slot.mu.Unlock()
	return firstErr
}

// convergeOnce issues the amend/cancel/place set that moves one side from
// its current live order to the target.
func (w *Writer) convergeOnce(ctx context.Context, symbol string, side types.Side,
	target, opposite *types.QuoteTarget, guard risk.State) error {
	current := w.liveOrder(symbol, side)

	switch {
	case target == nil && current == nil:
		return nil

	case target == nil:
		return w.cancelOrder(ctx, *current)

	case current == nil:
		if guard.Level != risk.LevelOK {
			w.met.Orders.WithLabelValues(exchange.OpPlace, "suppressed").Inc()
			return nil
		}
		return w.placeOrder(ctx, *target, opposite)

	default:
		return w.amendOrCycle(ctx, *current, *target, opposite, guard)
	}
}

// liveOrder returns the single non-terminal order for (symbol, side), or
// nil. More than one would violate one-order-per-side; the oldest is kept
// as current and the rest are left for the reconciler to flag.
func (w *Writer) liveOrder(symbol string, side types.Side) *types.Order {
	var found *types.Order
	for _, o := range w.store.ListOpen(symbol) {
		if o.Side != side {
			continue
		}
		o := o
		if found == nil || o.CreatedTS.Before(found.CreatedTS) {
			found = &o
		}
	}
	return found
}

// checkFilters enforces tick, lot, and notional alignment before any wire
// call, tagging the refusal reason for metrics.
func (w *Writer) checkFilters(t types.QuoteTarget) error {
	fl := w.filters.Get(t.Symbol)
	if !fl.TickSize.IsZero() && !t.Price.Mod(fl.TickSize).IsZero() {
		w.met.FilterRejects.WithLabelValues(rejectTickSize).Inc()
		return fmt.Errorf("%s %s price %s off tick %s: %w",
			t.Symbol, t.Side, t.Price, fl.TickSize, market.ErrFilterViolation)
	}
	if !fl.LotSize.IsZero() && !t.Qty.Mod(fl.LotSize).IsZero() {
		w.met.FilterRejects.WithLabelValues(rejectLotSize).Inc()
		return fmt.Errorf("%s %s qty %s off lot %s: %w",
			t.Symbol, t.Side, t.Qty, fl.LotSize, market.ErrFilterViolation)
	}
	if !fl.MeetsNotional(t.Price, t.Qty) {
		w.met.FilterRejects.WithLabelValues(rejectMinNotional).Inc()
		return fmt.Errorf("%s %s notional %s below %s: %w",
			t.Symbol, t.Side, t.Price.Mul(t.Qty), fl.MinNotional, market.ErrFilterViolation)
	}
	return nil
}

// wouldCross reports whether placing target would cross the opposite
// target or the opposite live order.
func (w *Writer) wouldCross(target types.QuoteTarget, opposite *types.QuoteTarget) bool {
	against := func(other decimal.Decimal) bool {
		if target.Side == types.SideBuy {
			return !target.Price.LessThan(other)
		}
		return !target.Price.GreaterThan(other)
	}
	if opposite != nil && against(opposite.Price) {
		return true
	}
	if live := w.liveOrder(target.Symbol, target.Side.Opposite()); live != nil && against(live.Price) {
		return true
	}
	return false
}

// newCID builds a client order ID: {symbol}-{side}-{monotonic_ms}-{rand4}.
// Unique and sortable by creation time within a symbol and side.
func (w *Writer) newCID(symbol string, side types.Side) string {
	rand4 := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return fmt.Sprintf("%s-%s-%d-%s", symbol, side, w.nowFunc().UnixMilli(), rand4)
}

func (w *Writer) placeOrder(ctx context.Context, target types.QuoteTarget, opposite *types.QuoteTarget) error {
	if err := w.checkFilters(target); err != nil {
		return err
	}
	if w.wouldCross(target, opposite) {
		w.met.FilterRejects.WithLabelValues(rejectCrossing).Inc()
		w.logger.Warn("crossing quote refused",
			"symbol", target.Symbol, "side", target.Side, "price", target.Price)
		return nil
	}

	cid := w.newCID(target.Symbol, target.Side)
	intent := types.Order{
		ClientOrderID: cid,
		Symbol:        target.Symbol,
		Side:          target.Side,
		Price:         target.Price,
		Qty:           target.Qty,
	}
	if err := w.store.Place(intent, cid); err != nil {
		return fmt.Errorf("place %s: store: %w", cid, err)
	}

	res, err := w.exch.Place(ctx, intent)
	if err != nil {
		w.met.Orders.WithLabelValues(exchange.OpPlace, "error").Inc()
		// Fatal rejections close the local record; transient failures leave
		// it pending for the reconciler to resolve.
		if !exchange.IsTransient(err) {
			if serr := w.store.UpdateState(cid, types.OrderRejected, "reject:"+cid); serr != nil {
				w.logger.Error("reject bookkeeping failed", "cid", cid, "error", serr)
			}
		}
		return fmt.Errorf("place %s: %w", cid, err)
	}

	if err := w.store.Ack(cid, res.ExchangeOrderID, "ack:"+cid); err != nil {
		w.logger.Error("ack bookkeeping failed", "cid", cid, "error", err)
	}
	w.met.Orders.WithLabelValues(exchange.OpPlace, "ok").Inc()
	w.logger.Debug("placed",
		"cid", cid, "side", target.Side, "price", target.Price, "qty", target.Qty)
	return nil
}

func (w *Writer) cancelOrder(ctx context.Context, current types.Order) error {
	idemKey := "cancel:" + current.ClientOrderID
	outcome, err := w.exch.Cancel(ctx, current.ExchangeOrderID, idemKey)
	if err != nil {
		w.met.Orders.WithLabelValues(exchange.OpCancel, "error").Inc()
		return fmt.Errorf("cancel %s: %w", current.ClientOrderID, err)
	}
	label := "ok"
	if outcome == exchange.CancelAlreadyDone {
		// Terminal on the venue already — likely filled or canceled during
		// our decision window. The stream or the reconciler settles which.
		label = "already_done"
	}
	w.met.Orders.WithLabelValues(exchange.OpCancel, label).Inc()

	if o, ok := w.store.Get(current.ClientOrderID); ok && !o.State.IsTerminal() {
		if err := w.store.UpdateState(current.ClientOrderID, types.OrderCanceled, idemKey); err != nil {
			w.logger.Error("cancel bookkeeping failed", "cid", current.ClientOrderID, "error", err)
		}
	}
	w.logger.Debug("canceled", "cid", current.ClientOrderID, "outcome", label)
	return nil
}

// amendOrCycle applies the amend-vs-cancel policy: amend in place when the
// order has rested long enough and the deltas are small, otherwise cancel,
// wait for the cancel to propagate, and place fresh.
func (w *Writer) amendOrCycle(ctx context.Context, current types.Order,
	target types.QuoteTarget, opposite *types.QuoteTarget, guard risk.State) error {
	cfg := w.config()

	if current.Price.Equal(target.Price) && current.RemainingQty().Equal(target.Qty) {
		return nil // already converged
	}

	dPriceBps := math.Abs(relDelta(current.Price, target.Price)) * 1e4
	dQty := math.Abs(relDelta(current.Qty, target.Qty))
	amendable := current.TimeInBook(w.nowFunc()) >= cfg.MinTimeInBook() &&
		dPriceBps <= cfg.AmendPriceThresholdBps &&
		dQty <= cfg.AmendSizeThreshold

	if guard.Level == risk.LevelSoft {
		// Only exposure-reducing amends while SOFT: away from the touch or
		// smaller size. Anything else keeps the current order.
		if !amendable || !reducesExposure(current, target) {
			w.met.Orders.WithLabelValues(exchange.OpAmend, "suppressed").Inc()
			return nil
		}
	}
	if guard.Level == risk.LevelHard {
		return w.cancelOrder(ctx, current)
	}

	if amendable {
		if err := w.checkFilters(target); err != nil {
			return err
		}
		if w.wouldCross(target, opposite) {
			w.met.FilterRejects.WithLabelValues(rejectCrossing).Inc()
			return nil
		}
		idemKey := fmt.Sprintf("amend:%s:%s:%s", current.ClientOrderID, target.Price, target.Qty)
		outcome, err := w.exch.Amend(ctx, current.ExchangeOrderID, target.Price, target.Qty, idemKey)
		if err != nil {
			w.met.Orders.WithLabelValues(exchange.OpAmend, "error").Inc()
			return fmt.Errorf("amend %s: %w", current.ClientOrderID, err)
		}
		if outcome == exchange.AmendOK {
			if err := w.store.Amend(current.ClientOrderID, target.Price, target.Qty, idemKey); err != nil {
				w.logger.Error("amend bookkeeping failed", "cid", current.ClientOrderID, "error", err)
			}
			w.met.Orders.WithLabelValues(exchange.OpAmend, "ok").Inc()
			w.logger.Debug("amended",
				"cid", current.ClientOrderID, "price", target.Price, "qty", target.Qty)
			return nil
		}
		// fallback_required: same logical target, reached by cancel+place.
		w.met.AmendFallbacks.Inc()
		w.met.Orders.WithLabelValues(exchange.OpAmend, "fallback").Inc()
	}

	if err := w.cancelOrder(ctx, current); err != nil {
		return err
	}
	if err := w.sleep(ctx, cfg.CancelPlaceGap()); err != nil {
		return err
	}
	return w.placeOrder(ctx, target, opposite)
}

// relDelta is (b-a)/a, or 0 for a == 0.
func relDelta(a, b decimal.Decimal) float64 {
	if a.IsZero() {
		return 0
	}
	return b.Sub(a).Div(a).InexactFloat64()
}

// reducesExposure reports whether moving current to target can only shrink
// risk: a smaller size, or a price further from the touch (lower bid,
// higher ask) with size not growing.
func reducesExposure(current types.Order, target types.QuoteTarget) bool {
	if target.Qty.GreaterThan(current.Qty) {
		return false
	}
	if target.Qty.LessThan(current.Qty) {
		return true
	}
	if current.Side == types.SideBuy {
		return target.Price.LessThan(current.Price)
	}
	return target.Price.GreaterThan(current.Price)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
