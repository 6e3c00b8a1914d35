package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"maker-bot/internal/config"
	"maker-bot/internal/exchange"
	"maker-bot/internal/metrics"
	"maker-bot/internal/risk"
	"maker-bot/internal/store"
	"maker-bot/pkg/types"
)

// Guard reasons the reconciler can engage and release.
const (
	reasonHardDesync      = "hard_desync"
	reasonReconcileFailed = "reconcile_failed"
)

// Querier is the read-plus-cleanup exchange surface the reconciler uses.
// *exchange.Client satisfies it.
type Querier interface {
	FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
	FetchRecentHistory(ctx context.Context, symbol string, since time.Time, limit int) ([]types.Order, error)
	Cancel(ctx context.Context, exchangeOrderID, idemKey string) (exchange.CancelOutcome, error)
	CancelAll(ctx context.Context, symbol, idemKey string) ([]string, error)
}

// FillSink receives fills the reconciler discovered that the user stream
// never delivered, so positions and risk signals stay current.
type FillSink func(types.Fill)

// Reconciler periodically drives the local order store toward exchange
// truth. Each cycle diffs store-open orders against venue-open orders
// three ways:
//
//   - store-only: the venue no longer knows the order. Recent history
//     settles it — missed fills are applied, a terminal state adopted;
//     absent from history means it died unfilled and is closed canceled.
//   - exchange-only: an orphan we have no record of quoting. Canceled.
//   - mismatched: venue filled more than we recorded. The delta is applied
//     as a reconcile fill.
//
// A cycle whose divergence ratio exceeds hard_desync_ratio forces the
// HARD guard and flattens; a clean cycle afterwards releases it. Repeated
// cycle failures force HARD as well, since a bot that cannot see venue
// truth must not quote.
type Reconciler struct {
	cfg    config.ReconcileConfig
	exch   Querier
	store  *store.Store
	guards *risk.Evaluator
	fills  FillSink

	met     *metrics.Metrics
	logger  *slog.Logger
	nowFunc func() time.Time

	mu         sync.Mutex
	consecFail int
	desynced   bool
	failedHard bool
	lastClean  time.Time
}

// NewReconciler wires a reconciler. fills may be nil when no one needs
// discovered fills.
func NewReconciler(cfg config.ReconcileConfig, exch Querier, st *store.Store,
	guards *risk.Evaluator, fills FillSink, met *metrics.Metrics, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		exch:    exch,
		store:   st,
		guards:  guards,
		fills:   fills,
		met:     met,
		logger:  logger.With("component", "reconciler"),
		nowFunc: time.Now,
	}
}

// Run reconciles on the configured interval until ctx is done. One cycle
// runs immediately so a fresh start converges before the first tick
// interval elapses.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval())
	defer ticker.Stop()

	r.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

// LastClean returns when the most recent clean cycle finished. Zero means
// no clean cycle yet; health reporting treats a stale value as degraded.
func (r *Reconciler) LastClean() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastClean
}

// cycle wraps RunOnce with the failure escalation ladder.
func (r *Reconciler) cycle(ctx context.Context) {
	if err := r.RunOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.met.ReconRuns.WithLabelValues("error").Inc()

		r.mu.Lock()
		r.consecFail++
		trip := r.consecFail >= r.cfg.MaxConsecutiveFail && !r.failedHard
		if trip {
			r.failedHard = true
		}
		fails := r.consecFail
		r.mu.Unlock()

		r.logger.Error("reconcile cycle failed", "consecutive", fails, "error", err)
		if trip {
			r.guards.ForceHard(reasonReconcileFailed)
		}
		return
	}

	r.mu.Lock()
	r.consecFail = 0
	release := r.failedHard
	r.failedHard = false
	r.mu.Unlock()
	if release {
		r.guards.ClearForced(reasonReconcileFailed)
	}
}

// RunOnce performs a single reconcile pass. Exported for recovery and for
// the recover CLI subcommand, which reconciles once before quoting starts.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	local := r.store.ListOpen("")
	remote, err := r.exch.FetchOpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}

	remoteByCID := make(map[string]types.Order, len(remote))
	var orphans []types.Order // venue orders we never recorded
	for _, o := range remote {
		if o.ClientOrderID == "" {
			orphans = append(orphans, o)
			continue
		}
		if _, known := r.store.Get(o.ClientOrderID); known {
			remoteByCID[o.ClientOrderID] = o
		} else {
			orphans = append(orphans, o)
		}
	}

	divergent := 0

	// Store-only and mismatched records.
	var storeOnly []types.Order
	for _, lo := range local {
		ro, ok := remoteByCID[lo.ClientOrderID]
		if !ok {
			storeOnly = append(storeOnly, lo)
			divergent++
			continue
		}
		if ro.FilledQty.GreaterThan(lo.FilledQty) {
			divergent++
			if err := r.adoptFillDelta(lo, ro); err != nil {
				r.logger.Error("fill adoption failed", "cid", lo.ClientOrderID, "error", err)
			}
		}
	}
	divergent += len(orphans)

	union := len(local) + len(orphans)
	ratio := 0.0
	if union > 0 {
		ratio = float64(divergent) / float64(union)
	}
	r.met.ReconDivergence.Set(ratio)

	if ratio > r.cfg.HardDesyncRatio {
		// The two books disagree too much for incremental repair. Flatten
		// and let the next cycles rebuild from a known-empty state.
		r.mu.Lock()
		r.desynced = true
		r.mu.Unlock()
		r.guards.ForceHard(reasonHardDesync)
		r.met.ReconRuns.WithLabelValues("hard_desync").Inc()
		r.logger.Error("hard desync, flattening",
			"ratio", ratio, "local", len(local), "remote", len(remote), "divergent", divergent)

		if _, err := r.exch.CancelAll(ctx, "", "cancel_all:"+uuid.NewString()); err != nil {
			return fmt.Errorf("desync flatten: %w", err)
		}
		if _, err := r.store.CancelAllOpen("recon:flatten:" + uuid.NewString()); err != nil {
			return fmt.Errorf("desync flatten: store: %w", err)
		}
		return nil
	}

	if err := r.settleStoreOnly(ctx, storeOnly); err != nil {
		return err
	}
	for _, o := range orphans {
		r.met.ReconOrphans.Inc()
		r.logger.Warn("orphan order on venue, canceling",
			"eid", o.ExchangeOrderID, "symbol", o.Symbol, "side", o.Side)
		if _, err := r.exch.Cancel(ctx, o.ExchangeOrderID, "recon:"+o.ExchangeOrderID); err != nil {
			return fmt.Errorf("cancel orphan %s: %w", o.ExchangeOrderID, err)
		}
	}

	if divergent == 0 {
		r.mu.Lock()
		release := r.desynced
		r.desynced = false
		r.lastClean = r.nowFunc()
		r.mu.Unlock()
		if release {
			r.guards.ClearForced(reasonHardDesync)
			r.logger.Info("desync cleared after clean cycle")
		}
		r.met.ReconRuns.WithLabelValues("clean").Inc()
		return nil
	}
	r.met.ReconRuns.WithLabelValues("drift").Inc()
	r.logger.Warn("reconcile drift repaired",
		"store_only", len(storeOnly), "orphans", len(orphans), "ratio", ratio)
	return nil
}

// settleStoreOnly resolves records the venue no longer lists as open, using
// recent history: fills the venue saw get applied, its terminal state is
// adopted, and an order absent from history is closed canceled.
func (r *Reconciler) settleStoreOnly(ctx context.Context, storeOnly []types.Order) error {
	if len(storeOnly) == 0 {
		return nil
	}
	since := r.nowFunc().Add(-time.Duration(r.cfg.HistoryLookbackMs) * time.Millisecond)
	history, err := r.exch.FetchRecentHistory(ctx, "", since, r.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	histByCID := make(map[string]types.Order, len(history))
	for _, h := range history {
		if h.ClientOrderID != "" {
			histByCID[h.ClientOrderID] = h
		}
	}

	for _, lo := range storeOnly {
		h, ok := histByCID[lo.ClientOrderID]
		if !ok {
			// Never reached the venue, or expired beyond the lookback.
			// Either way it is not live; close it out.
			r.adoptState(lo.ClientOrderID, types.OrderCanceled)
			continue
		}
		if h.FilledQty.GreaterThan(lo.FilledQty) {
			if err := r.adoptFillDelta(lo, h); err != nil {
				r.logger.Error("fill adoption failed", "cid", lo.ClientOrderID, "error", err)
			}
		}
		switch {
		case h.State.IsTerminal():
			r.adoptState(lo.ClientOrderID, h.State)
		default:
			// History says it is still live but the open-orders list
			// disagreed. Leave it for the next cycle rather than guess.
			r.logger.Warn("ambiguous order state, deferring",
				"cid", lo.ClientOrderID, "history_state", h.State)
		}
	}
	return nil
}

// adoptFillDelta applies the venue's extra filled quantity as one
// reconcile fill, priced at the venue's average fill price.
func (r *Reconciler) adoptFillDelta(local, remote types.Order) error {
	delta := remote.FilledQty.Sub(local.FilledQty)
	price := remote.AvgFillPrice
	if price.IsZero() {
		price = local.Price
	}
	idemKey := fmt.Sprintf("recon:fill:%s:%s", local.ClientOrderID, remote.FilledQty)
	if err := r.store.ApplyFill(local.ClientOrderID, delta, price, idemKey); err != nil {
		return err
	}
	r.logger.Warn("missed fill adopted",
		"cid", local.ClientOrderID, "qty", delta, "price", price)
	if r.fills != nil {
		r.fills(types.Fill{
			ClientOrderID:   local.ClientOrderID,
			ExchangeOrderID: local.ExchangeOrderID,
			Symbol:          local.Symbol,
			Side:            local.Side,
			Qty:             delta,
			Price:           price,
			TS:              r.nowFunc(),
		})
	}
	return nil
}

// adoptState moves a record to the venue's terminal state, tolerating
// records a stream event already settled.
func (r *Reconciler) adoptState(cid string, state types.OrderState) {
	if o, ok := r.store.Get(cid); !ok || o.State.IsTerminal() {
		return
	}
	idemKey := fmt.Sprintf("recon:state:%s:%s", cid, state)
	if err := r.store.UpdateState(cid, state, idemKey); err != nil {
		r.logger.Error("state adoption failed", "cid", cid, "state", state, "error", err)
		return
	}
	r.logger.Warn("order state adopted from venue", "cid", cid, "state", state)
}
