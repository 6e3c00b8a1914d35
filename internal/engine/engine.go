// Package engine is the composition root of the market-making bot.
//
// It wires together all subsystems:
//
//  1. The exchange adapter: REST client behind the circuit gate plus the
//     market and user WebSocket feeds.
//  2. The market-data cache and symbol filter cache feeding the pipeline.
//  3. The durable order store and the position book, updated from the
//     user stream and the reconciler.
//  4. The risk signals and guard evaluator.
//  5. The order lifecycle writer, the strategy pipeline, the per-symbol
//     tick scheduler, and the periodic reconciler.
//
// Lifecycle: New() → Run(ctx) → [runs until the context is canceled] →
// graceful shutdown (optional cancel-all, final snapshot).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"maker-bot/internal/api"
	"maker-bot/internal/config"
	"maker-bot/internal/exchange"
	"maker-bot/internal/market"
	"maker-bot/internal/metrics"
	"maker-bot/internal/orders"
	"maker-bot/internal/risk"
	"maker-bot/internal/secrets"
	"maker-bot/internal/store"
	"maker-bot/internal/strategy"
	"maker-bot/pkg/types"
)

const (
	// probeInterval is the cadence of the health probe that feeds clock
	// drift and the equity signal.
	probeInterval = 10 * time.Second

	// shutdownBudget bounds the cancel-on-exit flatten and final snapshot.
	shutdownBudget = 10 * time.Second

	// fillReorderWindow bounds how many out-of-order fill events are
	// parked waiting for a sequence gap to close. Beyond it the buffer is
	// flushed in sequence order; the store's idempotency keys make any
	// duplicate delivery harmless.
	fillReorderWindow = 256
)

// Engine owns every long-lived component and their goroutines.
type Engine struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	client  *exchange.Client
	mktFeed *exchange.WSFeed
	usrFeed *exchange.WSFeed

	cache     *market.Cache
	filters   *market.Filters
	store     *store.Store
	signals   *risk.Signals
	guards    *risk.Evaluator
	positions *strategy.PositionBook
	writer    *orders.Writer
	recon     *orders.Reconciler
	sched     *Scheduler

	// pipeline is swapped atomically on hot reload; the scheduler's tick
	// closure loads it per tick.
	pipeline atomic.Pointer[strategy.Pipeline]

	// fill sequence reordering for the user stream
	fillMu      sync.Mutex
	fillNextSeq uint64
	fillParked  map[uint64]types.Fill

	met       *metrics.Metrics
	logger    *slog.Logger
	startedAt time.Time
}

// New creates and wires all engine components. Credentials resolve through
// the configured secrets provider; nothing touches the network yet.
func New(cfg *config.Config, met *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	provider, err := secrets.NewProvider(cfg.Exchange.SecretsSource, cfg.Exchange.SecretsFile,
		secrets.Credentials{APIKey: cfg.Exchange.APIKey, APISecret: cfg.Exchange.APISecret})
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	auth, err := exchange.NewAuth(provider)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	client := exchange.NewClient(*cfg, auth, met, logger)
	mktFeed := exchange.NewMarketFeed(cfg.Exchange.WSMarketURL, met, logger)
	usrFeed := exchange.NewUserFeed(cfg.Exchange.WSUserURL, auth, met, logger)

	st, err := store.Open(cfg.Store, met, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	signals := risk.NewSignals(cfg.Risk)
	guards := risk.NewEvaluator(cfg.Risk, signals, met, logger)
	client.SetObserver(func(d time.Duration, ok bool) {
		signals.ObserveLatency(d)
		signals.RecordExchangeResult(ok)
	})

	cache := market.NewCache(client, cfg.MDCache, met, logger)
	filters := market.NewFilters(client, logger)
	positions := strategy.NewPositionBook()
	writer := orders.NewWriter(cfg.Strategy, client, st, filters, guards, met, logger)

	e := &Engine{
		cfg:        cfg,
		client:     client,
		mktFeed:    mktFeed,
		usrFeed:    usrFeed,
		cache:      cache,
		filters:    filters,
		store:      st,
		signals:    signals,
		guards:     guards,
		positions:  positions,
		writer:     writer,
		fillParked: make(map[uint64]types.Fill),
		met:        met,
		logger:     logger.With("component", "engine"),
		startedAt:  time.Now(),
	}

	e.recon = orders.NewReconciler(cfg.Reconcile, client, st, guards, e.trackFill, met, logger)
	e.pipeline.Store(strategy.New(cfg.Strategy, cfg.Engine, cfg.Risk,
		cache, filters, positions, guards, writer, met, logger))
	e.sched = NewScheduler(cfg.Engine, e.runTick, client.Gate(), met, logger)

	// Stream gaps invalidate trust in mirrored state. A market reconnect
	// drops every book mirror; a user reconnect forces a reconcile pass to
	// pick up whatever the stream missed while down.
	mktFeed.SetReconnectHook(func(down time.Duration) {
		cache.InvalidateAll("ws_reconnect")
	})
	usrFeed.SetReconnectHook(func(down time.Duration) {
		ctx, cancel := context.WithTimeout(context.Background(), probeInterval)
		defer cancel()
		if err := e.recon.RunOnce(ctx); err != nil {
			e.logger.Warn("post-reconnect reconcile failed", "down", down, "error", err)
		}
	})

	return e, nil
}

// runTick loads the current pipeline and runs one tick. Indirection point
// for hot reload.
func (e *Engine) runTick(ctx context.Context, symbol string) strategy.StageResult {
	return e.pipeline.Load().RunTick(ctx, symbol)
}

func (e *Engine) config() *config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Recover reloads durable state and reconciles once against the venue.
// Called before Run starts quoting, and standalone by the recover
// subcommand.
func (e *Engine) Recover(ctx context.Context) error {
	open, err := e.store.Recover()
	if err != nil {
		return fmt.Errorf("recover store: %w", err)
	}
	for _, inv := range e.store.Inventories() {
		e.positions.Restore(strategy.Position{Symbol: inv.Symbol, Qty: inv.Position})
		e.signals.SetInventory(inv.Symbol, inv.Position.InexactFloat64())
	}
	e.logger.Info("state recovered",
		"open_orders", len(open), "symbols", len(e.store.Inventories()))

	if err := e.recon.RunOnce(ctx); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	return nil
}

// SnapshotNow forces one durable snapshot. Used by the snapshot-now
// subcommand.
func (e *Engine) SnapshotNow() error {
	return e.store.Snapshot()
}

// Run starts every component and blocks until ctx is canceled and the
// shutdown sequence has finished.
func (e *Engine) Run(ctx context.Context) error {
	cfg := e.config()

	if err := e.Recover(ctx); err != nil {
		return err
	}
	e.filters.Prime(ctx, cfg.Engine.Symbols)
	if err := e.cache.Warm(ctx, cfg.Engine.Symbols); err != nil {
		// Quoting can start on stream data or REST misses; warming is an
		// optimization, not a precondition.
		e.logger.Warn("cache warm incomplete", "error", err)
	}
	if err := e.mktFeed.Subscribe(cfg.Engine.Symbols); err != nil {
		return fmt.Errorf("subscribe market feed: %w", err)
	}
	if err := e.usrFeed.Subscribe(cfg.Engine.Symbols); err != nil {
		return fmt.Errorf("subscribe user feed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.mktFeed.Run(gctx) })
	g.Go(func() error { return e.usrFeed.Run(gctx) })
	g.Go(func() error { e.ingestMarket(gctx); return nil })
	g.Go(func() error { e.ingestUser(gctx); return nil })
	g.Go(func() error { e.sched.Run(gctx); return nil })
	g.Go(func() error { e.recon.Run(gctx); return nil })
	g.Go(func() error { e.snapshotLoop(gctx); return nil })
	g.Go(func() error { e.probeLoop(gctx); return nil })

	e.logger.Info("engine running",
		"symbols", cfg.Engine.Symbols, "dry_run", cfg.DryRun,
		"tick_interval", cfg.Engine.TickInterval())

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		e.logger.Error("component failed, shutting down", "error", err)
	}
	e.shutdown()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// shutdown flattens (when configured), snapshots, and closes the store.
// Runs on a fresh context: the run context is already dead.
func (e *Engine) shutdown() {
	cfg := e.config()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	if cfg.Exchange.CancelOnExit {
		if err := e.writer.FlattenSymbol(ctx, "", "shutdown"); err != nil {
			e.logger.Error("cancel on exit failed", "error", err)
		}
	}
	if err := e.store.Snapshot(); err != nil {
		e.logger.Error("final snapshot failed", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("engine stopped")
}

// ApplyConfig applies a validated hot reload. Only the runtime-mutable
// sections reach running components; everything else keeps its boot-time
// value until restart.
func (e *Engine) ApplyConfig(next *config.Config) {
	e.cfgMu.Lock()
	prev := e.cfg
	e.cfg = next
	e.cfgMu.Unlock()

	e.writer.UpdateConfig(next.Strategy)
	e.cache.UpdateConfig(next.MDCache)
	e.signals.UpdateConfig(next.Risk)
	e.guards.UpdateConfig(next.Risk)
	e.pipeline.Store(strategy.New(next.Strategy, prev.Engine, next.Risk,
		e.cache, e.filters, e.positions, e.guards, e.writer, e.met, e.logger))

	e.logger.Info("config reloaded",
		"spread_bps", next.Strategy.BaseSpreadBps, "md_ttl_ms", next.MDCache.TTLMs)
}

// ————————————————————————————————————————————————————————————————————————
// Stream ingestion
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) ingestMarket(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-e.mktFeed.BookEvents():
			e.cache.ApplyBookEvent(evt)
		case evt := <-e.mktFeed.DeltaEvents():
			e.cache.ApplyDelta(evt)
		}
	}
}

func (e *Engine) ingestUser(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-e.usrFeed.OrderEvents():
			e.onOrderEvent(evt)
		case evt := <-e.usrFeed.FillEvents():
			e.onFillEvent(evt)
		}
	}
}

// onOrderEvent folds one user-stream lifecycle notification into the
// store. Fill quantities ride the fill events, so partial fills carry no
// state work here.
func (e *Engine) onOrderEvent(evt types.WSOrderEvent) {
	cid := evt.ClientOrderID
	if cid == "" {
		return
	}
	if _, known := e.store.Get(cid); !known {
		// Not ours, or a record the reconciler already pruned.
		e.logger.Debug("order event for unknown cid", "cid", cid, "status", evt.Status)
		return
	}

	switch types.OrderState(evt.Status) {
	case types.OrderOpen:
		if err := e.store.Ack(cid, evt.ExchangeOrderID, "ack:"+cid); err != nil {
			e.logger.Warn("stream ack failed", "cid", cid, "error", err)
		}
	case types.OrderCanceled, types.OrderRejected, types.OrderFilled:
		if o, ok := e.store.Get(cid); ok && !o.State.IsTerminal() {
			idemKey := fmt.Sprintf("stream:state:%s:%s", cid, evt.Status)
			if err := e.store.UpdateState(cid, types.OrderState(evt.Status), idemKey); err != nil {
				e.logger.Warn("stream state update failed",
					"cid", cid, "status", evt.Status, "error", err)
			}
		}
	case types.OrderPartiallyFilled:
		// handled by the fill path
	default:
		e.logger.Warn("unknown order status on stream", "cid", cid, "status", evt.Status)
	}
}

// onFillEvent parses and sequence-orders one fill event. Fills apply in
// sequence order when possible; a gap parks later fills until it closes or
// the window overflows.
func (e *Engine) onFillEvent(evt types.WSFillEvent) {
	qty, err := decimal.NewFromString(evt.Qty)
	if err != nil {
		e.logger.Warn("bad fill qty on stream", "cid", evt.ClientOrderID, "qty", evt.Qty)
		return
	}
	price, err := decimal.NewFromString(evt.Price)
	if err != nil {
		e.logger.Warn("bad fill price on stream", "cid", evt.ClientOrderID, "price", evt.Price)
		return
	}
	fill := types.Fill{
		ClientOrderID:   evt.ClientOrderID,
		ExchangeOrderID: evt.ExchangeOrderID,
		Symbol:          evt.Symbol,
		Side:            types.Side(evt.Side),
		Qty:             qty,
		Price:           price,
		Seq:             evt.Seq,
	}
	if ms, err := parseMillis(evt.Timestamp); err == nil {
		fill.TS = ms
	}

	e.fillMu.Lock()
	switch {
	case e.fillNextSeq == 0 || fill.Seq == e.fillNextSeq:
		e.fillNextSeq = fill.Seq + 1
		ready := []types.Fill{fill}
		for {
			next, ok := e.fillParked[e.fillNextSeq]
			if !ok {
				break
			}
			delete(e.fillParked, e.fillNextSeq)
			ready = append(ready, next)
			e.fillNextSeq++
		}
		e.fillMu.Unlock()
		for _, f := range ready {
			e.onFill(f)
		}

	case fill.Seq < e.fillNextSeq:
		// Late duplicate; the idempotency key already absorbed it.
		e.fillMu.Unlock()

	default:
		e.fillParked[fill.Seq] = fill
		overflow := len(e.fillParked) > fillReorderWindow
		var flush []types.Fill
		if overflow {
			// The gap is not going to close. Flush everything in order and
			// resynchronize past it.
			flush = drainParked(e.fillParked, &e.fillNextSeq)
		}
		e.fillMu.Unlock()
		if overflow {
			e.met.StreamGaps.Inc()
			e.logger.Warn("fill sequence gap abandoned", "flushed", len(flush))
			for _, f := range flush {
				e.onFill(f)
			}
		}
	}
}

// drainParked empties the reorder buffer in ascending sequence order and
// advances nextSeq past the last entry. Caller holds fillMu.
func drainParked(parked map[uint64]types.Fill, nextSeq *uint64) []types.Fill {
	out := make([]types.Fill, 0, len(parked))
	for len(parked) > 0 {
		var minSeq uint64
		for s := range parked {
			if minSeq == 0 || s < minSeq {
				minSeq = s
			}
		}
		out = append(out, parked[minSeq])
		delete(parked, minSeq)
		*nextSeq = minSeq + 1
	}
	return out
}

// onFill applies one in-order stream fill to the store, then the
// in-memory trackers.
func (e *Engine) onFill(f types.Fill) {
	idemKey := fmt.Sprintf("fill:%s:%d", f.ClientOrderID, f.Seq)
	if err := e.store.ApplyFill(f.ClientOrderID, f.Qty, f.Price, idemKey); err != nil {
		e.logger.Warn("fill apply failed",
			"cid", f.ClientOrderID, "qty", f.Qty, "error", err)
		return
	}
	e.trackFill(f)
}

// trackFill updates the position book and the inventory signal for one
// fill already recorded in the store. Also the reconciler's fill sink: the
// reconciler writes the store itself, so its discovered fills enter here.
func (e *Engine) trackFill(f types.Fill) {
	e.positions.OnFill(f)
	pos := e.positions.Position(f.Symbol)
	e.signals.SetInventory(f.Symbol, pos.Qty.InexactFloat64())
	e.logger.Info("fill",
		"cid", f.ClientOrderID, "side", f.Side, "qty", f.Qty, "price", f.Price,
		"position", pos.Qty)
}

// ————————————————————————————————————————————————————————————————————————
// Periodic loops
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) snapshotLoop(ctx context.Context) {
	interval := time.Duration(e.config().Store.SnapshotIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.Snapshot(); err != nil {
				e.logger.Error("periodic snapshot failed", "error", err)
			}
		}
	}
}

// probeLoop keeps the slow risk signals current: venue clock drift from
// the health endpoint and total PnL marked against cached mids.
func (e *Engine) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if serverTime, err := e.client.Health(ctx); err == nil && !serverTime.IsZero() {
				e.signals.RecordClockDrift(time.Since(serverTime))
			}
			e.updateEquity(ctx)
			e.guards.Evaluate()
		}
	}
}

func (e *Engine) updateEquity(ctx context.Context) {
	mids := make(map[string]decimal.Decimal)
	for _, sym := range e.config().Engine.Symbols {
		res, err := e.cache.Get(ctx, sym, market.StaleOK)
		if err != nil {
			continue
		}
		if mid, ok := res.Book.Mid(); ok {
			mids[sym] = mid
		}
	}
	e.signals.UpdateEquity(e.positions.TotalPnL(mids).InexactFloat64())
}

// ————————————————————————————————————————————————————————————————————————
// Status
// ————————————————————————————————————————————————————————————————————————

// Status reports the operational state served by the API.
func (e *Engine) Status() api.Status {
	cfg := e.config()
	guard := e.guards.State()
	circuit := e.client.Gate().Snapshot()

	var positions []api.PositionStatus
	for _, sym := range cfg.Engine.Symbols {
		p := e.positions.Position(sym)
		if p.Qty.IsZero() && p.RealizedPnL.IsZero() {
			continue
		}
		positions = append(positions, api.PositionStatus{
			Symbol:      sym,
			Qty:         p.Qty,
			AvgEntry:    p.AvgEntry,
			RealizedPnL: p.RealizedPnL,
		})
	}

	cacheAges := make(map[string]int64)
	for sym, age := range e.cache.Ages() {
		if age < 0 {
			cacheAges[sym] = -1
			continue
		}
		cacheAges[sym] = age.Milliseconds()
	}

	return api.Status{
		DryRun:         cfg.DryRun,
		Symbols:        cfg.Engine.Symbols,
		StartedAt:      e.startedAt,
		GuardLevel:     guard.Level.String(),
		GuardReasons:   guard.Reasons,
		CircuitState:   circuit.State.String(),
		MarketStreamUp: e.mktFeed.Connected(),
		UserStreamUp:   e.usrFeed.Connected(),
		ReconLastClean: e.recon.LastClean(),
		OpenOrders:     len(e.store.ListOpen("")),
		Positions:      positions,
		CacheAgesMs:    cacheAges,
	}
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
