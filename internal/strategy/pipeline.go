// Package strategy turns market state into quotes, one deadline-bounded
// tick at a time.
//
// Each tick runs the same ordered stages over a per-symbol TickContext:
//
//  1. FetchMD    — pricing-grade book snapshot from the MD cache
//  2. Spread     — spread_bps from base + weighted vol/liquidity/latency/
//     PnL scores, clamped; bid/ask targets centered on mid
//  3. Guards     — evaluate the risk ladder; HARD empties the target set
//     and flags cancel-all
//  4. Inventory  — shift the pair by clamp(k_inv·skew, ±max_skew_bps)
//  5. QueueAware — nudge a queue-starved side up to one tick toward the
//     touch, never crossing
//  6. Emit       — hand the final QuoteSet to the order lifecycle writer
//
// Stages return tagged results instead of errors; the pipeline aborts
// with a deadline miss whenever the remaining budget drops under the
// minimum Emit budget. The scheduler skips, never queues, overlapping
// ticks.
package strategy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"maker-bot/internal/config"
	"maker-bot/internal/market"
	"maker-bot/internal/metrics"
	"maker-bot/internal/risk"
	"maker-bot/pkg/types"
)

// StageResult tags a stage or tick outcome. These are expected control
// flow, not errors.
type StageResult string

const (
	StageOK           StageResult = "ok"
	StageDeadlineMiss StageResult = "deadline_miss"
	StageGuardBlocked StageResult = "guard_blocked"
	StageSkipped      StageResult = "skipped"
)

// MarketData serves freshness-tagged book snapshots. Implemented by the
// MD cache.
type MarketData interface {
	Get(ctx context.Context, symbol string, mode market.Mode) (market.Result, error)
}

// Emitter receives the final per-tick quote set. Implemented by the
// order lifecycle writer.
type Emitter interface {
	Apply(ctx context.Context, quotes types.QuoteSet) error
}

// TickContext carries one symbol's state through the stages of a single
// tick.
type TickContext struct {
	Symbol   string
	Started  time.Time
	Deadline time.Time

	Book      types.BookSnapshot
	CacheHit  string
	CacheAge  time.Duration
	UsedStale bool
	Mid       decimal.Decimal
	HasMid    bool

	SpreadBps float64
	SkewBps   float64
	Guard     risk.State

	Quotes types.QuoteSet
	Result StageResult // set by a stage to tag the tick without aborting it
}

type stage struct {
	name string
	run  func(context.Context, *TickContext) StageResult
}

// Pipeline owns the per-tick quote generation for all symbols. One
// RunTick call handles one symbol; the scheduler serializes calls per
// symbol group.
type Pipeline struct {
	cfg       config.StrategyConfig
	engCfg    config.EngineConfig
	invTarget float64

	md        MarketData
	filters   *market.Filters
	positions *PositionBook
	queue     *QueueTracker
	guards    *risk.Evaluator
	signals   *risk.Signals
	emitter   Emitter

	met     *metrics.Metrics
	logger  *slog.Logger
	nowFunc func() time.Time

	stages []stage
}

// New wires the pipeline. invTarget comes from risk config and
// normalizes the inventory skew.
func New(
	cfg config.StrategyConfig,
	engCfg config.EngineConfig,
	riskCfg config.RiskConfig,
	md MarketData,
	filters *market.Filters,
	positions *PositionBook,
	guards *risk.Evaluator,
	emitter Emitter,
	met *metrics.Metrics,
	logger *slog.Logger,
) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		engCfg:    engCfg,
		invTarget: riskCfg.InventoryTarget,
		md:        md,
		filters:   filters,
		positions: positions,
		queue:     NewQueueTracker(cfg),
		guards:    guards,
		signals:   guards.Signals(),
		emitter:   emitter,
		met:       met,
		logger:    logger.With("component", "pipeline"),
		nowFunc:   time.Now,
	}
	p.stages = []stage{
		{"fetch_md", p.stageFetchMD},
		{"spread", p.stageSpread},
		{"guards", p.stageGuards},
		{"inventory", p.stageInventory},
		{"queue_aware", p.stageQueueAware},
		{"emit", p.stageEmit},
	}
	return p
}

// RunTick executes one tick for one symbol. The context's deadline is
// the tick budget; the tick aborts once the remaining budget cannot
// cover the minimum Emit budget.
func (p *Pipeline) RunTick(ctx context.Context, symbol string) StageResult {
	tc := &TickContext{Symbol: symbol, Started: p.nowFunc()}
	if dl, ok := ctx.Deadline(); ok {
		tc.Deadline = dl
	}

	result := StageOK
	for _, st := range p.stages {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				result = StageSkipped
			} else {
				result = StageDeadlineMiss
			}
			break
		}
		if p.outOfBudget(tc.Deadline) {
			result = StageDeadlineMiss
			break
		}
		t0 := p.nowFunc()
		res := st.run(ctx, tc)
		p.met.StageDuration.WithLabelValues(st.name).Observe(p.nowFunc().Sub(t0).Seconds())
		if res != StageOK {
			result = res
			break
		}
	}
	if result == StageOK && tc.Result != "" {
		result = tc.Result
	}

	p.met.Ticks.WithLabelValues(string(result)).Inc()
	p.met.TickDuration.Observe(p.nowFunc().Sub(tc.Started).Seconds())
	if result == StageDeadlineMiss {
		p.met.DeadlineMiss.Inc()
	}
	return result
}

// outOfBudget reports whether the remaining time before the deadline is
// below the minimum Emit budget.
func (p *Pipeline) outOfBudget(deadline time.Time) bool {
	if deadline.IsZero() {
		return false
	}
	return p.nowFunc().Add(p.engCfg.EmitMinBudget()).After(deadline)
}

func (p *Pipeline) stageFetchMD(ctx context.Context, tc *TickContext) StageResult {
	res, err := p.md.Get(ctx, tc.Symbol, market.FreshForPricing)
	if err != nil {
		p.logger.Warn("market data unavailable, skipping tick",
			"symbol", tc.Symbol, "error", err)
		return StageSkipped
	}
	tc.Book = res.Book
	tc.CacheHit = res.Hit
	tc.CacheAge = res.Age
	tc.UsedStale = res.UsedStale

	if mid, ok := tc.Book.Mid(); ok {
		tc.Mid = mid
		tc.HasMid = true
		p.signals.ObserveMid(tc.Symbol, mid.InexactFloat64())
	}
	p.queue.ObserveBook(tc.Book)
	return StageOK
}

func (p *Pipeline) stageSpread(_ context.Context, tc *TickContext) StageResult {
	tc.SpreadBps = p.computeSpreadBps(p.signals.Snapshot(), tc.Book)
	bid, ask := p.buildTargets(tc, tc.SpreadBps)
	tc.Quotes = types.QuoteSet{Symbol: tc.Symbol, Bid: bid, Ask: ask}
	return StageOK
}

func (p *Pipeline) stageGuards(_ context.Context, tc *TickContext) StageResult {
	tc.Guard = p.guards.Evaluate()
	if tc.Guard.Level == risk.LevelHard {
		tc.Quotes.Bid = nil
		tc.Quotes.Ask = nil
		tc.Quotes.CancelAll = true
		tc.Result = StageGuardBlocked
	}
	return StageOK
}

func (p *Pipeline) stageInventory(_ context.Context, tc *TickContext) StageResult {
	if tc.Quotes.Bid == nil && tc.Quotes.Ask == nil {
		return StageOK
	}
	skew := p.positions.Skew(tc.Symbol, p.invTarget)
	tc.SkewBps = clampF(p.cfg.KInv*skew, -p.cfg.MaxSkewBps, p.cfg.MaxSkewBps)
	applySkew(tc.Quotes.Bid, tc.Quotes.Ask, tc.SkewBps, p.filters.Get(tc.Symbol))
	return StageOK
}

func (p *Pipeline) stageQueueAware(_ context.Context, tc *TickContext) StageResult {
	qs := &tc.Quotes
	if qs.Bid == nil && qs.Ask == nil {
		return StageOK
	}
	fl := p.filters.Get(tc.Symbol)
	if fl.TickSize.IsZero() || p.cfg.QueueNudgeTicks <= 0 {
		return StageOK
	}
	nudge := fl.TickSize.Mul(decimal.NewFromInt(int64(p.cfg.QueueNudgeTicks)))

	if qs.Bid != nil {
		ahead := tc.Book.DepthAt(types.SideBuy, qs.Bid.Price)
		if p.queue.Unfavorable(tc.Symbol, types.SideBuy, ahead) {
			cand := qs.Bid.Price.Add(nudge)
			if okAboveBid := qs.Ask == nil || cand.LessThan(qs.Ask.Price); okAboveBid && !p.crossesBook(tc.Book, types.SideBuy, cand) {
				qs.Bid.Price = cand
			}
		}
	}
	if qs.Ask != nil {
		ahead := tc.Book.DepthAt(types.SideSell, qs.Ask.Price)
		if p.queue.Unfavorable(tc.Symbol, types.SideSell, ahead) {
			cand := qs.Ask.Price.Sub(nudge)
			if ok := cand.IsPositive() && (qs.Bid == nil || cand.GreaterThan(qs.Bid.Price)); ok && !p.crossesBook(tc.Book, types.SideSell, cand) {
				qs.Ask.Price = cand
			}
		}
	}
	return StageOK
}

// crossesBook reports whether a price on the given side would cross the
// opposite touch and trade as a taker.
func (p *Pipeline) crossesBook(book types.BookSnapshot, side types.Side, price decimal.Decimal) bool {
	if side == types.SideBuy {
		if ask, ok := book.BestAsk(); ok {
			return !price.LessThan(ask.Price)
		}
		return false
	}
	if bid, ok := book.BestBid(); ok {
		return !price.GreaterThan(bid.Price)
	}
	return false
}

func (p *Pipeline) stageEmit(ctx context.Context, tc *TickContext) StageResult {
	tc.Quotes.GeneratedAt = p.nowFunc()
	if err := p.emitter.Apply(ctx, tc.Quotes); err != nil {
		p.logger.Warn("quote emission failed", "symbol", tc.Symbol, "error", err)
		p.met.Errors.WithLabelValues("emit").Inc()
		return StageOK
	}
	p.logger.Debug("quotes emitted",
		"symbol", tc.Symbol,
		"spread_bps", tc.SpreadBps,
		"skew_bps", tc.SkewBps,
		"bid", quotePrice(tc.Quotes.Bid),
		"ask", quotePrice(tc.Quotes.Ask),
		"cancel_all", tc.Quotes.CancelAll,
		"cache_hit", tc.CacheHit,
		"used_stale", tc.UsedStale,
	)
	return StageOK
}

func quotePrice(q *types.QuoteTarget) string {
	if q == nil {
		return "none"
	}
	return q.Price.String()
}
