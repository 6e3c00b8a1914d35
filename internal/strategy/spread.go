package strategy

import (
	"github.com/shopspring/decimal"

	"maker-bot/internal/risk"
	"maker-bot/pkg/types"
)

const (
	// oneSidedWiden multiplies the half-spread when the book has only
	// one side and quotes are priced off the touch instead of a mid.
	oneSidedWiden = 2.0

	// notionalBumpCap bounds how far qty may be raised (as a multiple of
	// quote_qty) to satisfy min_notional before the side is skipped.
	notionalBumpCap = 10.0

	// latScorePerMs converts p95 latency into bps: one bp per 10 ms.
	latScorePerMs = 0.1
)

// computeSpreadBps composes the tick's spread from the configured base
// plus weighted signal scores, clamped to [min_spread_bps,
// max_spread_bps]. All scores are expressed in bps before weighting:
//
//	volatility: the mid-move EMA itself
//	liquidity:  base spread scaled by how thin the touch is vs our size
//	latency:    p95 in ms at 1 bp / 10 ms
//	pnl:        deviation from the daily baseline in pct of capital
func (p *Pipeline) computeSpreadBps(snap risk.Snapshot, book types.BookSnapshot) float64 {
	s := p.cfg.BaseSpreadBps +
		p.cfg.KVolSensitivity*snap.VolBps +
		p.cfg.KLiqSensitivity*p.liquidityScore(book) +
		p.cfg.KLatSensitivity*snap.LatencyP95Ms*latScorePerMs +
		p.cfg.KPnLSensitivity*snap.PnLDeviationPct
	return clampF(s, p.cfg.MinSpreadBps, p.cfg.MaxSpreadBps)
}

// liquidityScore widens as the thinner touch gets small relative to our
// own quote size: zero depth scores a full base spread, deep books score
// near zero.
func (p *Pipeline) liquidityScore(book types.BookSnapshot) float64 {
	q := p.cfg.QuoteQty
	if q <= 0 {
		return 0
	}
	depth := 0.0
	bid, okB := book.BestBid()
	ask, okA := book.BestAsk()
	switch {
	case okB && okA:
		depth = decimal.Min(bid.Qty, ask.Qty).InexactFloat64()
	case okB:
		depth = bid.Qty.InexactFloat64()
	case okA:
		depth = ask.Qty.InexactFloat64()
	}
	return p.cfg.BaseSpreadBps * q / (q + depth)
}

// buildTargets turns the spread into concrete bid/ask quote targets.
// Two-sided books center on the mid; one-sided books quote only the
// populated side, a widened half-spread behind its touch. Prices round
// with the directional bias (bid down, ask up); a post-rounding
// collision widens the ask one tick.
func (p *Pipeline) buildTargets(tc *TickContext, spreadBps float64) (bid, ask *types.QuoteTarget) {
	fl := p.filters.Get(tc.Symbol)
	qty := fl.RoundSize(decimal.NewFromFloat(p.cfg.QuoteQty))
	if !qty.IsPositive() {
		return nil, nil
	}

	half := decimal.NewFromFloat(spreadBps / 2 / 1e4)
	one := decimal.NewFromInt(1)

	if mid, ok := tc.Book.Mid(); ok {
		bid = p.sideTarget(tc.Symbol, types.SideBuy, mid.Mul(one.Sub(half)), qty, fl)
		ask = p.sideTarget(tc.Symbol, types.SideSell, mid.Mul(one.Add(half)), qty, fl)
		if bid != nil && ask != nil && !bid.Price.LessThan(ask.Price) {
			ask.Price = ask.Price.Add(fl.TickSize)
		}
		return bid, ask
	}

	wide := half.Mul(decimal.NewFromFloat(oneSidedWiden))
	if lv, ok := tc.Book.BestBid(); ok {
		return p.sideTarget(tc.Symbol, types.SideBuy, lv.Price.Mul(one.Sub(wide)), qty, fl), nil
	}
	if lv, ok := tc.Book.BestAsk(); ok {
		return nil, p.sideTarget(tc.Symbol, types.SideSell, lv.Price.Mul(one.Add(wide)), qty, fl)
	}
	return nil, nil
}

// sideTarget rounds one side's raw price to the grid and enforces
// min_notional, bumping qty up to the cap or dropping the side.
func (p *Pipeline) sideTarget(symbol string, side types.Side, raw, qty decimal.Decimal, fl types.SymbolFilters) *types.QuoteTarget {
	price := fl.RoundPrice(side, raw)
	if !price.IsPositive() {
		return nil
	}
	if !fl.MeetsNotional(price, qty) {
		need := fl.MinNotional.Div(price)
		if !fl.LotSize.IsZero() {
			need = need.Div(fl.LotSize).Ceil().Mul(fl.LotSize)
		}
		limit := decimal.NewFromFloat(p.cfg.QuoteQty * notionalBumpCap)
		if need.GreaterThan(limit) {
			return nil
		}
		qty = need
	}
	return &types.QuoteTarget{Symbol: symbol, Side: side, Price: price, Qty: qty}
}

// applySkew shifts both quotes by skewBps (positive = down, for long
// inventory) and re-rounds. The shift moves the pair, not the width, so
// one side never widens without the other narrowing.
func applySkew(bid, ask *types.QuoteTarget, skewBps float64, fl types.SymbolFilters) {
	if skewBps == 0 {
		return
	}
	factor := decimal.NewFromFloat(1 - skewBps/1e4)
	if bid != nil {
		bid.Price = fl.RoundPrice(types.SideBuy, bid.Price.Mul(factor))
	}
	if ask != nil {
		ask.Price = fl.RoundPrice(types.SideSell, ask.Price.Mul(factor))
	}
	if bid != nil && ask != nil && !bid.Price.LessThan(ask.Price) {
		ask.Price = ask.Price.Add(fl.TickSize)
	}
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
