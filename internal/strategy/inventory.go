package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"maker-bot/pkg/types"
)

// Position is the strategy-side view of holdings in one symbol: signed
// base quantity, volume-weighted entry price of the open leg, and PnL
// realized by reducing fills. The durable store keeps the authoritative
// fill ledger; this book exists so the skew stage and the equity signal
// can read position state without touching the store on the tick path.
type Position struct {
	Symbol      string          `json:"symbol"`
	Qty         decimal.Decimal `json:"qty"` // signed, + long / - short
	AvgEntry    decimal.Decimal `json:"avg_entry"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	LastUpdated time.Time       `json:"last_updated"`
}

// UnrealizedPnL marks the open leg against the given mid.
func (p Position) UnrealizedPnL(mid decimal.Decimal) decimal.Decimal {
	if p.Qty.IsZero() {
		return decimal.Zero
	}
	return mid.Sub(p.AvgEntry).Mul(p.Qty)
}

// PositionBook tracks positions across symbols, updated from fills only.
// Thread-safe.
type PositionBook struct {
	mu  sync.RWMutex
	pos map[string]*Position
}

// NewPositionBook creates an empty position book.
func NewPositionBook() *PositionBook {
	return &PositionBook{pos: make(map[string]*Position)}
}

// OnFill folds one execution into the symbol's position. Fills that
// extend the position move the average entry; fills that reduce it
// realize PnL against the entry; a fill through zero flips the position
// and opens the remainder at the fill price.
func (pb *PositionBook) OnFill(f types.Fill) {
	if !f.Qty.IsPositive() {
		return
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pos := pb.pos[f.Symbol]
	if pos == nil {
		pos = &Position{Symbol: f.Symbol}
		pb.pos[f.Symbol] = pos
	}

	signed := f.SignedQty()
	q := pos.Qty
	if q.IsZero() || q.Sign() == signed.Sign() {
		newQty := q.Add(signed)
		cost := pos.AvgEntry.Mul(q.Abs()).Add(f.Price.Mul(f.Qty))
		pos.AvgEntry = cost.Div(newQty.Abs())
		pos.Qty = newQty
	} else {
		closing := decimal.Min(q.Abs(), f.Qty)
		diff := f.Price.Sub(pos.AvgEntry)
		if q.Sign() < 0 {
			diff = diff.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(diff.Mul(closing))
		pos.Qty = q.Add(signed)
		switch {
		case pos.Qty.IsZero():
			pos.AvgEntry = decimal.Zero
		case pos.Qty.Sign() != q.Sign():
			pos.AvgEntry = f.Price
		}
	}
	pos.LastUpdated = time.Now()
}

// Position returns a copy of the symbol's position, zero-valued if the
// symbol has never traded.
func (pb *PositionBook) Position(symbol string) Position {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	if pos := pb.pos[symbol]; pos != nil {
		return *pos
	}
	return Position{Symbol: symbol}
}

// Restore seeds a position, used when recovering from the durable store
// after a restart.
func (pb *PositionBook) Restore(p Position) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	cp := p
	pb.pos[p.Symbol] = &cp
}

// Skew returns the normalized inventory skew for a symbol: position
// over target, clamped to [-1, 1]. This is the Î the inventory stage
// scales by k_inv.
func (pb *PositionBook) Skew(symbol string, target float64) float64 {
	if target <= 0 {
		return 0
	}
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	pos := pb.pos[symbol]
	if pos == nil {
		return 0
	}
	return clampF(pos.Qty.InexactFloat64()/target, -1, 1)
}

// TotalPnL sums realized plus unrealized PnL across all symbols, marking
// open legs against the supplied mids. Symbols without a mid contribute
// realized PnL only.
func (pb *PositionBook) TotalPnL(mids map[string]decimal.Decimal) decimal.Decimal {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	total := decimal.Zero
	for sym, pos := range pb.pos {
		total = total.Add(pos.RealizedPnL)
		if mid, ok := mids[sym]; ok {
			total = total.Add(pos.UnrealizedPnL(mid))
		}
	}
	return total
}
