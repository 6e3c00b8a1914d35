// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — sides, order states,
// orders, quote targets, book snapshots, symbol filters, and the WebSocket
// event payloads. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderState enumerates the order lifecycle. The legal path is
// pending → open → (partially_filled)* → filled | canceled | rejected.
// Terminal states are sticky: once reached, no further transition is legal.
type OrderState string

const (
	OrderPending         OrderState = "pending"
	OrderOpen            OrderState = "open"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCanceled        OrderState = "canceled"
	OrderRejected        OrderState = "rejected"
)

// IsTerminal reports whether the state admits no further transitions.
func (s OrderState) IsTerminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderRejected
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Same-state updates are not transitions and return false.
func (s OrderState) CanTransition(next OrderState) bool {
	if s.IsTerminal() || s == next {
		return false
	}
	switch s {
	case OrderPending:
		return next == OrderOpen || next == OrderCanceled || next == OrderRejected
	case OrderOpen:
		return next == OrderPartiallyFilled || next == OrderFilled ||
			next == OrderCanceled || next == OrderRejected
	case OrderPartiallyFilled:
		return next == OrderFilled || next == OrderCanceled
	}
	return false
}

// FilterSource records where a symbol's trading filters came from.
type FilterSource string

const (
	FilterFetched FilterSource = "fetched" // pulled from the exchange this run
	FilterCached  FilterSource = "cached"  // reused from an earlier fetch
	FilterDefault FilterSource = "default" // built-in fallback values
)

// ————————————————————————————————————————————————————————————————————————
// Symbol filters and rounding
// ————————————————————————————————————————————————————————————————————————

// SymbolFilters holds the static per-symbol trading constraints fetched from
// the exchange: the minimum price increment, the minimum quantity increment,
// and the minimum order notional. All prices and sizes the bot emits must be
// aligned to these. Rounding bias is directional: buy prices round down,
// sell prices round up, sizes round down, so a rounded value is never worse
// for us than the unrounded one.
type SymbolFilters struct {
	Symbol      string          `json:"symbol"`
	TickSize    decimal.Decimal `json:"tick_size"`
	LotSize     decimal.Decimal `json:"lot_size"`
	MinNotional decimal.Decimal `json:"min_notional"`
	Source      FilterSource    `json:"source"`
}

// RoundPrice aligns a price to the tick grid with the directional bias for
// the given side: down for buys, up for sells.
func (f SymbolFilters) RoundPrice(side Side, price decimal.Decimal) decimal.Decimal {
	if f.TickSize.IsZero() {
		return price
	}
	steps := price.Div(f.TickSize)
	if side == SideBuy {
		steps = steps.Floor()
	} else {
		steps = steps.Ceil()
	}
	return steps.Mul(f.TickSize)
}

// RoundSize aligns a quantity down to the lot grid.
func (f SymbolFilters) RoundSize(qty decimal.Decimal) decimal.Decimal {
	if f.LotSize.IsZero() {
		return qty
	}
	return qty.Div(f.LotSize).Floor().Mul(f.LotSize)
}

// MeetsNotional reports whether price*qty satisfies the minimum notional.
func (f SymbolFilters) MeetsNotional(price, qty decimal.Decimal) bool {
	return price.Mul(qty).GreaterThanOrEqual(f.MinNotional)
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// Order is the canonical local record of an intended or live exchange order.
// ClientOrderID is unique per order and doubles as the idempotency key for
// the place path; ExchangeOrderID is assigned by the venue on acceptance.
type Order struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	State           OrderState      `json:"state"`
	CreatedTS       time.Time       `json:"created_ts"`
	UpdatedTS       time.Time       `json:"updated_ts"`
	OpenedTS        time.Time       `json:"opened_ts,omitempty"` // first seen open on the venue
}

// TimeInBook returns how long the order has been resting on the book, or
// zero if it never reached the open state.
func (o Order) TimeInBook(now time.Time) time.Duration {
	if o.OpenedTS.IsZero() {
		return 0
	}
	return now.Sub(o.OpenedTS)
}

// RemainingQty returns qty minus filled qty, floored at zero.
func (o Order) RemainingQty() decimal.Decimal {
	r := o.Qty.Sub(o.FilledQty)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Fill is a single execution against one of our orders, as observed on the
// user stream or discovered during reconciliation. Seq is the exchange event
// sequence used to reorder out-of-order deliveries.
type Fill struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Qty             decimal.Decimal `json:"qty"`
	Price           decimal.Decimal `json:"price"`
	Seq             uint64          `json:"seq"`
	TS              time.Time       `json:"ts"`
}

// SignedQty returns the fill quantity signed by side: positive for buys,
// negative for sells. Inventory is the running sum of these.
func (fl Fill) SignedQty() decimal.Decimal {
	if fl.Side == SideSell {
		return fl.Qty.Neg()
	}
	return fl.Qty
}

// ————————————————————————————————————————————————————————————————————————
// Quote targets
// ————————————————————————————————————————————————————————————————————————

// QuoteTarget is a desired resting order for one side of one symbol this
// tick: the price and quantity the pipeline wants live.
type QuoteTarget struct {
	Symbol string
	Side   Side
	Price  decimal.Decimal
	Qty    decimal.Decimal
}

// QuoteSet holds the per-tick desired state for one symbol. Nil Bid or Ask
// means the pipeline wants that side pulled. The lifecycle manager compares
// this to the live orders and issues the minimal amend/cancel/place set to
// converge.
type QuoteSet struct {
	Symbol      string
	Bid         *QuoteTarget // nil = pull the bid
	Ask         *QuoteTarget // nil = pull the ask
	CancelAll   bool         // guard override: flatten instead of quoting
	GeneratedAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// BookSnapshot is a point-in-time view of one symbol's order book as served
// by the market-data cache. Bids are sorted descending, asks ascending, so
// index 0 is the touch. Seq is the venue's book sequence number; TSRecv is
// when the update left the feed, TSCached when the cache stored it.
// Staleness is measured against TSCached.
type BookSnapshot struct {
	Symbol   string       `json:"symbol"`
	Bids     []PriceLevel `json:"bids"`
	Asks     []PriceLevel `json:"asks"`
	Seq      uint64       `json:"seq"`
	TSRecv   time.Time    `json:"ts_recv"`
	TSCached time.Time    `json:"ts_cached"`
}

// BestBid returns the top bid level, or false if that side is empty.
func (b BookSnapshot) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, or false if that side is empty.
func (b BookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Mid returns the midpoint of the best bid and ask. The second return is
// false when the book is one-sided or empty and no mid exists.
func (b BookSnapshot) Mid() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Decimal{}, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// DepthAt sums the resting quantity at exactly the given price on one side.
func (b BookSnapshot) DepthAt(side Side, price decimal.Decimal) decimal.Decimal {
	levels := b.Bids
	if side == SideSell {
		levels = b.Asks
	}
	for _, lv := range levels {
		if lv.Price.Equal(price) {
			return lv.Qty
		}
	}
	return decimal.Zero
}

// ParsePriceLevels converts wire-format [price, qty] string pairs into typed
// levels, preserving order. Used for both REST book responses and stream
// events.
func ParsePriceLevels(raw [][]string) ([]PriceLevel, error) {
	levels := make([]PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("level %v: want [price, qty]", pair)
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("level price %q: %w", pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("level qty %q: %w", pair[1], err)
		}
		levels = append(levels, PriceLevel{Price: price, Qty: qty})
	}
	return levels, nil
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages on the exchange streams.
// Market channel events: "book" (full snapshot), "book_delta" (level changes).
// User channel events: "order" (lifecycle), "fill" (execution).
// Prices and sizes travel as strings to preserve decimal precision.

// WSBookEvent is a full order book snapshot from the market channel.
// Replaces the entire local book for the symbol.
type WSBookEvent struct {
	EventType string     `json:"event_type"` // always "book"
	Symbol    string     `json:"symbol"`
	Seq       uint64     `json:"seq"`
	Bids      [][]string `json:"bids"` // [price, qty] pairs, best first
	Asks      [][]string `json:"asks"`
	Timestamp string     `json:"timestamp"` // unix millis as string
}

// WSBookDeltaEvent is an incremental book update from the market channel.
// Each change sets the new quantity at one price level (0 = level removed).
type WSBookDeltaEvent struct {
	EventType string     `json:"event_type"` // always "book_delta"
	Symbol    string     `json:"symbol"`
	Seq       uint64     `json:"seq"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Timestamp string     `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user channel.
type WSOrderEvent struct {
	EventType       string `json:"event_type"` // always "order"
	ClientOrderID   string `json:"client_order_id"`
	ExchangeOrderID string `json:"exchange_order_id"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Price           string `json:"price"`
	OrigQty         string `json:"orig_qty"`
	FilledQty       string `json:"filled_qty"` // cumulative
	Status          string `json:"status"`     // "open", "partially_filled", "filled", "canceled", "rejected"
	Seq             uint64 `json:"seq"`
	Timestamp       string `json:"timestamp"`
}

// WSFillEvent is an execution notification from the user channel.
type WSFillEvent struct {
	EventType       string `json:"event_type"` // always "fill"
	ClientOrderID   string `json:"client_order_id"`
	ExchangeOrderID string `json:"exchange_order_id"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Qty             string `json:"qty"`
	Price           string `json:"price"`
	Seq             uint64 `json:"seq"`
	Timestamp       string `json:"timestamp"`
}

// WSSubscribeMsg is the subscription request sent after connecting, and for
// dynamic subscribe/unsubscribe afterwards. Auth is required on the user
// channel only.
type WSSubscribeMsg struct {
	Op      string   `json:"op"` // "subscribe" or "unsubscribe"
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols,omitempty"`
	Auth    *WSAuth  `json:"auth,omitempty"`
}

// WSAuth carries the API credentials for the user channel subscription.
type WSAuth struct {
	APIKey    string `json:"api_key"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}
