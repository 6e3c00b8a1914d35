// Package exchange implements the venue REST and WebSocket adapters.
//
// The REST client (Client) exposes the capability set the rest of the bot
// consumes:
//   - Place:              POST   /api/v1/order          — post-only limit order
//   - Amend:              PUT    /api/v1/order          — in-place price/qty update
//   - Cancel:             DELETE /api/v1/order          — cancel one order
//   - CancelAll:          DELETE /api/v1/orders         — flatten a symbol or everything
//   - FetchOpenOrders:    GET    /api/v1/orders/open    — reconciliation read
//   - FetchRecentHistory: GET    /api/v1/orders/history — terminal-state lookup
//   - FetchBook:          GET    /api/v1/book           — L2 snapshot (public)
//   - FetchFilters:       GET    /api/v1/filters        — tick/lot/notional rules (public)
//   - Health:             GET    /api/v1/health         — reachability + server time (public)
//
// Every call consults the circuit gate and waits on the per-class rate
// limiter. Mutations carry an idempotency key: the first successful result
// per key is cached with a TTL and returned on retries without a second wire
// call. Transient failures (429, 5xx, timeouts, connection resets) are
// retried with exponential backoff and deterministic per-key jitter; fatal
// failures (bad params, bad signature, unknown order) surface immediately.
// Trading requests are HMAC-signed; market-data reads are not.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"maker-bot/internal/config"
	"maker-bot/internal/metrics"
	"maker-bot/pkg/types"
)

// REST endpoint paths.
const (
	pathHealth     = "/api/v1/health"
	pathBook       = "/api/v1/book"
	pathFilters    = "/api/v1/filters"
	pathOrder      = "/api/v1/order"
	pathOrders     = "/api/v1/orders"
	pathOpenOrders = "/api/v1/orders/open"
	pathHistory    = "/api/v1/orders/history"
)

// Retry schedule for transient failures.
const (
	retryBase   = 1 * time.Second
	retryMax    = 30 * time.Second
	maxAttempts = 4
)

// AmendOutcome tags the result of an Amend call. Only meaningful when the
// returned error is nil.
type AmendOutcome int

const (
	// AmendOK means the order was updated in place, queue priority intact
	// when only qty shrank.
	AmendOK AmendOutcome = iota
	// AmendFallback means the venue could not amend in place; the caller
	// must cancel and re-place to reach the target.
	AmendFallback
)

// CancelOutcome tags the result of a Cancel call. Only meaningful when the
// returned error is nil.
type CancelOutcome int

const (
	CancelOK CancelOutcome = iota
	// CancelAlreadyDone means the order was already terminal on the venue.
	CancelAlreadyDone
)

// PlaceResult is the acknowledged state of a newly placed order.
type PlaceResult struct {
	ExchangeOrderID string
	Status          string
}

// Client is the venue REST API client. It wraps a resty HTTP client with the
// circuit gate, per-class rate limiting, idempotent retry, and HMAC auth.
type Client struct {
	http          *resty.Client
	auth          *Auth
	rl            *RateLimiter
	gate          *Circuit
	idem          *idemCache
	met           *metrics.Metrics
	logger        *slog.Logger
	dryRun        bool // mutating methods fake success without wire calls
	supportsAmend bool

	// observe, when set, receives every attempt's round-trip time and
	// whether the venue answered. Feeds the latency and error-rate guards.
	observe func(d time.Duration, ok bool)

	// injectable for tests
	attempts    int
	backoffFunc func(idemKey string, attempt int) time.Duration
}

// NewClient creates a REST client from config. The circuit gate is owned by
// the client; use Gate for external trips and status snapshots.
func NewClient(cfg config.Config, auth *Auth, met *metrics.Metrics, logger *slog.Logger) *Client {
	// do owns retries; resty's retry stays disabled so the backoff schedule
	// is deterministic per idem key.
	httpClient := resty.New().
		SetBaseURL(cfg.Exchange.BaseURL).
		SetTimeout(cfg.Exchange.RequestTimeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:          httpClient,
		auth:          auth,
		rl:            NewRateLimiter(cfg.RateLimit),
		gate:          NewCircuit(cfg.Circuit, logger),
		idem:          newIdemCache(cfg.Store.IdemTTL),
		met:           met,
		logger:        logger.With("component", "exchange"),
		dryRun:        cfg.DryRun,
		supportsAmend: cfg.Exchange.SupportsAmend,
		attempts:      maxAttempts,
		backoffFunc:   retryBackoff,
	}
}

// Gate returns the circuit shared by all calls.
func (c *Client) Gate() *Circuit { return c.gate }

// SetObserver registers the per-attempt result callback. Must be called
// before the client serves traffic.
func (c *Client) SetObserver(fn func(d time.Duration, ok bool)) { c.observe = fn }

// DryRun reports whether mutations are faked.
func (c *Client) DryRun() bool { return c.dryRun }

// jitteredBackoff returns an exponential delay from base capped at max, with
// jitter in [0.5x, 1.0x] derived from fnv64(key, attempt). The same key and
// attempt always produce the same delay, so a replayed retry sequence
// reproduces its schedule.
func jitteredBackoff(key string, attempt int, base, max time.Duration) time.Duration {
	d := base << uint(attempt-1)
	if d <= 0 || d > max {
		d = max
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	h.Write([]byte{byte(attempt)})
	frac := float64(h.Sum64()%1024) / 1024
	return time.Duration(float64(d) * (0.5 + 0.5*frac))
}

// retryBackoff is the REST retry schedule, keyed by idempotency key.
func retryBackoff(idemKey string, attempt int) time.Duration {
	return jitteredBackoff(idemKey, attempt, retryBase, retryMax)
}

// do runs one request through the full guard stack: circuit gate, rate
// limiter, retry with deterministic backoff. fn performs a single attempt
// and returns nil only on an accepted response.
func (c *Client) do(ctx context.Context, op, class, idemKey string, fn func(ctx context.Context) error) error {
	if err := c.gate.Allow(op); err != nil {
		c.met.ExchangeRequests.WithLabelValues(op, "circuit_open").Inc()
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rlStart := time.Now()
		if err := c.rl.Wait(ctx, class); err != nil {
			return err
		}
		c.met.RateLimitWait.WithLabelValues(class).Observe(time.Since(rlStart).Seconds())

		start := time.Now()
		err := fn(ctx)
		rtt := time.Since(start)
		c.met.ExchangeLatency.WithLabelValues(op).Observe(rtt.Seconds())
		if err == nil {
			c.gate.Record(true)
			c.met.ExchangeRequests.WithLabelValues(op, "ok").Inc()
			if c.observe != nil {
				c.observe(rtt, true)
			}
			return nil
		}
		if !isTransient(err) {
			// The venue answered; a rejection is not an availability
			// failure.
			c.met.ExchangeRequests.WithLabelValues(op, "fatal").Inc()
			if c.observe != nil {
				c.observe(rtt, true)
			}
			return err
		}

		if c.observe != nil {
			c.observe(rtt, false)
		}
		c.gate.Record(false)
		c.met.ExchangeRequests.WithLabelValues(op, "transient").Inc()
		lastErr = err
		if attempt == c.attempts {
			break
		}

		delay := c.backoffFunc(idemKey, attempt)
		c.logger.Warn("transient exchange error, retrying",
			"op", op, "attempt", attempt, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

// ————————————————————————————————————————————————————————————————————————
// Order mutations
// ————————————————————————————————————————————————————————————————————————

// Place submits a new post-only limit order. The client order ID doubles as
// the idempotency key: a retry after a lost response returns the first
// successful result instead of double-placing.
func (c *Client) Place(ctx context.Context, order types.Order) (PlaceResult, error) {
	idemKey := order.ClientOrderID
	if cached, ok := c.idem.get(idemKey); ok {
		c.met.IdemCacheHits.WithLabelValues("adapter").Inc()
		return cached.(PlaceResult), nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"cid", order.ClientOrderID, "symbol", order.Symbol, "side", order.Side,
			"price", order.Price, "qty", order.Qty)
		res := PlaceResult{ExchangeOrderID: "dry-run-" + order.ClientOrderID, Status: "open"}
		c.idem.put(idemKey, res)
		return res, nil
	}

	payload := placeRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Price:         order.Price.String(),
		Qty:           order.Qty.String(),
		Type:          "limit",
		PostOnly:      true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return PlaceResult{}, fmt.Errorf("marshal place request: %w", err)
	}

	var result placeResponse
	err = c.do(ctx, OpPlace, ClassOrder, idemKey, func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(http.MethodPost, pathOrder, string(body))).
			SetBody(json.RawMessage(body)).
			SetResult(&result).
			Post(pathOrder)
		if err != nil {
			return fmt.Errorf("place order: %w", err)
		}
		return checkStatus("place order", resp)
	})
	if err != nil {
		return PlaceResult{}, err
	}

	res := PlaceResult{ExchangeOrderID: result.OrderID, Status: result.Status}
	c.idem.put(idemKey, res)
	return res, nil
}

// Amend updates price and qty of a live order in place. Returns
// AmendFallback (with nil error) when the venue cannot amend and the caller
// should cancel + re-place instead.
func (c *Client) Amend(ctx context.Context, exchangeOrderID string, price, qty decimal.Decimal, idemKey string) (AmendOutcome, error) {
	if !c.supportsAmend {
		return AmendFallback, nil
	}
	if cached, ok := c.idem.get(idemKey); ok {
		c.met.IdemCacheHits.WithLabelValues("adapter").Inc()
		return cached.(AmendOutcome), nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would amend order",
			"order_id", exchangeOrderID, "price", price, "qty", qty)
		c.idem.put(idemKey, AmendOK)
		return AmendOK, nil
	}

	payload := amendRequest{OrderID: exchangeOrderID, Price: price.String(), Qty: qty.String()}
	body, err := json.Marshal(payload)
	if err != nil {
		return AmendOK, fmt.Errorf("marshal amend request: %w", err)
	}

	var result amendResponse
	err = c.do(ctx, OpAmend, ClassOrder, idemKey, func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(http.MethodPut, pathOrder, string(body))).
			SetBody(json.RawMessage(body)).
			SetResult(&result).
			Put(pathOrder)
		if err != nil {
			return fmt.Errorf("amend order: %w", err)
		}
		return checkStatus("amend order", resp)
	})
	if err != nil {
		if amendFallbackRequired(err) {
			c.idem.put(idemKey, AmendFallback)
			return AmendFallback, nil
		}
		return AmendOK, err
	}

	c.idem.put(idemKey, AmendOK)
	return AmendOK, nil
}

// Cancel cancels one order by exchange ID. An order that is already terminal
// on the venue reports CancelAlreadyDone with nil error.
func (c *Client) Cancel(ctx context.Context, exchangeOrderID, idemKey string) (CancelOutcome, error) {
	if cached, ok := c.idem.get(idemKey); ok {
		c.met.IdemCacheHits.WithLabelValues("adapter").Inc()
		return cached.(CancelOutcome), nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", exchangeOrderID)
		c.idem.put(idemKey, CancelOK)
		return CancelOK, nil
	}

	body, err := json.Marshal(cancelRequest{OrderID: exchangeOrderID})
	if err != nil {
		return CancelOK, fmt.Errorf("marshal cancel request: %w", err)
	}

	err = c.do(ctx, OpCancel, ClassCancel, idemKey, func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(http.MethodDelete, pathOrder, string(body))).
			SetBody(json.RawMessage(body)).
			Delete(pathOrder)
		if err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}
		return checkStatus("cancel order", resp)
	})
	if err != nil {
		if cancelAlreadyDone(err) {
			c.idem.put(idemKey, CancelAlreadyDone)
			return CancelAlreadyDone, nil
		}
		return CancelOK, err
	}

	c.idem.put(idemKey, CancelOK)
	return CancelOK, nil
}

// CancelAll cancels every open order, optionally scoped to one symbol.
// Allowlisted on the circuit so it works while TRIPPED. Returns the exchange
// IDs the venue reports as canceled.
func (c *Client) CancelAll(ctx context.Context, symbol, idemKey string) ([]string, error) {
	if cached, ok := c.idem.get(idemKey); ok {
		c.met.IdemCacheHits.WithLabelValues("adapter").Inc()
		return cached.([]string), nil
	}
	if c.dryRun {
		c.logger.Warn("DRY-RUN: would cancel all orders", "symbol", symbol)
		c.idem.put(idemKey, []string(nil))
		return nil, nil
	}

	body, err := json.Marshal(cancelAllRequest{Symbol: symbol})
	if err != nil {
		return nil, fmt.Errorf("marshal cancel-all request: %w", err)
	}

	var result cancelAllResponse
	err = c.do(ctx, OpCancelAll, ClassCancel, idemKey, func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(http.MethodDelete, pathOrders, string(body))).
			SetBody(json.RawMessage(body)).
			SetResult(&result).
			Delete(pathOrders)
		if err != nil {
			return fmt.Errorf("cancel all: %w", err)
		}
		return checkStatus("cancel all", resp)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Warn("all orders cancelled", "symbol", symbol, "count", len(result.Canceled))
	c.idem.put(idemKey, result.Canceled)
	return result.Canceled, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account reads
// ————————————————————————————————————————————————————————————————————————

// FetchOpenOrders returns the venue's view of open orders, optionally scoped
// to one symbol. Allowlisted on the circuit: reconciliation must see the
// venue even while TRIPPED. In dry-run mode there is nothing on the venue,
// so it returns empty.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	if c.dryRun {
		return nil, nil
	}

	var result []wireOrder
	err := c.do(ctx, OpOpenOrders, ClassQuery, "open_orders:"+symbol, func(ctx context.Context) error {
		req := c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(http.MethodGet, pathOpenOrders, "")).
			SetResult(&result)
		if symbol != "" {
			req.SetQueryParam("symbol", symbol)
		}
		resp, err := req.Get(pathOpenOrders)
		if err != nil {
			return fmt.Errorf("open orders: %w", err)
		}
		return checkStatus("open orders", resp)
	})
	if err != nil {
		return nil, err
	}

	orders := make([]types.Order, 0, len(result))
	for _, w := range result {
		o, err := parseWireOrder(w)
		if err != nil {
			return nil, fmt.Errorf("open orders: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// FetchRecentHistory returns terminal and live orders updated since the
// given time, newest first, capped at limit. Used to resolve orders the
// venue no longer reports as open.
func (c *Client) FetchRecentHistory(ctx context.Context, symbol string, since time.Time, limit int) ([]types.Order, error) {
	if c.dryRun {
		return nil, nil
	}

	var result []wireOrder
	err := c.do(ctx, OpHistory, ClassQuery, "history:"+symbol, func(ctx context.Context) error {
		req := c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(http.MethodGet, pathHistory, "")).
			SetQueryParam("since", strconv.FormatInt(since.UnixMilli(), 10)).
			SetQueryParam("limit", strconv.Itoa(limit)).
			SetResult(&result)
		if symbol != "" {
			req.SetQueryParam("symbol", symbol)
		}
		resp, err := req.Get(pathHistory)
		if err != nil {
			return fmt.Errorf("order history: %w", err)
		}
		return checkStatus("order history", resp)
	})
	if err != nil {
		return nil, err
	}

	orders := make([]types.Order, 0, len(result))
	for _, w := range result {
		o, err := parseWireOrder(w)
		if err != nil {
			return nil, fmt.Errorf("order history: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// FetchBook fetches an L2 snapshot for one symbol. Public endpoint, no auth.
func (c *Client) FetchBook(ctx context.Context, symbol string, depth int) (types.BookSnapshot, error) {
	var result wireBook
	err := c.do(ctx, OpBook, ClassBook, "book:"+symbol, func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("symbol", symbol).
			SetQueryParam("depth", strconv.Itoa(depth)).
			SetResult(&result).
			Get(pathBook)
		if err != nil {
			return fmt.Errorf("get book: %w", err)
		}
		return checkStatus("get book", resp)
	})
	if err != nil {
		return types.BookSnapshot{}, err
	}

	bids, err := types.ParsePriceLevels(result.Bids)
	if err != nil {
		return types.BookSnapshot{}, fmt.Errorf("get book: bids: %w", err)
	}
	asks, err := types.ParsePriceLevels(result.Asks)
	if err != nil {
		return types.BookSnapshot{}, fmt.Errorf("get book: asks: %w", err)
	}

	return types.BookSnapshot{
		Symbol: symbol,
		Bids:   bids,
		Asks:   asks,
		Seq:    result.Seq,
		TSRecv: time.Now(),
	}, nil
}

// FetchFilters fetches the symbol's trading rules. Public endpoint, no auth.
func (c *Client) FetchFilters(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	var result wireFilters
	err := c.do(ctx, OpFilters, ClassQuery, "filters:"+symbol, func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("symbol", symbol).
			SetResult(&result).
			Get(pathFilters)
		if err != nil {
			return fmt.Errorf("get filters: %w", err)
		}
		return checkStatus("get filters", resp)
	})
	if err != nil {
		return types.SymbolFilters{}, err
	}

	tick, err := decimal.NewFromString(result.TickSize)
	if err != nil {
		return types.SymbolFilters{}, fmt.Errorf("get filters: tick_size %q: %w", result.TickSize, err)
	}
	lot, err := decimal.NewFromString(result.LotSize)
	if err != nil {
		return types.SymbolFilters{}, fmt.Errorf("get filters: lot_size %q: %w", result.LotSize, err)
	}
	minNotional, err := decimal.NewFromString(result.MinNotional)
	if err != nil {
		return types.SymbolFilters{}, fmt.Errorf("get filters: min_notional %q: %w", result.MinNotional, err)
	}

	return types.SymbolFilters{
		Symbol:      symbol,
		TickSize:    tick,
		LotSize:     lot,
		MinNotional: minNotional,
		Source:      types.FilterFetched,
	}, nil
}

// Health checks venue reachability and returns the server time, which feeds
// the clock-drift guard. Single attempt, no retry, and the outcome is not
// recorded on the circuit: a slow or failed probe is itself the signal.
func (c *Client) Health(ctx context.Context) (time.Time, error) {
	if err := c.gate.Allow(OpHealth); err != nil {
		return time.Time{}, err
	}
	if err := c.rl.Wait(ctx, ClassQuery); err != nil {
		return time.Time{}, err
	}

	start := time.Now()
	var result healthResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(pathHealth)
	c.met.ExchangeLatency.WithLabelValues(OpHealth).Observe(time.Since(start).Seconds())
	if err != nil {
		c.met.ExchangeRequests.WithLabelValues(OpHealth, "transient").Inc()
		return time.Time{}, fmt.Errorf("health: %w", err)
	}
	if err := checkStatus("health", resp); err != nil {
		c.met.ExchangeRequests.WithLabelValues(OpHealth, "transient").Inc()
		return time.Time{}, err
	}

	c.met.ExchangeRequests.WithLabelValues(OpHealth, "ok").Inc()
	return time.UnixMilli(result.TS), nil
}

// ————————————————————————————————————————————————————————————————————————
// Wire formats
// ————————————————————————————————————————————————————————————————————————

type placeRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Qty           string `json:"qty"`
	Type          string `json:"type"`
	PostOnly      bool   `json:"post_only"`
}

type placeResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type amendRequest struct {
	OrderID string `json:"order_id"`
	Price   string `json:"price"`
	Qty     string `json:"qty"`
}

type amendResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type cancelRequest struct {
	OrderID string `json:"order_id"`
}

type cancelAllRequest struct {
	Symbol string `json:"symbol,omitempty"`
}

type cancelAllResponse struct {
	Canceled []string `json:"canceled"`
}

type wireOrder struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Qty           string `json:"qty"`
	FilledQty     string `json:"filled_qty"`
	AvgFillPrice  string `json:"avg_fill_price"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"created_at"` // unix millis
	UpdatedAt     int64  `json:"updated_at"`
}

type wireBook struct {
	Symbol string     `json:"symbol"`
	Seq    uint64     `json:"seq"`
	Bids   [][]string `json:"bids"`
	Asks   [][]string `json:"asks"`
	TS     int64      `json:"ts"`
}

type wireFilters struct {
	Symbol      string `json:"symbol"`
	TickSize    string `json:"tick_size"`
	LotSize     string `json:"lot_size"`
	MinNotional string `json:"min_notional"`
}

type healthResponse struct {
	Status string `json:"status"`
	TS     int64  `json:"ts"` // server unix millis
}

// stateFromWire maps venue status strings onto order states.
func stateFromWire(s string) (types.OrderState, error) {
	switch s {
	case "new", "pending":
		return types.OrderPending, nil
	case "open", "live":
		return types.OrderOpen, nil
	case "partially_filled":
		return types.OrderPartiallyFilled, nil
	case "filled":
		return types.OrderFilled, nil
	case "canceled", "cancelled":
		return types.OrderCanceled, nil
	case "rejected", "expired":
		return types.OrderRejected, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// optionalDecimal parses a decimal field the venue omits when zero.
func optionalDecimal(name, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s %q: %w", name, s, err)
	}
	return d, nil
}

// parseWireOrder converts a venue order into the domain type. OpenedTS is
// approximated by CreatedAt for live orders, so time-in-book survives a
// restart.
func parseWireOrder(w wireOrder) (types.Order, error) {
	price, err := optionalDecimal("price", w.Price)
	if err != nil {
		return types.Order{}, err
	}
	qty, err := optionalDecimal("qty", w.Qty)
	if err != nil {
		return types.Order{}, err
	}
	filled, err := optionalDecimal("filled_qty", w.FilledQty)
	if err != nil {
		return types.Order{}, err
	}
	avgPrice, err := optionalDecimal("avg_fill_price", w.AvgFillPrice)
	if err != nil {
		return types.Order{}, err
	}
	state, err := stateFromWire(w.Status)
	if err != nil {
		return types.Order{}, err
	}

	o := types.Order{
		ClientOrderID:   w.ClientOrderID,
		ExchangeOrderID: w.OrderID,
		Symbol:          w.Symbol,
		Side:            types.Side(w.Side),
		Price:           price,
		Qty:             qty,
		FilledQty:       filled,
		AvgFillPrice:    avgPrice,
		State:           state,
		CreatedTS:       time.UnixMilli(w.CreatedAt),
		UpdatedTS:       time.UnixMilli(w.UpdatedAt),
	}
	if !state.IsTerminal() {
		o.OpenedTS = o.CreatedTS
	}
	return o, nil
}
