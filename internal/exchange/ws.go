// ws.go implements the WebSocket feeds for real-time venue data.
//
// Two independent feeds run concurrently:
//
//   - Market feed (public): subscribes by symbol, receives "book" snapshots
//     and "book_delta" level updates.
//
//   - User feed (authenticated): receives "order" lifecycle events and
//     "fill" executions for the account.
//
// Both feeds auto-reconnect with exponential backoff (1s → 60s max,
// deterministic jitter per feed) and re-subscribe on reconnection. A read
// deadline detects silent server failures within ~2 missed pings. Reconnect
// downtime is reported through a hook so the market-data cache can
// invalidate books that may have missed updates.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"maker-bot/internal/metrics"
	"maker-bot/pkg/types"
)

const (
	pingInterval    = 50 * time.Second // keep-alive cadence
	readTimeout     = 90 * time.Second // ~2 missed pings triggers reconnect
	writeTimeout    = 10 * time.Second // deadline for outgoing messages
	wsBackoffBase   = 1 * time.Second
	wsBackoffMax    = 60 * time.Second
	bookBufferSize  = 256 // buffer for book/delta events
	eventBufferSize = 64  // buffer for order/fill events
)

// Feed channel names.
const (
	ChannelMarket = "market"
	ChannelUser   = "user"
)

// WSFeed manages a single WebSocket connection (market or user channel):
// connection lifecycle, subscription tracking, message routing, and
// automatic reconnection.
type WSFeed struct {
	url     string
	channel string // ChannelMarket or ChannelUser
	auth    *Auth  // nil for the market channel

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	connected      atomic.Bool
	lastDisconnect time.Time                // only touched from Run's goroutine
	onReconnect    func(down time.Duration) // fires after a successful reconnect

	// Typed event channels — consumers read via accessor methods
	bookCh  chan types.WSBookEvent
	deltaCh chan types.WSBookDeltaEvent
	orderCh chan types.WSOrderEvent
	fillCh  chan types.WSFillEvent

	met    *metrics.Metrics
	logger *slog.Logger
}

// NewMarketFeed creates a feed for the public market channel.
func NewMarketFeed(wsURL string, met *metrics.Metrics, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:        wsURL,
		channel:    ChannelMarket,
		subscribed: make(map[string]bool),
		bookCh:     make(chan types.WSBookEvent, bookBufferSize),
		deltaCh:    make(chan types.WSBookDeltaEvent, bookBufferSize),
		orderCh:    make(chan types.WSOrderEvent, eventBufferSize),
		fillCh:     make(chan types.WSFillEvent, eventBufferSize),
		met:        met,
		logger:     logger.With("component", "ws_market"),
	}
}

// NewUserFeed creates a feed for the authenticated user channel.
func NewUserFeed(wsURL string, auth *Auth, met *metrics.Metrics, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:        wsURL,
		channel:    ChannelUser,
		auth:       auth,
		subscribed: make(map[string]bool),
		bookCh:     make(chan types.WSBookEvent, bookBufferSize),
		deltaCh:    make(chan types.WSBookDeltaEvent, bookBufferSize),
		orderCh:    make(chan types.WSOrderEvent, eventBufferSize),
		fillCh:     make(chan types.WSFillEvent, eventBufferSize),
		met:        met,
		logger:     logger.With("component", "ws_user"),
	}
}

// BookEvents returns a read-only channel of book snapshot events.
func (f *WSFeed) BookEvents() <-chan types.WSBookEvent { return f.bookCh }

// DeltaEvents returns a read-only channel of incremental book updates.
func (f *WSFeed) DeltaEvents() <-chan types.WSBookDeltaEvent { return f.deltaCh }

// OrderEvents returns a read-only channel of order lifecycle events.
func (f *WSFeed) OrderEvents() <-chan types.WSOrderEvent { return f.orderCh }

// FillEvents returns a read-only channel of execution events.
func (f *WSFeed) FillEvents() <-chan types.WSFillEvent { return f.fillCh }

// Connected reports whether the feed currently holds a live connection.
func (f *WSFeed) Connected() bool { return f.connected.Load() }

// SetReconnectHook registers fn to run after each successful reconnect with
// the measured downtime. Must be called before Run.
func (f *WSFeed) SetReconnectHook(fn func(down time.Duration)) {
	f.onReconnect = fn
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	attempt := 0

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.lastDisconnect = time.Now()

		// a connection that held for a while earns a fresh backoff schedule
		if time.Since(start) >= time.Minute {
			attempt = 0
		}
		attempt++
		wait := jitteredBackoff(f.channel, attempt, wsBackoffBase, wsBackoffMax)

		f.met.StreamReconnects.WithLabelValues(f.channel).Inc()
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Subscribe adds symbols and announces them on the live connection, if any.
// Symbols stay tracked for re-subscribe after reconnects.
func (f *WSFeed) Subscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	if !f.connected.Load() {
		return nil
	}
	return f.writeJSON(f.subscribeMsg("subscribe", symbols))
}

// Unsubscribe removes symbols from the subscription.
func (f *WSFeed) Unsubscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()

	if !f.connected.Load() {
		return nil
	}
	return f.writeJSON(f.subscribeMsg("unsubscribe", symbols))
}

// Close closes the live connection. Run will treat it as a disconnect.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) subscribeMsg(op string, symbols []string) types.WSSubscribeMsg {
	msg := types.WSSubscribeMsg{
		Op:      op,
		Channel: f.channel,
		Symbols: symbols,
	}
	if f.channel == ChannelUser {
		msg.Auth = f.auth.WSAuthPayload()
	}
	return msg
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.connected.Store(true)

	defer func() {
		f.connected.Store(false)
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "channel", f.channel)
	if !f.lastDisconnect.IsZero() && f.onReconnect != nil {
		f.onReconnect(time.Since(f.lastDisconnect))
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	return f.writeJSON(f.subscribeMsg("subscribe", symbols))
}

func (f *WSFeed) dispatchMessage(data []byte) {
	// Peek at event_type to route
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt types.WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		select {
		case f.bookCh <- evt:
		default:
			f.logger.Warn("book channel full, dropping event", "symbol", evt.Symbol)
		}

	case "book_delta":
		var evt types.WSBookDeltaEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book_delta event", "error", err)
			return
		}
		select {
		case f.deltaCh <- evt:
		default:
			f.logger.Warn("delta channel full, dropping event", "symbol", evt.Symbol)
		}

	case "order":
		var evt types.WSOrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		select {
		case f.orderCh <- evt:
		default:
			f.logger.Error("order channel full, dropping event", "cid", evt.ClientOrderID)
		}

	case "fill":
		var evt types.WSFillEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal fill event", "error", err)
			return
		}
		select {
		case f.fillCh <- evt:
		default:
			// a dropped fill means the reconciler must find it later
			f.logger.Error("fill channel full, dropping event", "cid", evt.ClientOrderID)
		}

	case "subscribed", "pong", "heartbeat":
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
