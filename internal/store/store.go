// Package store owns the canonical local view of orders and survives
// restarts.
//
// All mutations go through idempotency keys: the first result per key is
// cached with a TTL and repeated calls return it without side effects,
// which makes the whole write path (pipeline → store → adapter) safe to
// retry. State transitions follow the order lifecycle; terminal states are
// sticky and fills may never exceed the order quantity.
//
// Persistence is a JSONL snapshot at <state_dir>/orders.jsonl, one
// canonical JSON object per line (sorted keys, compact, trailing newline),
// written atomically (tmp + rename) on a cadence and at shutdown.
// Inventory, maintained from fills only, is persisted alongside as
// inventory.json. Recover reloads both and returns the non-terminal orders
// for the lifecycle manager to reconcile against the exchange.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"maker-bot/internal/config"
	"maker-bot/internal/metrics"
	"maker-bot/pkg/types"
)

const (
	ordersFile    = "orders.jsonl"
	inventoryFile = "inventory.json"
	recoverMarker = "recover.marker"
)

// Sentinel errors for the mutation paths, matched with errors.Is.
var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrDuplicateOrder    = errors.New("duplicate client order id")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrFillOverflow      = errors.New("fill exceeds order quantity")
)

// Inventory is the signed per-symbol position in base units plus the
// aggregated signed notional, both accumulated from fills only.
type Inventory struct {
	Symbol   string          `json:"symbol"`
	Position decimal.Decimal `json:"position"`
	Notional decimal.Decimal `json:"notional"`
}

// Store is the durable order store. Mutations are serialized on one lock;
// reads return copies and never hand out internal pointers.
type Store struct {
	dir       string
	retention time.Duration
	met       *metrics.Metrics
	logger    *slog.Logger
	nowFunc   func() time.Time // injectable for tests

	mu        sync.RWMutex
	orders    map[string]*types.Order
	inventory map[string]*Inventory
	idem      *idemCache
}

// Open creates a store backed by cfg.StateDir, creating the directory if
// needed. No state is loaded; call Recover for that.
func Open(cfg config.StoreConfig, met *metrics.Metrics, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{
		dir:       cfg.StateDir,
		retention: cfg.HistoryRetention,
		met:       met,
		logger:    logger.With("component", "store"),
		nowFunc:   time.Now,
		orders:    make(map[string]*types.Order),
		inventory: make(map[string]*Inventory),
		idem:      newIdemCache(cfg.IdemTTL),
	}, nil
}

// Close snapshots once more so shutdown never loses state.
func (s *Store) Close() error {
	return s.Snapshot()
}

// ————————————————————————————————————————————————————————————————————————
// Mutations
// ————————————————————————————————————————————————————————————————————————

// Place records a new order intent. The order starts pending unless the
// intent carries a state already (adopted orders from reconciliation come
// in open).
func (s *Store) Place(intent types.Order, idemKey string) error {
	if res, ok := s.idem.get(idemKey); ok {
		s.met.IdemCacheHits.WithLabelValues("store").Inc()
		return res.err
	}
	err := s.place(intent)
	s.idem.put(idemKey, idemResult{err: err})
	return err
}

func (s *Store) place(intent types.Order) error {
	if intent.ClientOrderID == "" {
		return fmt.Errorf("place: missing client order id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[intent.ClientOrderID]; exists {
		return fmt.Errorf("place %s: %w", intent.ClientOrderID, ErrDuplicateOrder)
	}

	now := s.nowFunc()
	o := intent
	if o.State == "" {
		o.State = types.OrderPending
	}
	if o.CreatedTS.IsZero() {
		o.CreatedTS = now
	}
	if o.State == types.OrderOpen && o.OpenedTS.IsZero() {
		o.OpenedTS = now
	}
	o.UpdatedTS = now

	s.orders[o.ClientOrderID] = &o
	s.updateOpenGaugeLocked(o.Symbol)
	return nil
}

// UpdateState moves an order along the lifecycle. Repeating the current
// state is a no-op (duplicate confirms arrive from both the REST ack and
// the user stream); anything else illegal is rejected with
// ErrIllegalTransition.
func (s *Store) UpdateState(cid string, state types.OrderState, idemKey string) error {
	if res, ok := s.idem.get(idemKey); ok {
		s.met.IdemCacheHits.WithLabelValues("store").Inc()
		return res.err
	}
	err := s.updateState(cid, state)
	s.idem.put(idemKey, idemResult{err: err})
	return err
}

func (s *Store) updateState(cid string, state types.OrderState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[cid]
	if !ok {
		return fmt.Errorf("update %s: %w", cid, ErrOrderNotFound)
	}
	if o.State == state {
		return nil
	}
	if !o.State.CanTransition(state) {
		s.met.Errors.WithLabelValues("validation").Inc()
		return fmt.Errorf("update %s: %s → %s: %w", cid, o.State, state, ErrIllegalTransition)
	}

	now := s.nowFunc()
	if state == types.OrderOpen && o.OpenedTS.IsZero() {
		o.OpenedTS = now
	}
	o.State = state
	o.UpdatedTS = now
	s.updateOpenGaugeLocked(o.Symbol)
	return nil
}

// Ack records the venue's acceptance of a placed order: the assigned
// exchange order ID plus the pending → open transition. Repeats are no-ops
// (the REST ack and the user-stream open event race).
func (s *Store) Ack(cid, exchangeOrderID string, idemKey string) error {
	if res, ok := s.idem.get(idemKey); ok {
		s.met.IdemCacheHits.WithLabelValues("store").Inc()
		return res.err
	}
	err := s.ack(cid, exchangeOrderID)
	s.idem.put(idemKey, idemResult{err: err})
	return err
}

func (s *Store) ack(cid, exchangeOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[cid]
	if !ok {
		return fmt.Errorf("ack %s: %w", cid, ErrOrderNotFound)
	}
	if exchangeOrderID != "" {
		o.ExchangeOrderID = exchangeOrderID
	}
	if o.State != types.OrderPending {
		// Stream event beat the REST ack; the ID is recorded, nothing else
		// to do.
		return nil
	}
	now := s.nowFunc()
	o.State = types.OrderOpen
	if o.OpenedTS.IsZero() {
		o.OpenedTS = now
	}
	o.UpdatedTS = now
	s.updateOpenGaugeLocked(o.Symbol)
	return nil
}

// Amend rewrites the price and quantity of a live order after the venue
// confirmed an in-place amend. Fill progress is untouched.
func (s *Store) Amend(cid string, price, qty decimal.Decimal, idemKey string) error {
	if res, ok := s.idem.get(idemKey); ok {
		s.met.IdemCacheHits.WithLabelValues("store").Inc()
		return res.err
	}
	err := s.amend(cid, price, qty)
	s.idem.put(idemKey, idemResult{err: err})
	return err
}

func (s *Store) amend(cid string, price, qty decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[cid]
	if !ok {
		return fmt.Errorf("amend %s: %w", cid, ErrOrderNotFound)
	}
	if o.State.IsTerminal() {
		s.met.Errors.WithLabelValues("validation").Inc()
		return fmt.Errorf("amend %s: order is %s: %w", cid, o.State, ErrIllegalTransition)
	}
	if qty.LessThan(o.FilledQty) {
		s.met.Errors.WithLabelValues("integrity").Inc()
		return fmt.Errorf("amend %s: qty %s below filled %s: %w", cid, qty, o.FilledQty, ErrFillOverflow)
	}
	o.Price = price
	o.Qty = qty
	o.UpdatedTS = s.nowFunc()
	return nil
}

// ApplyFill adds an execution to an order, recomputing the running average
// fill price and the symbol inventory. A fill that would push filled_qty
// past qty is rejected as an integrity error and changes nothing.
func (s *Store) ApplyFill(cid string, qty, price decimal.Decimal, idemKey string) error {
	if res, ok := s.idem.get(idemKey); ok {
		s.met.IdemCacheHits.WithLabelValues("store").Inc()
		return res.err
	}
	err := s.applyFill(cid, qty, price)
	s.idem.put(idemKey, idemResult{err: err})
	return err
}

func (s *Store) applyFill(cid string, qty, price decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("fill %s: non-positive qty %s", cid, qty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[cid]
	if !ok {
		return fmt.Errorf("fill %s: %w", cid, ErrOrderNotFound)
	}
	if o.State.IsTerminal() {
		s.met.Errors.WithLabelValues("validation").Inc()
		return fmt.Errorf("fill %s: order is %s: %w", cid, o.State, ErrIllegalTransition)
	}

	newFilled := o.FilledQty.Add(qty)
	if newFilled.GreaterThan(o.Qty) {
		s.met.Errors.WithLabelValues("integrity").Inc()
		return fmt.Errorf("fill %s: filled %s exceeds qty %s: %w", cid, newFilled, o.Qty, ErrFillOverflow)
	}

	now := s.nowFunc()
	// A fill before our place ack means the venue saw the order live first.
	if o.State == types.OrderPending {
		o.OpenedTS = now
	}

	o.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledQty).Add(price.Mul(qty)).Div(newFilled)
	o.FilledQty = newFilled
	if newFilled.Equal(o.Qty) {
		o.State = types.OrderFilled
	} else {
		o.State = types.OrderPartiallyFilled
	}
	o.UpdatedTS = now

	signed := qty
	if o.Side == types.SideSell {
		signed = qty.Neg()
	}
	inv := s.inventoryLocked(o.Symbol)
	inv.Position = inv.Position.Add(signed)
	inv.Notional = inv.Notional.Add(signed.Mul(price))
	s.met.Fills.WithLabelValues(string(o.Side)).Inc()
	s.met.Inventory.WithLabelValues(o.Symbol).Set(mustFloat(inv.Position))

	s.updateOpenGaugeLocked(o.Symbol)
	return nil
}

// CancelAllOpen marks every non-terminal order canceled and returns their
// cids, sorted. The venue-side cancel is the writer's job; this converges
// the local view.
func (s *Store) CancelAllOpen(idemKey string) ([]string, error) {
	if res, ok := s.idem.get(idemKey); ok {
		s.met.IdemCacheHits.WithLabelValues("store").Inc()
		return res.cids, res.err
	}
	cids := s.cancelAllOpen()
	s.idem.put(idemKey, idemResult{cids: cids})
	return cids, nil
}

func (s *Store) cancelAllOpen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	var cids []string
	symbols := make(map[string]bool)
	for cid, o := range s.orders {
		if o.State.IsTerminal() {
			continue
		}
		o.State = types.OrderCanceled
		o.UpdatedTS = now
		cids = append(cids, cid)
		symbols[o.Symbol] = true
	}
	sort.Strings(cids)
	for sym := range symbols {
		s.updateOpenGaugeLocked(sym)
	}
	return cids
}

// ————————————————————————————————————————————————————————————————————————
// Reads
// ————————————————————————————————————————————————————————————————————————

// Get returns a copy of the order with the given cid.
func (s *Store) Get(cid string) (types.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[cid]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// ListOpen returns copies of all non-terminal orders, optionally filtered
// by symbol (empty = all), sorted by cid.
func (s *Store) ListOpen(symbol string) []types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Order
	for _, o := range s.orders {
		if o.State.IsTerminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out
}

// Inventory returns the fill-derived position for one symbol.
func (s *Store) Inventory(symbol string) Inventory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if inv, ok := s.inventory[symbol]; ok {
		return *inv
	}
	return Inventory{Symbol: symbol}
}

// Inventories returns all symbol positions, sorted by symbol.
func (s *Store) Inventories() []Inventory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Inventory, 0, len(s.inventory))
	for _, inv := range s.inventory {
		out = append(out, *inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Persistence
// ————————————————————————————————————————————————————————————————————————

// Snapshot prunes expired closed orders and writes the order book and
// inventory to disk atomically.
func (s *Store) Snapshot() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()

	if err := s.writeOrdersLocked(); err != nil {
		s.met.StoreSnapshots.WithLabelValues("error").Inc()
		return err
	}
	if err := s.writeInventoryLocked(); err != nil {
		s.met.StoreSnapshots.WithLabelValues("error").Inc()
		return err
	}
	s.met.StoreSnapshots.WithLabelValues("ok").Inc()
	return nil
}

// Recover reloads the latest snapshot, writes the recovery marker, and
// returns the non-terminal orders for reconciliation.
func (s *Store) Recover() ([]types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders, err := s.loadOrders()
	if err != nil {
		return nil, err
	}
	s.orders = orders

	inv, err := s.loadInventory()
	if err != nil {
		return nil, err
	}
	if inv == nil {
		// No inventory file: rebuild a best-effort position from the
		// fill quantities of the surviving order records.
		inv = rebuildInventory(orders)
		if len(inv) > 0 {
			s.logger.Warn("inventory file missing, rebuilt from order records", "symbols", len(inv))
		}
	}
	s.inventory = inv

	marker := s.nowFunc().UTC().Format(time.RFC3339Nano) + "\n"
	if err := s.writeAtomic(recoverMarker, []byte(marker)); err != nil {
		return nil, fmt.Errorf("write recover marker: %w", err)
	}

	var open []types.Order
	symbols := make(map[string]bool)
	for _, o := range s.orders {
		symbols[o.Symbol] = true
		if !o.State.IsTerminal() {
			open = append(open, *o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ClientOrderID < open[j].ClientOrderID })
	for sym := range symbols {
		s.updateOpenGaugeLocked(sym)
	}
	for sym, iv := range s.inventory {
		s.met.Inventory.WithLabelValues(sym).Set(mustFloat(iv.Position))
	}

	s.logger.Info("recovered order state",
		"orders", len(s.orders), "open", len(open), "symbols", len(symbols))
	return open, nil
}

func (s *Store) pruneLocked() {
	if s.retention <= 0 {
		return
	}
	cutoff := s.nowFunc().Add(-s.retention)
	pruned := 0
	for cid, o := range s.orders {
		if o.State.IsTerminal() && o.UpdatedTS.Before(cutoff) {
			delete(s.orders, cid)
			pruned++
		}
	}
	if pruned > 0 {
		s.logger.Debug("pruned closed orders", "count", pruned)
	}
}

func (s *Store) writeOrdersLocked() error {
	cids := make([]string, 0, len(s.orders))
	for cid := range s.orders {
		cids = append(cids, cid)
	}
	sort.Strings(cids)

	var buf strings.Builder
	for _, cid := range cids {
		line, err := canonicalJSON(s.orders[cid])
		if err != nil {
			return fmt.Errorf("encode order %s: %w", cid, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := s.writeAtomic(ordersFile, []byte(buf.String())); err != nil {
		return fmt.Errorf("write orders: %w", err)
	}
	return nil
}

func (s *Store) writeInventoryLocked() error {
	data, err := canonicalJSON(s.inventory)
	if err != nil {
		return fmt.Errorf("encode inventory: %w", err)
	}
	if err := s.writeAtomic(inventoryFile, append(data, '\n')); err != nil {
		return fmt.Errorf("write inventory: %w", err)
	}
	return nil
}

// writeAtomic writes to a .tmp file first, then renames over the target,
// so the file is never left in a partial state.
func (s *Store) writeAtomic(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) loadOrders() (map[string]*types.Order, error) {
	orders := make(map[string]*types.Order)

	f, err := os.Open(filepath.Join(s.dir, ordersFile))
	if err != nil {
		if os.IsNotExist(err) {
			return orders, nil
		}
		return nil, fmt.Errorf("open orders file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var o types.Order
		if err := json.Unmarshal(line, &o); err != nil {
			return nil, fmt.Errorf("orders file line %d: %w", lineNo, err)
		}
		if o.ClientOrderID == "" {
			return nil, fmt.Errorf("orders file line %d: missing client order id", lineNo)
		}
		// Last writer wins per cid.
		orders[o.ClientOrderID] = &o
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read orders file: %w", err)
	}
	return orders, nil
}

func (s *Store) loadInventory() (map[string]*Inventory, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, inventoryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read inventory file: %w", err)
	}

	inv := make(map[string]*Inventory)
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("unmarshal inventory: %w", err)
	}
	return inv, nil
}

func (s *Store) inventoryLocked(symbol string) *Inventory {
	inv, ok := s.inventory[symbol]
	if !ok {
		inv = &Inventory{Symbol: symbol}
		s.inventory[symbol] = inv
	}
	return inv
}

func (s *Store) updateOpenGaugeLocked(symbol string) {
	for _, side := range []types.Side{types.SideBuy, types.SideSell} {
		n := 0
		for _, o := range s.orders {
			if o.Symbol == symbol && o.Side == side && !o.State.IsTerminal() {
				n++
			}
		}
		s.met.OpenOrders.WithLabelValues(symbol, string(side)).Set(float64(n))
	}
}

func rebuildInventory(orders map[string]*types.Order) map[string]*Inventory {
	inv := make(map[string]*Inventory)
	for _, o := range orders {
		if o.FilledQty.IsZero() {
			continue
		}
		signed := o.FilledQty
		if o.Side == types.SideSell {
			signed = signed.Neg()
		}
		iv, ok := inv[o.Symbol]
		if !ok {
			iv = &Inventory{Symbol: o.Symbol}
			inv[o.Symbol] = iv
		}
		iv.Position = iv.Position.Add(signed)
		iv.Notional = iv.Notional.Add(signed.Mul(o.AvgFillPrice))
	}
	return inv
}

// canonicalJSON marshals v deterministically: sorted keys, compact
// separators. Round-tripping through a map is safe here because every
// numeric field is serialized as a string (decimals) or RFC3339 (times).
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
