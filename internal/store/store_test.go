package store

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"maker-bot/internal/config"
	"maker-bot/internal/metrics"
	"maker-bot/pkg/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testStoreConfig(dir string) config.StoreConfig {
	return config.StoreConfig{
		StateDir:           dir,
		SnapshotIntervalMs: 1000,
		IdemTTL:            time.Minute,
		HistoryRetention:   24 * time.Hour,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(testStoreConfig(t.TempDir()), metrics.New(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func intent(cid, symbol string, side types.Side, price, qty string) types.Order {
	return types.Order{
		ClientOrderID: cid,
		Symbol:        symbol,
		Side:          side,
		Price:         dec(price),
		Qty:           dec(qty),
	}
}

func TestPlaceAndGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100.50", "0.5"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}

	o, ok := s.Get("cid-1")
	if !ok {
		t.Fatal("Get returned ok=false")
	}
	if o.State != types.OrderPending {
		t.Errorf("state = %q, want pending", o.State)
	}
	if o.CreatedTS.IsZero() || o.UpdatedTS.IsZero() {
		t.Error("timestamps not set on place")
	}
	if !o.OpenedTS.IsZero() {
		t.Error("OpenedTS should be zero before the order is seen open")
	}
}

func TestPlaceDuplicateRejected(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100", "1"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "101", "1"), "k2")
	if !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("err = %v, want ErrDuplicateOrder", err)
	}
}

func TestPlaceIdempotentReplay(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100", "1"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	// Same idem key with a different intent: cached result, no second order.
	if err := s.Place(intent("cid-2", "BTC-USDT", types.SideBuy, "100", "1"), "k1"); err != nil {
		t.Fatalf("replayed Place: %v", err)
	}
	if _, ok := s.Get("cid-2"); ok {
		t.Error("replay with the same idem key placed a second order")
	}
}

func TestPlaceMissingCID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(types.Order{Symbol: "BTC-USDT", Side: types.SideBuy}, "k1"); err == nil {
		t.Fatal("expected error for missing client order id")
	}
}

func TestUpdateStateLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100", "1"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}

	if err := s.UpdateState("cid-1", types.OrderOpen, "k2"); err != nil {
		t.Fatalf("pending→open: %v", err)
	}
	o, _ := s.Get("cid-1")
	if o.OpenedTS.IsZero() {
		t.Error("OpenedTS not set on first open")
	}

	// Repeating the current state is a benign no-op.
	if err := s.UpdateState("cid-1", types.OrderOpen, "k3"); err != nil {
		t.Errorf("open→open: %v, want nil", err)
	}

	// Backwards is illegal.
	if err := s.UpdateState("cid-1", types.OrderPending, "k4"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("open→pending err = %v, want ErrIllegalTransition", err)
	}

	if err := s.UpdateState("cid-1", types.OrderCanceled, "k5"); err != nil {
		t.Fatalf("open→canceled: %v", err)
	}

	// Terminal states are sticky.
	if err := s.UpdateState("cid-1", types.OrderOpen, "k6"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("canceled→open err = %v, want ErrIllegalTransition", err)
	}
}

func TestUpdateStateUnknownOrder(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.UpdateState("nope", types.OrderOpen, "k1"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestApplyFillAccumulates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100.00", "1.0"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := s.UpdateState("cid-1", types.OrderOpen, "k2"); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.ApplyFill("cid-1", dec("0.4"), dec("100.00"), "k3"); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	o, _ := s.Get("cid-1")
	if o.State != types.OrderPartiallyFilled {
		t.Errorf("state = %q, want partially_filled", o.State)
	}
	if !o.FilledQty.Equal(dec("0.4")) {
		t.Errorf("filled = %s, want 0.4", o.FilledQty)
	}
	if !o.AvgFillPrice.Equal(dec("100.00")) {
		t.Errorf("avg = %s, want 100.00", o.AvgFillPrice)
	}
	if !o.RemainingQty().Equal(dec("0.6")) {
		t.Errorf("remaining = %s, want 0.6", o.RemainingQty())
	}
	inv := s.Inventory("BTC-USDT")
	if !inv.Position.Equal(dec("0.4")) {
		t.Errorf("position = %s, want 0.4", inv.Position)
	}

	if err := s.ApplyFill("cid-1", dec("0.6"), dec("101.00"), "k4"); err != nil {
		t.Fatalf("second fill: %v", err)
	}
	o, _ = s.Get("cid-1")
	if o.State != types.OrderFilled {
		t.Errorf("state = %q, want filled", o.State)
	}
	// (100*0.4 + 101*0.6) / 1.0
	if !o.AvgFillPrice.Equal(dec("100.6")) {
		t.Errorf("avg = %s, want 100.6", o.AvgFillPrice)
	}
	inv = s.Inventory("BTC-USDT")
	if !inv.Position.Equal(dec("1.0")) {
		t.Errorf("position = %s, want 1.0", inv.Position)
	}
	if !inv.Notional.Equal(dec("100.6")) {
		t.Errorf("notional = %s, want 100.6", inv.Notional)
	}

	// Filled is terminal: further fills are rejected.
	if err := s.ApplyFill("cid-1", dec("0.1"), dec("100"), "k5"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("fill on filled order err = %v, want ErrIllegalTransition", err)
	}
}

func TestApplyFillOverflow(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100", "1.0"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := s.UpdateState("cid-1", types.OrderOpen, "k2"); err != nil {
		t.Fatalf("open: %v", err)
	}

	err := s.ApplyFill("cid-1", dec("1.5"), dec("100"), "k3")
	if !errors.Is(err, ErrFillOverflow) {
		t.Fatalf("err = %v, want ErrFillOverflow", err)
	}

	// Nothing changed.
	o, _ := s.Get("cid-1")
	if !o.FilledQty.IsZero() || o.State != types.OrderOpen {
		t.Errorf("order mutated by rejected fill: filled=%s state=%s", o.FilledQty, o.State)
	}
	if !s.Inventory("BTC-USDT").Position.IsZero() {
		t.Error("inventory mutated by rejected fill")
	}
}

func TestApplyFillSellSignsInventory(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(intent("cid-1", "ETH-USDT", types.SideSell, "2000", "1.0"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := s.UpdateState("cid-1", types.OrderOpen, "k2"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.ApplyFill("cid-1", dec("0.3"), dec("2000"), "k3"); err != nil {
		t.Fatalf("fill: %v", err)
	}

	inv := s.Inventory("ETH-USDT")
	if !inv.Position.Equal(dec("-0.3")) {
		t.Errorf("position = %s, want -0.3", inv.Position)
	}
	if !inv.Notional.Equal(dec("-600")) {
		t.Errorf("notional = %s, want -600", inv.Notional)
	}
}

func TestApplyFillIdempotentReplay(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100", "1.0"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := s.UpdateState("cid-1", types.OrderOpen, "k2"); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.ApplyFill("cid-1", dec("0.4"), dec("100"), "fill-1"); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := s.ApplyFill("cid-1", dec("0.4"), dec("100"), "fill-1"); err != nil {
		t.Fatalf("replayed fill: %v", err)
	}

	o, _ := s.Get("cid-1")
	if !o.FilledQty.Equal(dec("0.4")) {
		t.Errorf("filled = %s, want 0.4 (replay must not double-apply)", o.FilledQty)
	}
}

func TestApplyFillPromotesPending(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100", "1.0"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	// Fill arrives before the place ack was processed.
	if err := s.ApplyFill("cid-1", dec("0.4"), dec("100"), "k2"); err != nil {
		t.Fatalf("fill on pending: %v", err)
	}

	o, _ := s.Get("cid-1")
	if o.State != types.OrderPartiallyFilled {
		t.Errorf("state = %q, want partially_filled", o.State)
	}
	if o.OpenedTS.IsZero() {
		t.Error("OpenedTS not set when fill promoted a pending order")
	}
}

func TestCancelAllOpen(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for _, cid := range []string{"cid-a", "cid-b"} {
		if err := s.Place(intent(cid, "BTC-USDT", types.SideBuy, "100", "1"), "place:"+cid); err != nil {
			t.Fatalf("Place %s: %v", cid, err)
		}
		if err := s.UpdateState(cid, types.OrderOpen, "open:"+cid); err != nil {
			t.Fatalf("open %s: %v", cid, err)
		}
	}
	if err := s.Place(intent("cid-c", "BTC-USDT", types.SideSell, "101", "1"), "place:cid-c"); err != nil {
		t.Fatalf("Place cid-c: %v", err)
	}
	if err := s.ApplyFill("cid-c", dec("1"), dec("101"), "fill:cid-c"); err != nil {
		t.Fatalf("fill cid-c: %v", err)
	}

	cids, err := s.CancelAllOpen("flat-1")
	if err != nil {
		t.Fatalf("CancelAllOpen: %v", err)
	}
	if len(cids) != 2 || cids[0] != "cid-a" || cids[1] != "cid-b" {
		t.Fatalf("cids = %v, want [cid-a cid-b]", cids)
	}
	for _, cid := range cids {
		if o, _ := s.Get(cid); o.State != types.OrderCanceled {
			t.Errorf("%s state = %q, want canceled", cid, o.State)
		}
	}
	if o, _ := s.Get("cid-c"); o.State != types.OrderFilled {
		t.Errorf("terminal order touched by cancel-all: %q", o.State)
	}

	// Replay returns the recorded cids and leaves new orders alone.
	if err := s.Place(intent("cid-d", "BTC-USDT", types.SideBuy, "99", "1"), "place:cid-d"); err != nil {
		t.Fatalf("Place cid-d: %v", err)
	}
	if err := s.UpdateState("cid-d", types.OrderOpen, "open:cid-d"); err != nil {
		t.Fatalf("open cid-d: %v", err)
	}
	replay, err := s.CancelAllOpen("flat-1")
	if err != nil {
		t.Fatalf("replayed CancelAllOpen: %v", err)
	}
	if len(replay) != 2 {
		t.Errorf("replay cids = %v, want the original two", replay)
	}
	if o, _ := s.Get("cid-d"); o.State != types.OrderOpen {
		t.Errorf("replay canceled a new order: %q", o.State)
	}
}

func TestListOpenFilters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100", "1"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := s.Place(intent("cid-2", "ETH-USDT", types.SideBuy, "2000", "1"), "k2"); err != nil {
		t.Fatalf("Place: %v", err)
	}

	if got := s.ListOpen(""); len(got) != 2 {
		t.Errorf("ListOpen(all) = %d orders, want 2", len(got))
	}
	got := s.ListOpen("ETH-USDT")
	if len(got) != 1 || got[0].ClientOrderID != "cid-2" {
		t.Errorf("ListOpen(ETH-USDT) = %v, want [cid-2]", got)
	}
}

func TestSnapshotRecoverRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s1, err := Open(testStoreConfig(dir), metrics.New(), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Place(intent("cid-a", "BTC-USDT", types.SideBuy, "100.00", "1.0"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := s1.UpdateState("cid-a", types.OrderOpen, "k2"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s1.ApplyFill("cid-a", dec("0.4"), dec("100.00"), "k3"); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := s1.Place(intent("cid-b", "BTC-USDT", types.SideSell, "101.00", "0.5"), "k4"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := s1.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	s2, err := Open(testStoreConfig(dir), metrics.New(), logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	open, err := s2.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("recovered %d open orders, want 2", len(open))
	}
	if open[0].ClientOrderID != "cid-a" || open[1].ClientOrderID != "cid-b" {
		t.Errorf("open = [%s %s], want [cid-a cid-b]", open[0].ClientOrderID, open[1].ClientOrderID)
	}

	a, ok := s2.Get("cid-a")
	if !ok {
		t.Fatal("cid-a missing after recover")
	}
	if a.State != types.OrderPartiallyFilled {
		t.Errorf("state = %q, want partially_filled", a.State)
	}
	if !a.FilledQty.Equal(dec("0.4")) || !a.Price.Equal(dec("100.00")) {
		t.Errorf("decimals lost in round trip: filled=%s price=%s", a.FilledQty, a.Price)
	}
	if a.OpenedTS.IsZero() {
		t.Error("OpenedTS lost in round trip")
	}

	inv := s2.Inventory("BTC-USDT")
	if !inv.Position.Equal(dec("0.4")) {
		t.Errorf("recovered position = %s, want 0.4", inv.Position)
	}

	if _, err := os.Stat(filepath.Join(dir, recoverMarker)); err != nil {
		t.Errorf("recover marker: %v", err)
	}
}

func TestSnapshotFormat(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(testStoreConfig(dir), metrics.New(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Place(intent("a-1", "BTC-USDT", types.SideBuy, "100", "1"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := s.Place(intent("b-1", "BTC-USDT", types.SideSell, "101", "1"), "k2"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := s.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, ordersFile))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	text := string(raw)
	if !strings.HasSuffix(text, "\n") {
		t.Error("snapshot missing trailing newline")
	}
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	// Lines are sorted by cid; keys inside each line are sorted; output is
	// compact.
	if !strings.Contains(lines[0], `"client_order_id":"a-1"`) {
		t.Errorf("line 0 = %s, want cid a-1 first", lines[0])
	}
	if strings.Contains(lines[0], ", ") || strings.Contains(lines[0], ": ") {
		t.Error("snapshot line is not compact")
	}
	for _, pair := range [][2]string{
		{`"avg_fill_price"`, `"client_order_id"`},
		{`"client_order_id"`, `"created_ts"`},
		{`"created_ts"`, `"state"`},
		{`"state"`, `"updated_ts"`},
	} {
		if strings.Index(lines[0], pair[0]) > strings.Index(lines[0], pair[1]) {
			t.Errorf("keys not sorted: %s after %s", pair[0], pair[1])
		}
	}
}

func TestRecoverEmptyDir(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	open, err := s.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("recovered %d orders from empty dir, want 0", len(open))
	}
}

func TestRecoverLastWriterWins(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(testStoreConfig(dir), metrics.New(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Append-style file with the same cid twice: the later record wins.
	lines := `{"client_order_id":"cid-1","symbol":"BTC-USDT","side":"buy","price":"100","qty":"1","filled_qty":"0","avg_fill_price":"0","state":"open","created_ts":"2026-08-24T00:00:00Z","updated_ts":"2026-08-24T00:00:00Z"}
{"client_order_id":"cid-1","symbol":"BTC-USDT","side":"buy","price":"100","qty":"1","filled_qty":"0","avg_fill_price":"0","state":"canceled","created_ts":"2026-08-24T00:00:00Z","updated_ts":"2026-08-24T00:01:00Z"}
`
	if err := os.WriteFile(filepath.Join(dir, ordersFile), []byte(lines), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	open, err := s.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open = %d, want 0 (last record is canceled)", len(open))
	}
	if o, _ := s.Get("cid-1"); o.State != types.OrderCanceled {
		t.Errorf("state = %q, want canceled", o.State)
	}
}

func TestRecoverCorruptLine(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(testStoreConfig(dir), metrics.New(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ordersFile), []byte("{not json}\n"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if _, err := s.Recover(); err == nil {
		t.Fatal("expected error for corrupt snapshot line")
	}
}

func TestPruneOnSnapshot(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(intent("cid-live", "BTC-USDT", types.SideBuy, "100", "1"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := s.UpdateState("cid-live", types.OrderOpen, "k2"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Place(intent("cid-done", "BTC-USDT", types.SideBuy, "100", "1"), "k3"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := s.UpdateState("cid-done", types.OrderCanceled, "k4"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Snapshot 25h later: the closed order ages out, the live one stays.
	s.nowFunc = func() time.Time { return time.Now().Add(25 * time.Hour) }
	if err := s.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if _, ok := s.Get("cid-done"); ok {
		t.Error("closed order survived pruning")
	}
	if _, ok := s.Get("cid-live"); !ok {
		t.Error("open order was pruned")
	}
}

func TestIdemKeyExpiry(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	now := time.Now()
	s.idem.nowFunc = func() time.Time { return now }

	if err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100", "1"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	// Within the TTL the replay is absorbed.
	if err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100", "1"), "k1"); err != nil {
		t.Fatalf("replay within TTL: %v", err)
	}

	// After the TTL the key has expired and the duplicate reaches the map.
	now = now.Add(2 * time.Minute)
	err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100", "1"), "k1")
	if !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("err = %v, want ErrDuplicateOrder after idem expiry", err)
	}
}

func TestInventoryUnknownSymbol(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	inv := s.Inventory("NEVER-TRADED")
	if inv.Symbol != "NEVER-TRADED" || !inv.Position.IsZero() {
		t.Errorf("inv = %+v, want zero position", inv)
	}
}

func TestAckPromotesAndRecordsID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100", "1"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := s.Ack("cid-1", "ex-1", "ack:cid-1"); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	o, _ := s.Get("cid-1")
	if o.State != types.OrderOpen {
		t.Errorf("state = %q, want open", o.State)
	}
	if o.ExchangeOrderID != "ex-1" {
		t.Errorf("exchange order id = %q, want ex-1", o.ExchangeOrderID)
	}
	if o.OpenedTS.IsZero() {
		t.Error("OpenedTS not set on ack")
	}

	// A second ack (REST retry) changes nothing.
	if err := s.Ack("cid-1", "ex-1", "ack:cid-1"); err != nil {
		t.Fatalf("replay Ack: %v", err)
	}
}

func TestAckAfterStreamOpen(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100", "1"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	// Stream open event arrives before the REST ack.
	if err := s.UpdateState("cid-1", types.OrderOpen, "s1"); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	if err := s.Ack("cid-1", "ex-9", "ack:cid-1"); err != nil {
		t.Fatalf("Ack after stream open: %v", err)
	}

	o, _ := s.Get("cid-1")
	if o.ExchangeOrderID != "ex-9" {
		t.Errorf("exchange order id = %q, want ex-9", o.ExchangeOrderID)
	}
	if o.State != types.OrderOpen {
		t.Errorf("state = %q, want open", o.State)
	}
}

func TestAmendRewritesPriceQty(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100", "1"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := s.Amend("cid-1", dec("99.5"), dec("0.8"), "am1"); err != nil {
		t.Fatalf("Amend: %v", err)
	}

	o, _ := s.Get("cid-1")
	if !o.Price.Equal(dec("99.5")) || !o.Qty.Equal(dec("0.8")) {
		t.Errorf("order = %s @ %s, want 0.8 @ 99.5", o.Qty, o.Price)
	}
}

func TestAmendBelowFilledRejected(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100", "1"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := s.ApplyFill("cid-1", dec("0.5"), dec("100"), "f1"); err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}

	err := s.Amend("cid-1", dec("100"), dec("0.4"), "am1")
	if !errors.Is(err, ErrFillOverflow) {
		t.Fatalf("err = %v, want ErrFillOverflow", err)
	}
	o, _ := s.Get("cid-1")
	if !o.Qty.Equal(dec("1")) {
		t.Errorf("qty = %s, want untouched 1", o.Qty)
	}
}

func TestAmendTerminalRejected(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Place(intent("cid-1", "BTC-USDT", types.SideBuy, "100", "1"), "k1"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := s.UpdateState("cid-1", types.OrderCanceled, "c1"); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	if err := s.Amend("cid-1", dec("99"), dec("1"), "am1"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
}
