package exchange

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"maker-bot/internal/config"
)

func testCircuitConfig() config.CircuitConfig {
	return config.CircuitConfig{
		WindowS:           300,
		MaxErrRateRatio:   0.30,
		CooldownS:         30,
		MinClosedS:        10,
		ProbeCount:        1,
		MinDwellS:         0,
		MaxLogLinesPerSec: 5,
		MinEvents:         10,
	}
}

type circuitClock struct {
	now time.Time
}

func (c *circuitClock) Now() time.Time         { return c.now }
func (c *circuitClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCircuit(cfg config.CircuitConfig) (*Circuit, *circuitClock) {
	clk := &circuitClock{now: time.Unix(1_700_000_000, 0)}
	c := NewCircuit(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.nowFunc = clk.Now
	return c, clk
}

func feed(c *Circuit, ok, errs int) {
	for i := 0; i < ok; i++ {
		c.Record(true)
	}
	for i := 0; i < errs; i++ {
		c.Record(false)
	}
}

func TestCircuitStartsOpen(t *testing.T) {
	t.Parallel()
	c, _ := newTestCircuit(testCircuitConfig())

	if got := c.Snapshot().State; got != StateOpen {
		t.Fatalf("initial state = %s, want OPEN", got)
	}
	if err := c.Allow(OpPlace); err != nil {
		t.Errorf("Allow in OPEN: %v", err)
	}
}

func TestCircuitTripsOnErrRate(t *testing.T) {
	t.Parallel()
	c, _ := newTestCircuit(testCircuitConfig())

	var edges []string
	c.SetTransitionHook(func(from, to CircuitState) {
		edges = append(edges, from.String()+"->"+to.String())
	})

	// 6 ok + 4 err = 10 events, rate 0.40 > 0.30.
	feed(c, 6, 4)

	if got := c.Snapshot().State; got != StateTripped {
		t.Fatalf("state = %s, want TRIPPED", got)
	}
	if err := c.Allow(OpPlace); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow in TRIPPED = %v, want ErrCircuitOpen", err)
	}

	// A single burst of errors produces exactly one trip edge.
	feed(c, 0, 5)
	if len(edges) != 1 || edges[0] != "OPEN->TRIPPED" {
		t.Errorf("edges = %v, want exactly one OPEN->TRIPPED", edges)
	}
}

func TestCircuitBelowMinEventsDoesNotTrip(t *testing.T) {
	t.Parallel()
	c, _ := newTestCircuit(testCircuitConfig())

	// 100% errors but only 5 events: below the min_events floor.
	feed(c, 0, 5)
	if got := c.Snapshot().State; got != StateOpen {
		t.Errorf("state = %s, want OPEN below min_events", got)
	}
}

func TestCircuitAllowlistBypassesTripped(t *testing.T) {
	t.Parallel()
	c, _ := newTestCircuit(testCircuitConfig())
	feed(c, 0, 10)

	if got := c.Snapshot().State; got != StateTripped {
		t.Fatalf("state = %s, want TRIPPED", got)
	}
	for _, op := range []string{OpHealth, OpCancelAll, OpOpenOrders, OpHistory} {
		if err := c.Allow(op); err != nil {
			t.Errorf("allowlisted %s refused: %v", op, err)
		}
	}
	for _, op := range []string{OpPlace, OpAmend, OpCancel, OpBook} {
		if err := c.Allow(op); !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("%s should be refused in TRIPPED, got %v", op, err)
		}
	}
}

func TestCircuitRecoverySequence(t *testing.T) {
	t.Parallel()
	c, clk := newTestCircuit(testCircuitConfig())
	feed(c, 0, 10)

	// Cooldown not elapsed: still TRIPPED.
	clk.Advance(29 * time.Second)
	_ = c.Allow(OpPlace)
	if got := c.Snapshot().State; got != StateTripped {
		t.Fatalf("state before cooldown = %s, want TRIPPED", got)
	}

	// Cooldown elapsed: HALF_OPEN, traffic allowed for probing.
	clk.Advance(2 * time.Second)
	if err := c.Allow(OpPlace); err != nil {
		t.Fatalf("Allow in HALF_OPEN: %v", err)
	}
	if got := c.Snapshot().State; got != StateHalfOpen {
		t.Fatalf("state after cooldown = %s, want HALF_OPEN", got)
	}

	// One successful probe (probe_count=1) closes the loop back to OPEN.
	c.Record(true)
	if got := c.Snapshot().State; got != StateOpen {
		t.Fatalf("state after probe = %s, want OPEN", got)
	}
}

func TestCircuitProbeFailureRetrips(t *testing.T) {
	t.Parallel()
	c, clk := newTestCircuit(testCircuitConfig())
	feed(c, 0, 10)
	clk.Advance(31 * time.Second)
	_ = c.Allow(OpPlace)
	if got := c.Snapshot().State; got != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", got)
	}

	c.Record(false)
	if got := c.Snapshot().State; got != StateTripped {
		t.Errorf("state after failed probe = %s, want TRIPPED", got)
	}
}

func TestCircuitMinDwellDelaysRecovery(t *testing.T) {
	t.Parallel()
	cfg := testCircuitConfig()
	cfg.MinDwellS = 5
	c, clk := newTestCircuit(cfg)
	feed(c, 0, 10)
	clk.Advance(31 * time.Second)
	_ = c.Allow(OpPlace)
	if got := c.Snapshot().State; got != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", got)
	}

	// Probe succeeds immediately, but the dwell keeps us in HALF_OPEN.
	c.Record(true)
	if got := c.Snapshot().State; got != StateHalfOpen {
		t.Fatalf("state right after probe = %s, want HALF_OPEN (dwell)", got)
	}

	clk.Advance(6 * time.Second)
	if got := c.Snapshot().State; got != StateOpen {
		t.Errorf("state after dwell = %s, want OPEN", got)
	}
}

func TestCircuitMinClosedCoolOff(t *testing.T) {
	t.Parallel()
	c, clk := newTestCircuit(testCircuitConfig())

	// Trip and recover.
	feed(c, 0, 10)
	clk.Advance(31 * time.Second)
	_ = c.Allow(OpPlace)
	c.Record(true)
	if got := c.Snapshot().State; got != StateOpen {
		t.Fatalf("state = %s, want OPEN after recovery", got)
	}

	// Errors right after recovery are counted but cannot re-trip inside
	// min_closed_s.
	feed(c, 0, 10)
	if got := c.Snapshot().State; got != StateOpen {
		t.Fatalf("state inside min_closed = %s, want OPEN", got)
	}

	// Past the cool-off the next error re-trips on the accumulated window.
	clk.Advance(11 * time.Second)
	c.Record(false)
	if got := c.Snapshot().State; got != StateTripped {
		t.Errorf("state after cool-off = %s, want TRIPPED", got)
	}
}

func TestCircuitForcedTrip(t *testing.T) {
	t.Parallel()
	c, _ := newTestCircuit(testCircuitConfig())

	c.Trip("scheduler_fault")
	if got := c.Snapshot().State; got != StateTripped {
		t.Fatalf("state = %s, want TRIPPED after forced trip", got)
	}
	// Idempotent: a second trip does not reset the cooldown edge count.
	var edges int
	c.SetTransitionHook(func(CircuitState, CircuitState) { edges++ })
	c.Trip("scheduler_fault")
	if edges != 0 {
		t.Errorf("second Trip produced %d edges, want 0", edges)
	}
}

func TestCircuitWindowRecoveryClearsErrors(t *testing.T) {
	t.Parallel()
	c, clk := newTestCircuit(testCircuitConfig())
	feed(c, 0, 10)
	clk.Advance(31 * time.Second)
	_ = c.Allow(OpPlace)
	c.Record(true)

	// Window was cleared on recovery: old errors are gone, so a single new
	// error after min_closed cannot trip on its own (below min_events).
	clk.Advance(11 * time.Second)
	c.Record(false)
	if got := c.Snapshot().State; got != StateOpen {
		t.Errorf("state = %s, want OPEN (cleared window, below min_events)", got)
	}
}
