package risk

import (
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"maker-bot/internal/config"
	"maker-bot/internal/metrics"
)

func testGuardConfig() config.RiskConfig {
	return config.RiskConfig{
		Guards: config.GuardsConfig{
			Soft: config.GuardLevelConfig{TEnterS: 1, TExitS: 2, MaxInventorySkew: 0.5, MaxClockDriftMs: 100},
			Hard: config.GuardLevelConfig{TEnterS: 1, TExitS: 3, MaxInventorySkew: 0.9},
		},
		MinDwellS:       5,
		InventoryTarget: 5,
		CapitalBase:     10000,
	}
}

// newTestEvaluator wires an evaluator onto a frozen clock. The returned
// advance function moves the clock forward for both hysteresis and dwell.
func newTestEvaluator(t *testing.T, cfg config.RiskConfig) (*Evaluator, func(time.Duration)) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEvaluator(cfg, NewSignals(cfg), metrics.New(), logger)

	now := time.Unix(1700000000, 0)
	e.nowFunc = func() time.Time { return now }
	return e, func(d time.Duration) { now = now.Add(d) }
}

func TestEvaluateQuietStaysOK(t *testing.T) {
	t.Parallel()
	e, advance := newTestEvaluator(t, testGuardConfig())

	for i := 0; i < 3; i++ {
		st := e.Evaluate()
		if st.Level != LevelOK || len(st.Reasons) != 0 {
			t.Fatalf("quiet evaluate %d = %v %v, want ok with no reasons", i, st.Level, st.Reasons)
		}
		advance(time.Second)
	}
}

func TestSoftEngagesAfterEnterWindow(t *testing.T) {
	t.Parallel()
	e, advance := newTestEvaluator(t, testGuardConfig())

	e.signals.SetInventory("BTC-USDT", 3) // skew 0.6: soft breach, under hard
	if st := e.Evaluate(); st.Level != LevelOK {
		t.Fatalf("level on first breach tick = %v, want ok until t_enter", st.Level)
	}

	advance(500 * time.Millisecond)
	if st := e.Evaluate(); st.Level != LevelOK {
		t.Fatalf("level at 0.5s = %v, want ok (t_enter is 1s)", st.Level)
	}

	advance(600 * time.Millisecond)
	st := e.Evaluate()
	if st.Level != LevelSoft {
		t.Fatalf("level at 1.1s = %v, want soft", st.Level)
	}
	if !slices.Equal(st.Reasons, []string{"inventory_skew"}) {
		t.Errorf("reasons = %v, want [inventory_skew]", st.Reasons)
	}

	// Since marks the transition and holds while the level is unchanged.
	since := st.Since
	advance(time.Second)
	if st := e.Evaluate(); st.Level != LevelSoft || !st.Since.Equal(since) {
		t.Errorf("since moved without a transition: %v -> %v", since, st.Since)
	}
}

func TestSoftReleasesAfterExitWindow(t *testing.T) {
	t.Parallel()
	e, advance := newTestEvaluator(t, testGuardConfig())

	e.signals.SetInventory("BTC-USDT", 3)
	e.Evaluate()
	advance(1100 * time.Millisecond)
	if st := e.Evaluate(); st.Level != LevelSoft {
		t.Fatalf("setup: level = %v, want soft", st.Level)
	}

	e.signals.SetInventory("BTC-USDT", 0)
	if st := e.Evaluate(); st.Level != LevelSoft {
		t.Fatalf("level on first clear tick = %v, want soft until t_exit", st.Level)
	}

	advance(time.Second)
	if st := e.Evaluate(); st.Level != LevelSoft {
		t.Fatalf("level at 1s clear = %v, want soft (t_exit is 2s)", st.Level)
	}

	advance(1500 * time.Millisecond)
	if st := e.Evaluate(); st.Level != LevelOK {
		t.Errorf("level at 2.5s clear = %v, want ok", st.Level)
	}
}

func TestHardOverridesSoft(t *testing.T) {
	t.Parallel()
	e, advance := newTestEvaluator(t, testGuardConfig())

	e.signals.SetInventory("BTC-USDT", 6) // skew 1.2 breaches both severities
	e.Evaluate()
	advance(1100 * time.Millisecond)

	st := e.Evaluate()
	if st.Level != LevelHard {
		t.Fatalf("level = %v, want hard", st.Level)
	}
	if !slices.Equal(st.Reasons, []string{"inventory_skew"}) {
		t.Errorf("reasons = %v, want deduplicated [inventory_skew]", st.Reasons)
	}
}

func TestHardExitHoldsForDwell(t *testing.T) {
	t.Parallel()
	e, advance := newTestEvaluator(t, testGuardConfig())

	e.signals.SetInventory("BTC-USDT", 6)
	e.Evaluate()
	advance(1100 * time.Millisecond)
	if st := e.Evaluate(); st.Level != LevelHard {
		t.Fatalf("setup: level = %v, want hard", st.Level)
	}

	e.signals.SetInventory("BTC-USDT", 0)
	e.Evaluate() // clear window starts; hard still active

	// Past hard t_exit the guard itself releases, but the dwell keeps
	// the book down.
	advance(3100 * time.Millisecond)
	st := e.Evaluate()
	if st.Level != LevelHard {
		t.Fatalf("level during dwell = %v, want hard", st.Level)
	}
	if !slices.Equal(st.Reasons, []string{ReasonReEntryDwell}) {
		t.Errorf("reasons during dwell = %v, want [%s]", st.Reasons, ReasonReEntryDwell)
	}

	advance(2 * time.Second) // 5.1s since the last active-hard evaluation
	if st := e.Evaluate(); st.Level != LevelOK {
		t.Errorf("level after dwell = %v, want ok", st.Level)
	}
}

func TestForceHardBypassesHysteresis(t *testing.T) {
	t.Parallel()
	e, advance := newTestEvaluator(t, testGuardConfig())

	e.ForceHard("hard_desync")
	st := e.State()
	if st.Level != LevelHard {
		t.Fatalf("level after ForceHard = %v, want hard immediately", st.Level)
	}
	if !slices.Equal(st.Reasons, []string{"hard_desync"}) {
		t.Errorf("reasons = %v, want [hard_desync]", st.Reasons)
	}

	// Forced reasons ignore exit hysteresis but still pay the dwell.
	e.ClearForced("hard_desync")
	st = e.State()
	if st.Level != LevelHard || !slices.Equal(st.Reasons, []string{ReasonReEntryDwell}) {
		t.Fatalf("state after clear = %v %v, want hard [%s]", st.Level, st.Reasons, ReasonReEntryDwell)
	}

	advance(5100 * time.Millisecond)
	if st := e.Evaluate(); st.Level != LevelOK {
		t.Errorf("level after dwell = %v, want ok", st.Level)
	}
}

func TestZeroThresholdDisablesGuard(t *testing.T) {
	t.Parallel()
	cfg := testGuardConfig()
	cfg.Guards.Soft.MaxInventorySkew = 0
	cfg.Guards.Hard.MaxInventorySkew = 0
	e, advance := newTestEvaluator(t, cfg)

	e.signals.SetInventory("BTC-USDT", 50)
	e.Evaluate()
	advance(2 * time.Second)
	if st := e.Evaluate(); st.Level != LevelOK {
		t.Errorf("level with disabled guard = %v, want ok", st.Level)
	}
}

func TestReasonsUnionAcrossGuards(t *testing.T) {
	t.Parallel()
	e, advance := newTestEvaluator(t, testGuardConfig())

	e.signals.SetInventory("BTC-USDT", 3)              // skew 0.6
	e.signals.RecordClockDrift(250 * time.Millisecond) // over the 100ms soft cap
	e.Evaluate()
	advance(1100 * time.Millisecond)

	st := e.Evaluate()
	if st.Level != LevelSoft {
		t.Fatalf("level = %v, want soft", st.Level)
	}
	if !slices.Equal(st.Reasons, []string{"clock_drift", "inventory_skew"}) {
		t.Errorf("reasons = %v, want sorted union [clock_drift inventory_skew]", st.Reasons)
	}
}

func TestStateDefaultsOK(t *testing.T) {
	t.Parallel()
	e, _ := newTestEvaluator(t, testGuardConfig())

	st := e.State()
	if st.Level != LevelOK || len(st.Reasons) != 0 {
		t.Errorf("initial state = %v %v, want ok with no reasons", st.Level, st.Reasons)
	}
}
