// Package risk grades live telemetry into a composite guard level the
// quoting pipeline obeys.
//
// Eight guards watch the signals in [Snapshot]: inventory skew,
// volatility, exchange latency, error rate, drawdown, daily loss, PnL
// deviation, and clock drift. Each guard runs at two severities with
// separate thresholds (a zero threshold disables that guard at that
// severity):
//
//   - SOFT: quoting continues but only exposure-reducing amends go out
//   - HARD: cancel everything and stop placing
//
// Levels flip with hysteresis so a flickering signal cannot strobe the
// book: a condition must hold for t_enter before the level engages and
// stay clear for t_exit before it releases, with t_exit > t_enter. The
// composite level is the max over all guards and the reported reasons
// are the union of every active guard. Leaving HARD additionally holds
// for min_dwell_s of clean readings before quoting resumes.
//
// The reconciler can force HARD directly (ForceHard) when it detects a
// desync too large to trust local state; forced reasons bypass
// hysteresis and stay until cleared.
package risk

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"maker-bot/internal/config"
	"maker-bot/internal/metrics"
)

// Level is the composite guard severity.
type Level int

const (
	LevelOK Level = iota
	LevelSoft
	LevelHard
)

func (l Level) String() string {
	switch l {
	case LevelSoft:
		return "soft"
	case LevelHard:
		return "hard"
	default:
		return "ok"
	}
}

// ReasonReEntryDwell is reported while HARD is held after its guards
// cleared, waiting out min_dwell_s.
const ReasonReEntryDwell = "re_entry_dwell"

// State is the published guard decision. Reasons are sorted and
// deduplicated across severities.
type State struct {
	Level   Level
	Reasons []string
	Since   time.Time
}

// hysteresis debounces one guard at one severity. A breach must hold
// for tEnter before the guard activates; once active, readings must
// stay clear for tExit before it releases.
type hysteresis struct {
	breachStart time.Time
	clearStart  time.Time
	active      bool
}

func (h *hysteresis) update(now time.Time, breached bool, tEnter, tExit time.Duration) bool {
	if breached {
		h.clearStart = time.Time{}
		if h.breachStart.IsZero() {
			h.breachStart = now
		}
		if !h.active && now.Sub(h.breachStart) >= tEnter {
			h.active = true
		}
		return h.active
	}
	h.breachStart = time.Time{}
	if h.active {
		if h.clearStart.IsZero() {
			h.clearStart = now
		}
		if now.Sub(h.clearStart) >= tExit {
			h.active = false
			h.clearStart = time.Time{}
		}
	}
	return h.active
}

// predicate ties a reason tag to its signal reading and per-severity
// threshold. A threshold of zero disables the predicate.
type predicate struct {
	reason    string
	value     func(Snapshot) float64
	threshold func(config.GuardLevelConfig) float64
}

var predicates = []predicate{
	{"inventory_skew",
		func(s Snapshot) float64 { return s.InventorySkew },
		func(g config.GuardLevelConfig) float64 { return g.MaxInventorySkew }},
	{"volatility",
		func(s Snapshot) float64 { return s.VolBps },
		func(g config.GuardLevelConfig) float64 { return g.MaxVolBps }},
	{"latency",
		func(s Snapshot) float64 { return s.LatencyP95Ms },
		func(g config.GuardLevelConfig) float64 { return g.MaxLatencyP95Ms }},
	{"err_rate",
		func(s Snapshot) float64 { return s.ErrRate },
		func(g config.GuardLevelConfig) float64 { return g.MaxErrRate }},
	{"drawdown",
		func(s Snapshot) float64 { return s.DrawdownPct },
		func(g config.GuardLevelConfig) float64 { return g.MaxDrawdownPct }},
	{"daily_loss",
		func(s Snapshot) float64 { return s.DailyLossPct },
		func(g config.GuardLevelConfig) float64 { return g.MaxDailyLossPct }},
	{"pnl_deviation",
		func(s Snapshot) float64 { return s.PnLDeviationPct },
		func(g config.GuardLevelConfig) float64 { return g.MaxPnLDeviationPct }},
	{"clock_drift",
		func(s Snapshot) float64 { return s.ClockDriftMs },
		func(g config.GuardLevelConfig) float64 { return g.MaxClockDriftMs }},
}

// Evaluator samples Signals each tick and publishes the composite guard
// State. Reads are lock-free; Evaluate and ForceHard serialize on an
// internal mutex.
type Evaluator struct {
	cfg     config.RiskConfig
	signals *Signals
	met     *metrics.Metrics
	logger  *slog.Logger
	nowFunc func() time.Time

	state atomic.Pointer[State]

	mu         sync.Mutex
	soft       map[string]*hysteresis
	hard       map[string]*hysteresis
	forced     map[string]bool
	lastHardAt time.Time // last evaluation that saw an active hard guard
}

// NewEvaluator creates the guard evaluator over the given signal
// aggregator.
func NewEvaluator(cfg config.RiskConfig, signals *Signals, met *metrics.Metrics, logger *slog.Logger) *Evaluator {
	e := &Evaluator{
		cfg:     cfg,
		signals: signals,
		met:     met,
		logger:  logger.With("component", "guards"),
		nowFunc: time.Now,
		soft:    make(map[string]*hysteresis, len(predicates)),
		hard:    make(map[string]*hysteresis, len(predicates)),
		forced:  make(map[string]bool),
	}
	for _, p := range predicates {
		e.soft[p.reason] = &hysteresis{}
		e.hard[p.reason] = &hysteresis{}
	}
	e.state.Store(&State{Level: LevelOK, Since: e.nowFunc()})
	met.GuardLevel.Set(0)
	return e
}

// UpdateConfig swaps the guard thresholds, used by hot reload. Hysteresis
// state carries over: a guard mid-breach keeps its timer under the new
// thresholds.
func (e *Evaluator) UpdateConfig(cfg config.RiskConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.Evaluate()
}

// State returns the last published guard decision.
func (e *Evaluator) State() State {
	return *e.state.Load()
}

// Signals returns the underlying aggregator for producers and the
// status endpoint.
func (e *Evaluator) Signals() *Signals {
	return e.signals
}

// ForceHard engages HARD immediately under the given reason, bypassing
// hysteresis. It stays engaged until ClearForced.
func (e *Evaluator) ForceHard(reason string) {
	e.mu.Lock()
	e.forced[reason] = true
	e.mu.Unlock()
	e.Evaluate()
}

// ClearForced releases a forced reason. The usual exit hysteresis and
// re-entry dwell still apply before quoting resumes.
func (e *Evaluator) ClearForced(reason string) {
	e.mu.Lock()
	delete(e.forced, reason)
	e.mu.Unlock()
	e.Evaluate()
}

// Evaluate samples the signals, advances every guard's hysteresis, and
// publishes the new composite state.
func (e *Evaluator) Evaluate() State {
	snap := e.signals.Snapshot()
	now := e.nowFunc()

	e.mu.Lock()
	defer e.mu.Unlock()

	active := make(map[string]bool)
	hardCount := 0
	for _, p := range predicates {
		v := p.value(snap)

		thr := p.threshold(e.cfg.Guards.Soft)
		if e.soft[p.reason].update(now, thr > 0 && v > thr, secs(e.cfg.Guards.Soft.TEnterS), secs(e.cfg.Guards.Soft.TExitS)) {
			active[p.reason] = true
		}
		thr = p.threshold(e.cfg.Guards.Hard)
		if e.hard[p.reason].update(now, thr > 0 && v > thr, secs(e.cfg.Guards.Hard.TEnterS), secs(e.cfg.Guards.Hard.TExitS)) {
			active[p.reason] = true
			hardCount++
		}
	}
	for reason := range e.forced {
		active[reason] = true
		hardCount++
	}

	level := LevelOK
	switch {
	case hardCount > 0:
		level = LevelHard
		e.lastHardAt = now
	case !e.lastHardAt.IsZero() && now.Sub(e.lastHardAt) < secs(e.cfg.MinDwellS):
		// Hard guards cleared but the dwell has not elapsed; keep the
		// book down until readings have been clean long enough.
		level = LevelHard
		active[ReasonReEntryDwell] = true
	case len(active) > 0:
		level = LevelSoft
	}

	reasons := make([]string, 0, len(active))
	for r := range active {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)

	prev := e.state.Load()
	st := State{Level: level, Reasons: reasons, Since: prev.Since}
	if level != prev.Level {
		st.Since = now
		primary := "clear"
		if len(reasons) > 0 {
			primary = reasons[0]
		}
		e.met.GuardTransitions.WithLabelValues(level.String(), primary).Inc()
		switch {
		case level == LevelHard:
			e.logger.Error("guard level raised",
				"from", prev.Level.String(), "to", level.String(), "reasons", reasons)
		case level > prev.Level:
			e.logger.Warn("guard level raised",
				"from", prev.Level.String(), "to", level.String(), "reasons", reasons)
		default:
			e.logger.Info("guard level lowered",
				"from", prev.Level.String(), "to", level.String(), "reasons", reasons)
		}
	}
	e.met.GuardLevel.Set(float64(level))
	e.state.Store(&st)
	return st
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
