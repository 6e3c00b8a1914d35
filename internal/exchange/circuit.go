// circuit.go implements the circuit gate every adapter call passes through.
//
// Naming follows the operational convention, not the electrical one: OPEN
// means traffic is allowed, TRIPPED means refused, HALF_OPEN means probing.
//
// Transitions:
//
//	OPEN      → TRIPPED   error rate over the rolling window exceeds the ratio
//	TRIPPED   → HALF_OPEN cooldown elapsed
//	HALF_OPEN → OPEN      probe_count consecutive successes
//	HALF_OPEN → TRIPPED   any failure while probing
//
// Trips are safety transitions and happen immediately; recovery transitions
// additionally require min_dwell_s in the current state. After a recovery,
// errors inside min_closed_s are still counted but cannot re-trip. Outcomes
// are coalesced into one-second buckets, and transition log lines are rate
// limited.
package exchange

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maker-bot/internal/config"
)

// ErrCircuitOpen is returned when the gate refuses a call. The tag is the
// wire-facing historical name for "circuit is refusing traffic".
var ErrCircuitOpen = errors.New("circuit_open")

// CircuitState is the gate's position.
type CircuitState int

const (
	StateOpen CircuitState = iota // traffic allowed
	StateTripped
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateTripped:
		return "TRIPPED"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("CircuitState(%d)", int(s))
	}
}

// Adapter operation names. These classify calls for the gate's allowlist and
// for metrics labels.
const (
	OpPlace      = "place"
	OpAmend      = "amend"
	OpCancel     = "cancel"
	OpCancelAll  = "cancel_all"
	OpOpenOrders = "open_orders"
	OpHistory    = "history"
	OpBook       = "book"
	OpFilters    = "filters"
	OpHealth     = "health"
)

// CircuitSnapshot is a point-in-time copy of the gate's state for health
// reporting and tests.
type CircuitSnapshot struct {
	State          CircuitState
	ErrRate        float64
	Events         int64
	LastTransition time.Time
}

type secondBucket struct {
	sec int64 // unix second this bucket covers
	ok  int64
	err int64
}

// Circuit is the error-rate state machine guarding the adapter. Safe for
// concurrent use.
type Circuit struct {
	mu      sync.Mutex
	cfg     config.CircuitConfig
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for tests

	state          CircuitState
	lastTransition time.Time
	recoveredAt    time.Time // last HALF_OPEN→OPEN edge, for min_closed_s
	probeOK        int

	buckets   []secondBucket
	allowlist map[string]bool

	logSec   int64
	logCount int

	// onTransition, when set, observes every edge (metrics).
	onTransition func(from, to CircuitState)
}

// NewCircuit builds a gate in OPEN with the standard allowlist: health
// probes, cancel-all, and the reconciliation reads bypass the gate so the
// system can always flatten and resync.
func NewCircuit(cfg config.CircuitConfig, logger *slog.Logger) *Circuit {
	if cfg.WindowS <= 0 {
		cfg.WindowS = 300
	}
	return &Circuit{
		cfg:     cfg,
		logger:  logger.With("component", "circuit"),
		nowFunc: time.Now,
		state:   StateOpen,
		buckets: make([]secondBucket, cfg.WindowS),
		allowlist: map[string]bool{
			OpHealth:     true,
			OpCancelAll:  true,
			OpOpenOrders: true,
			OpHistory:    true,
		},
	}
}

// SetTransitionHook registers a callback fired on every state edge.
func (c *Circuit) SetTransitionHook(fn func(from, to CircuitState)) {
	c.mu.Lock()
	c.onTransition = fn
	c.mu.Unlock()
}

// Allow decides whether the named operation may proceed. Allowlisted ops
// always pass. Non-allowlisted ops pass in OPEN and HALF_OPEN (probes) and
// are refused with ErrCircuitOpen in TRIPPED.
func (c *Circuit) Allow(op string) error {
	if c.allowlist[op] {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	c.advance(now)

	if c.state == StateTripped {
		return fmt.Errorf("%w: %s refused", ErrCircuitOpen, op)
	}
	return nil
}

// Record feeds one call outcome into the window. Only circuit-relevant
// outcomes belong here: successes and transient failures. Fatal errors are
// caller bugs, not venue health, and must not be recorded.
func (c *Circuit) Record(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	c.advance(now)

	b := c.bucket(now)
	if success {
		b.ok++
	} else {
		b.err++
	}

	switch c.state {
	case StateOpen:
		if !success && c.canTrip(now) {
			rate, _ := c.errRate(now)
			if rate > c.cfg.MaxErrRateRatio {
				c.transition(now, StateTripped, fmt.Sprintf("err_rate=%.2f", rate))
			}
		}
	case StateHalfOpen:
		if success {
			c.probeOK++
			// Recovery needs the dwell as well; advance() on the next call
			// completes it if the probes are already in.
			if c.probeOK >= c.cfg.ProbeCount && c.dwellMet(now) {
				c.transition(now, StateOpen, "probes_ok")
			}
		} else {
			c.transition(now, StateTripped, "probe_failed")
		}
	}
}

// Trip forces the gate into TRIPPED (safety transition, no dwell check).
// Used for scheduler faults and operator action.
func (c *Circuit) Trip(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	if c.state != StateTripped {
		c.transition(now, StateTripped, reason)
	}
}

// Snapshot returns a copy of the current state.
func (c *Circuit) Snapshot() CircuitSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	c.advance(now)
	rate, events := c.errRate(now)
	return CircuitSnapshot{
		State:          c.state,
		ErrRate:        rate,
		Events:         events,
		LastTransition: c.lastTransition,
	}
}

// advance applies time-based transitions: TRIPPED→HALF_OPEN after cooldown,
// HALF_OPEN→OPEN when probes were already satisfied and the dwell has passed.
// Caller holds the mutex.
func (c *Circuit) advance(now time.Time) {
	switch c.state {
	case StateTripped:
		cooldown := time.Duration(c.cfg.CooldownS) * time.Second
		if now.Sub(c.lastTransition) >= cooldown && c.dwellMet(now) {
			c.transition(now, StateHalfOpen, "cooldown_elapsed")
		}
	case StateHalfOpen:
		if c.probeOK >= c.cfg.ProbeCount && c.dwellMet(now) {
			c.transition(now, StateOpen, "probes_ok")
		}
	}
}

func (c *Circuit) dwellMet(now time.Time) bool {
	if c.lastTransition.IsZero() {
		return true
	}
	return now.Sub(c.lastTransition) >= time.Duration(c.cfg.MinDwellS)*time.Second
}

// canTrip reports whether a trip from OPEN is currently permitted: it is
// unless we recovered within the last min_closed_s.
func (c *Circuit) canTrip(now time.Time) bool {
	if c.recoveredAt.IsZero() {
		return true
	}
	return now.Sub(c.recoveredAt) >= time.Duration(c.cfg.MinClosedS)*time.Second
}

func (c *Circuit) transition(now time.Time, to CircuitState, reason string) {
	from := c.state
	c.state = to
	c.lastTransition = now
	c.probeOK = 0

	if to == StateOpen {
		c.recoveredAt = now
		// Fresh window after recovery so stale errors cannot instantly re-trip.
		for i := range c.buckets {
			c.buckets[i] = secondBucket{}
		}
	}

	if c.onTransition != nil {
		c.onTransition(from, to)
	}
	c.logTransition(now, from, to, reason)
}

// logTransition emits one line per edge, capped at max_log_lines_per_sec.
func (c *Circuit) logTransition(now time.Time, from, to CircuitState, reason string) {
	sec := now.Unix()
	if sec != c.logSec {
		c.logSec = sec
		c.logCount = 0
	}
	maxLines := c.cfg.MaxLogLinesPerSec
	if maxLines <= 0 {
		maxLines = 5
	}
	if c.logCount >= maxLines {
		return
	}
	c.logCount++
	c.logger.Warn("circuit transition",
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
}

// bucket returns the one-second bucket covering now, resetting it if the
// ring has wrapped past its previous occupant.
func (c *Circuit) bucket(now time.Time) *secondBucket {
	sec := now.Unix()
	b := &c.buckets[sec%int64(len(c.buckets))]
	if b.sec != sec {
		*b = secondBucket{sec: sec}
	}
	return b
}

// errRate computes the error ratio over the live window. Returns 0 until
// min_events samples have accumulated.
func (c *Circuit) errRate(now time.Time) (float64, int64) {
	oldest := now.Unix() - int64(len(c.buckets)) + 1
	var ok, errs int64
	for i := range c.buckets {
		b := &c.buckets[i]
		if b.sec >= oldest && b.sec <= now.Unix() {
			ok += b.ok
			errs += b.err
		}
	}
	total := ok + errs
	if total == 0 || total < int64(c.cfg.MinEvents) {
		return 0, total
	}
	return float64(errs) / float64(total), total
}
