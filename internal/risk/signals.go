package risk

import (
	"math"
	"sort"
	"sync"
	"time"

	"maker-bot/internal/config"
)

const (
	// volAlpha is the EMA smoothing factor for mid-to-mid moves. At one
	// observation per tick this weights roughly the last dozen ticks.
	volAlpha = 0.2

	// latencyRingSize bounds the exchange-latency sample window.
	latencyRingSize = 512

	// errWindowSecs is the rolling window for the exchange error rate.
	errWindowSecs = 60

	// errRateMinSamples is the floor below which the error ratio is
	// reported as zero. One failed call during a quiet minute is not a
	// 100% error rate.
	errRateMinSamples = 10
)

// Snapshot is a point-in-time reading of every signal the guard ladder
// evaluates. Ratios are unitless, percentages are of capital_base.
type Snapshot struct {
	InventorySkew   float64 // max over symbols of |position| / inventory_target
	VolBps          float64 // max over symbols of the mid-move EMA
	LatencyP95Ms    float64
	ErrRate         float64 // failures / requests over the last minute
	DrawdownPct     float64 // peak-to-current equity drop
	DailyLossPct    float64 // equity drop since UTC day start
	PnLDeviationPct float64 // |equity - day start|; a neutral book should sit near flat
	ClockDriftMs    float64
}

type symbolVol struct {
	lastMid float64
	emaBps  float64
	seeded  bool
}

type errBucket struct {
	sec int64
	ok  int
	err int
}

// Signals aggregates the live telemetry the guard evaluator samples each
// tick: per-symbol volatility, inventory skew, exchange latency and error
// rate, equity-derived percentages, and clock drift. Producers call the
// Observe/Record setters from their own goroutines; Snapshot is cheap
// enough for every tick.
type Signals struct {
	nowFunc func() time.Time

	mu        sync.Mutex
	capital   float64
	target    float64
	vols      map[string]*symbolVol
	skews     map[string]float64
	latencies []float64 // ms, ring buffer
	latIdx    int
	latFull   bool
	errRing   [errWindowSecs]errBucket
	pnl       float64
	peak      float64
	dayRef    float64 // pnl at UTC day start, baseline for loss and deviation
	dayKey    string
	pnlSeeded bool
	driftMs   float64
}

// NewSignals creates the signal aggregator. capital_base and
// inventory_target come from config and normalize the derived ratios.
func NewSignals(cfg config.RiskConfig) *Signals {
	return &Signals{
		capital:   cfg.CapitalBase,
		target:    cfg.InventoryTarget,
		nowFunc:   time.Now,
		vols:      make(map[string]*symbolVol),
		skews:     make(map[string]float64),
		latencies: make([]float64, latencyRingSize),
	}
}

// UpdateConfig swaps the normalization bases, used by hot reload.
func (s *Signals) UpdateConfig(cfg config.RiskConfig) {
	s.mu.Lock()
	s.capital = cfg.CapitalBase
	s.target = cfg.InventoryTarget
	s.mu.Unlock()
}

// ObserveMid folds one mid-price observation into the symbol's
// volatility EMA, measured in bps of absolute mid-to-mid move.
func (s *Signals) ObserveMid(symbol string, mid float64) {
	if mid <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.vols[symbol]
	if v == nil {
		v = &symbolVol{}
		s.vols[symbol] = v
	}
	if !v.seeded {
		v.lastMid = mid
		v.seeded = true
		return
	}
	retBps := math.Abs(mid-v.lastMid) / v.lastMid * 1e4
	v.emaBps = volAlpha*retBps + (1-volAlpha)*v.emaBps
	v.lastMid = mid
}

// SetInventory records the current signed base position for a symbol.
// Skew is |position| / inventory_target.
func (s *Signals) SetInventory(symbol string, position float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.target <= 0 {
		return
	}
	s.skews[symbol] = math.Abs(position) / s.target
}

// ObserveLatency records one exchange round-trip.
func (s *Signals) ObserveLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latencies[s.latIdx] = float64(d) / float64(time.Millisecond)
	s.latIdx++
	if s.latIdx == latencyRingSize {
		s.latIdx = 0
		s.latFull = true
	}
}

// RecordExchangeResult counts one exchange call toward the rolling
// error rate.
func (s *Signals) RecordExchangeResult(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec := s.nowFunc().Unix()
	b := &s.errRing[sec%errWindowSecs]
	if b.sec != sec {
		*b = errBucket{sec: sec}
	}
	if ok {
		b.ok++
	} else {
		b.err++
	}
}

// UpdateEquity records the current mark-to-market session PnL in quote
// units. The first call seeds the peak and the daily baseline; the
// baseline resets on UTC day rollover.
func (s *Signals) UpdateEquity(pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := s.nowFunc().UTC().Format("2006-01-02")
	switch {
	case !s.pnlSeeded:
		s.pnlSeeded = true
		s.peak = pnl
		s.dayRef = pnl
		s.dayKey = day
	case day != s.dayKey:
		s.dayRef = pnl
		s.dayKey = day
	}
	s.pnl = pnl
	if pnl > s.peak {
		s.peak = pnl
	}
}

// RecordClockDrift records the most recent local-vs-exchange clock
// offset.
func (s *Signals) RecordClockDrift(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.driftMs = math.Abs(float64(d) / float64(time.Millisecond))
}

// Snapshot computes the current reading of every signal.
func (s *Signals) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{ClockDriftMs: s.driftMs}

	for _, v := range s.vols {
		if v.emaBps > snap.VolBps {
			snap.VolBps = v.emaBps
		}
	}
	for _, sk := range s.skews {
		if sk > snap.InventorySkew {
			snap.InventorySkew = sk
		}
	}

	n := s.latIdx
	if s.latFull {
		n = latencyRingSize
	}
	if n > 0 {
		tmp := make([]float64, n)
		copy(tmp, s.latencies[:n])
		sort.Float64s(tmp)
		idx := n * 95 / 100
		if idx >= n {
			idx = n - 1
		}
		snap.LatencyP95Ms = tmp[idx]
	}

	cutoff := s.nowFunc().Unix() - errWindowSecs
	var okN, errN int
	for i := range s.errRing {
		if b := s.errRing[i]; b.sec > cutoff {
			okN += b.ok
			errN += b.err
		}
	}
	if okN+errN >= errRateMinSamples {
		snap.ErrRate = float64(errN) / float64(okN+errN)
	}

	if s.pnlSeeded && s.capital > 0 {
		snap.DrawdownPct = math.Max(0, s.peak-s.pnl) / s.capital * 100
		snap.DailyLossPct = math.Max(0, s.dayRef-s.pnl) / s.capital * 100
		snap.PnLDeviationPct = math.Abs(s.pnl-s.dayRef) / s.capital * 100
	}
	return snap
}
