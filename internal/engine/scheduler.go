package engine

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"maker-bot/internal/config"
	"maker-bot/internal/metrics"
	"maker-bot/internal/strategy"
)

// TickFunc runs one pipeline tick for one symbol. The engine supplies a
// closure over its current pipeline so hot reload can swap it under the
// scheduler without a restart.
type TickFunc func(ctx context.Context, symbol string) strategy.StageResult

// Breaker is the circuit surface the scheduler trips on repeated tick
// panics. *exchange.Circuit satisfies it.
type Breaker interface {
	Trip(reason string)
}

// Scheduler drives one ticker goroutine per symbol. Each fire runs a tick
// under the configured deadline; fires that arrive while a tick is still
// running are skipped, never queued, so a slow symbol falls behind instead
// of building a backlog. A panicking tick is contained to its symbol, and
// enough consecutive panics trip the circuit: a strategy that cannot
// complete a tick must stop trading, not keep throwing orders.
type Scheduler struct {
	cfg     config.EngineConfig
	tick    TickFunc
	breaker Breaker

	met    *metrics.Metrics
	logger *slog.Logger
}

// NewScheduler wires the per-symbol tick loops.
func NewScheduler(cfg config.EngineConfig, tick TickFunc, breaker Breaker,
	met *metrics.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		tick:    tick,
		breaker: breaker,
		met:     met,
		logger:  logger.With("component", "scheduler"),
	}
}

// Run starts one loop per configured symbol and blocks until ctx is done
// and every loop has drained.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, symbol := range s.cfg.Symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			s.symbolLoop(ctx, symbol)
		}(symbol)
	}
	wg.Wait()
}

func (s *Scheduler) symbolLoop(ctx context.Context, symbol string) {
	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()

	faults := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.runTick(ctx, symbol, &faults)

		// Fires that accumulated while the tick ran are stale intents, not
		// debt. Drop them.
		for drained := true; drained; {
			select {
			case <-ticker.C:
				s.met.Ticks.WithLabelValues(string(strategy.StageSkipped)).Inc()
			default:
				drained = false
			}
		}
	}
}

// runTick executes one deadline-bounded tick, containing panics. faults
// counts consecutive panics for this symbol; crossing the configured limit
// trips the circuit.
func (s *Scheduler) runTick(ctx context.Context, symbol string, faults *int) {
	defer func() {
		r := recover()
		if r == nil {
			*faults = 0
			return
		}
		*faults++
		s.met.Errors.WithLabelValues("panic").Inc()
		s.logger.Error("tick panicked",
			"symbol", symbol, "panic", r, "consecutive", *faults,
			"stack", string(debug.Stack()))
		if *faults >= s.cfg.MaxSchedulerFaults {
			s.breaker.Trip("scheduler_fault")
			*faults = 0
		}
	}()

	tctx, cancel := context.WithTimeout(ctx, s.cfg.TickDeadline())
	defer cancel()
	s.tick(tctx, symbol)
}
