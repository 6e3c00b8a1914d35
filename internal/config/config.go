// Package config defines all configuration for the market-making bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MM_* environment variables.
//
// A declared subset of keys is runtime-mutable: Watch re-reads the file on
// change and hands the engine a validated replacement config only when the
// change is confined to that subset. Everything else requires a restart.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Engine    EngineConfig    `mapstructure:"engine"`
	MDCache   MDCacheConfig   `mapstructure:"md_cache"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Circuit   CircuitConfig   `mapstructure:"circuit"`
	RateLimit RateLimitConfig `mapstructure:"rate_limiter"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
}

// ExchangeConfig holds venue endpoints and credentials. Credentials resolve
// through the secrets provider: inline values here are only honored when
// secrets.source is "config", and env vars MM_API_KEY / MM_API_SECRET always
// win.
type ExchangeConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	WSMarketURL    string        `mapstructure:"ws_market_url"`
	WSUserURL      string        `mapstructure:"ws_user_url"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	SecretsSource  string        `mapstructure:"secrets_source"` // "env", "file", or "config"
	SecretsFile    string        `mapstructure:"secrets_file"`
	SupportsAmend  bool          `mapstructure:"supports_amend"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CancelOnExit   bool          `mapstructure:"cancel_on_exit"`
}

// EngineConfig drives the tick scheduler.
//
//   - Symbols: the trading pairs to quote; each symbol gets its own
//     scheduler so slow symbols never stall fast ones.
//   - TickIntervalMs: quoting cadence.
//   - TickDeadlineMs: hard per-tick budget; a tick past this is aborted.
//   - EmitMinBudgetMs: minimum budget Emit needs; a tick whose remaining
//     budget dips below this before Emit is aborted early.
//   - MaxSchedulerFaults: consecutive tick panics before the circuit trips
//     with reason scheduler_fault.
type EngineConfig struct {
	Symbols            []string `mapstructure:"symbols"`
	TickIntervalMs     int      `mapstructure:"tick_interval_ms"`
	TickDeadlineMs     int      `mapstructure:"tick_deadline_ms"`
	EmitMinBudgetMs    int      `mapstructure:"emit_min_budget_ms"`
	MaxSchedulerFaults int      `mapstructure:"max_scheduler_faults"`
}

// TickInterval returns the tick cadence as a duration.
func (e EngineConfig) TickInterval() time.Duration {
	return time.Duration(e.TickIntervalMs) * time.Millisecond
}

// TickDeadline returns the per-tick budget as a duration.
func (e EngineConfig) TickDeadline() time.Duration {
	return time.Duration(e.TickDeadlineMs) * time.Millisecond
}

// EmitMinBudget returns the minimum Emit budget as a duration.
func (e EngineConfig) EmitMinBudget() time.Duration {
	return time.Duration(e.EmitMinBudgetMs) * time.Millisecond
}

// MDCacheConfig tunes the market-data cache freshness windows.
type MDCacheConfig struct {
	TTLMs               int `mapstructure:"ttl_ms"`
	FreshForPricingMs   int `mapstructure:"fresh_ms_for_pricing"`
	InvalidateOnWSGapMs int `mapstructure:"invalidate_on_ws_gap_ms"`
	Depth               int `mapstructure:"depth"`
}

// TTL returns the general freshness window as a duration.
func (m MDCacheConfig) TTL() time.Duration {
	return time.Duration(m.TTLMs) * time.Millisecond
}

// FreshForPricing returns the pricing-grade freshness window as a duration.
func (m MDCacheConfig) FreshForPricing() time.Duration {
	return time.Duration(m.FreshForPricingMs) * time.Millisecond
}

// InvalidateOnWSGap returns the stream-gap invalidation threshold.
func (m MDCacheConfig) InvalidateOnWSGap() time.Duration {
	return time.Duration(m.InvalidateOnWSGapMs) * time.Millisecond
}

// StrategyConfig tunes quoting: spread composition, inventory skew, the
// queue-aware nudge, and the amend-vs-cancel policy.
//
// Spread is built as base + weighted scores (volatility, liquidity, latency,
// PnL deviation), then clamped to [min_spread_bps, max_spread_bps]. The
// inventory stage shifts both quotes by clamp(k_inv*skew, ±max_skew_bps).
type StrategyConfig struct {
	QuoteQty        float64 `mapstructure:"quote_qty"` // base units per side
	BaseSpreadBps   float64 `mapstructure:"base_spread_bps"`
	MinSpreadBps    float64 `mapstructure:"min_spread_bps"`
	MaxSpreadBps    float64 `mapstructure:"max_spread_bps"`
	KVolSensitivity float64 `mapstructure:"k_vol_sensitivity"`
	KLiqSensitivity float64 `mapstructure:"k_liq_sensitivity"`
	KLatSensitivity float64 `mapstructure:"k_lat_sensitivity"`
	KPnLSensitivity float64 `mapstructure:"k_pnl_sensitivity"`

	KInv       float64 `mapstructure:"k_inv"`
	MaxSkewBps float64 `mapstructure:"max_skew_bps"`

	QueueWindowMs   int `mapstructure:"queue_window_ms"`
	QueueMaxETAMs   int `mapstructure:"queue_max_eta_ms"`
	QueueNudgeTicks int `mapstructure:"queue_nudge_ticks"` // per-tick nudge bound

	MinTimeInBookMs        int     `mapstructure:"min_time_in_book_ms"`
	AmendPriceThresholdBps float64 `mapstructure:"amend_price_threshold_bps"`
	AmendSizeThreshold     float64 `mapstructure:"amend_size_threshold"` // fraction, e.g. 0.20
	CancelPlaceGapMs       int     `mapstructure:"cancel_place_gap_ms"`
}

// MinTimeInBook returns the amend eligibility age as a duration.
func (s StrategyConfig) MinTimeInBook() time.Duration {
	return time.Duration(s.MinTimeInBookMs) * time.Millisecond
}

// CancelPlaceGap returns the cancel-to-place settle gap as a duration.
func (s StrategyConfig) CancelPlaceGap() time.Duration {
	return time.Duration(s.CancelPlaceGapMs) * time.Millisecond
}

// GuardLevelConfig holds one severity level's thresholds. A zero threshold
// disables that predicate at this level. TEnterS/TExitS are the hysteresis
// windows: the condition must hold for t_enter before the level engages and
// stay clear for t_exit before it releases; t_exit must exceed t_enter.
type GuardLevelConfig struct {
	TEnterS            float64 `mapstructure:"t_enter"`
	TExitS             float64 `mapstructure:"t_exit"`
	MaxInventorySkew   float64 `mapstructure:"max_inventory_skew"` // |inventory|/target
	MaxVolBps          float64 `mapstructure:"max_vol_bps"`
	MaxLatencyP95Ms    float64 `mapstructure:"max_latency_p95_ms"`
	MaxErrRate         float64 `mapstructure:"max_err_rate"`
	MaxDrawdownPct     float64 `mapstructure:"max_drawdown_pct"`
	MaxDailyLossPct    float64 `mapstructure:"max_daily_loss_pct"`
	MaxPnLDeviationPct float64 `mapstructure:"max_pnl_deviation_pct"`
	MaxClockDriftMs    float64 `mapstructure:"max_clock_drift_ms"`
}

// GuardsConfig pairs the soft and hard threshold sets.
type GuardsConfig struct {
	Soft GuardLevelConfig `mapstructure:"soft"`
	Hard GuardLevelConfig `mapstructure:"hard"`
}

// RiskConfig configures the guard evaluator.
type RiskConfig struct {
	Guards          GuardsConfig `mapstructure:"guards"`
	MinDwellS       float64      `mapstructure:"min_dwell_s"`      // min time in HARD before re-entry
	InventoryTarget float64      `mapstructure:"inventory_target"` // base units normalizing skew
	CapitalBase     float64      `mapstructure:"capital_base"`     // quote units normalizing drawdown/loss pcts
}

// CircuitConfig configures the adapter circuit gate.
type CircuitConfig struct {
	WindowS           int     `mapstructure:"window_s"`
	MaxErrRateRatio   float64 `mapstructure:"max_err_rate_ratio"`
	CooldownS         int     `mapstructure:"cooldown_s"`
	MinClosedS        int     `mapstructure:"min_closed_s"`
	ProbeCount        int     `mapstructure:"probe_count"`
	MinDwellS         int     `mapstructure:"min_dwell_s"`
	MaxLogLinesPerSec int     `mapstructure:"max_log_lines_per_sec"`
	MinEvents         int     `mapstructure:"min_events"` // err-rate needs at least this many samples
}

// EndpointLimit overrides the default token-bucket parameters for one
// endpoint class.
type EndpointLimit struct {
	CapacityPerS float64 `mapstructure:"capacity_per_s"`
	Burst        int     `mapstructure:"burst"`
}

// RateLimitConfig configures the adapter rate limiter.
type RateLimitConfig struct {
	CapacityPerS      float64                  `mapstructure:"capacity_per_s"`
	Burst             int                      `mapstructure:"burst"`
	EndpointOverrides map[string]EndpointLimit `mapstructure:"endpoint_overrides"`
}

// ReconcileConfig configures the store-vs-exchange reconciler.
type ReconcileConfig struct {
	IntervalMs         int     `mapstructure:"interval_ms"`
	HardDesyncRatio    float64 `mapstructure:"hard_desync_ratio"`
	HistoryLookbackMs  int     `mapstructure:"history_lookback_ms"`
	HistoryLimit       int     `mapstructure:"history_limit"`
	MaxConsecutiveFail int     `mapstructure:"max_consecutive_fail"`
}

// Interval returns the reconcile cadence as a duration.
func (r ReconcileConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMs) * time.Millisecond
}

// StoreConfig configures durable order persistence.
type StoreConfig struct {
	StateDir           string        `mapstructure:"state_dir"`
	SnapshotIntervalMs int           `mapstructure:"snapshot_interval_ms"`
	IdemTTL            time.Duration `mapstructure:"idem_ttl"`
	HistoryRetention   time.Duration `mapstructure:"history_retention"`
}

// SnapshotInterval returns the snapshot cadence as a duration.
func (s StoreConfig) SnapshotInterval() time.Duration {
	return time.Duration(s.SnapshotIntervalMs) * time.Millisecond
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig controls the health/metrics HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.tick_interval_ms", 250)
	v.SetDefault("engine.tick_deadline_ms", 250)
	v.SetDefault("engine.emit_min_budget_ms", 30)
	v.SetDefault("engine.max_scheduler_faults", 5)

	v.SetDefault("md_cache.ttl_ms", 500)
	v.SetDefault("md_cache.fresh_ms_for_pricing", 60)
	v.SetDefault("md_cache.invalidate_on_ws_gap_ms", 300)
	v.SetDefault("md_cache.depth", 10)

	v.SetDefault("strategy.base_spread_bps", 5.0)
	v.SetDefault("strategy.min_spread_bps", 2.0)
	v.SetDefault("strategy.max_spread_bps", 50.0)
	v.SetDefault("strategy.k_vol_sensitivity", 1.0)
	v.SetDefault("strategy.k_liq_sensitivity", 1.0)
	v.SetDefault("strategy.k_lat_sensitivity", 1.0)
	v.SetDefault("strategy.k_pnl_sensitivity", 1.0)
	v.SetDefault("strategy.k_inv", 10.0)
	v.SetDefault("strategy.max_skew_bps", 15.0)
	v.SetDefault("strategy.queue_window_ms", 5000)
	v.SetDefault("strategy.queue_max_eta_ms", 30000)
	v.SetDefault("strategy.queue_nudge_ticks", 1)
	v.SetDefault("strategy.min_time_in_book_ms", 500)
	v.SetDefault("strategy.amend_price_threshold_bps", 3.0)
	v.SetDefault("strategy.amend_size_threshold", 0.20)
	v.SetDefault("strategy.cancel_place_gap_ms", 100)

	v.SetDefault("risk.min_dwell_s", 10.0)
	v.SetDefault("risk.capital_base", 10000.0)
	v.SetDefault("risk.guards.soft.t_enter", 2.0)
	v.SetDefault("risk.guards.soft.t_exit", 5.0)
	v.SetDefault("risk.guards.hard.t_enter", 1.0)
	v.SetDefault("risk.guards.hard.t_exit", 10.0)

	v.SetDefault("circuit.window_s", 300)
	v.SetDefault("circuit.max_err_rate_ratio", 0.30)
	v.SetDefault("circuit.cooldown_s", 30)
	v.SetDefault("circuit.min_closed_s", 10)
	v.SetDefault("circuit.probe_count", 1)
	v.SetDefault("circuit.min_dwell_s", 5)
	v.SetDefault("circuit.max_log_lines_per_sec", 5)
	v.SetDefault("circuit.min_events", 10)

	v.SetDefault("rate_limiter.capacity_per_s", 10.0)
	v.SetDefault("rate_limiter.burst", 20)

	v.SetDefault("reconcile.interval_ms", 25000)
	v.SetDefault("reconcile.hard_desync_ratio", 0.10)
	v.SetDefault("reconcile.history_lookback_ms", 600000)
	v.SetDefault("reconcile.history_limit", 500)
	v.SetDefault("reconcile.max_consecutive_fail", 3)

	v.SetDefault("store.state_dir", "state")
	v.SetDefault("store.snapshot_interval_ms", 5000)
	v.SetDefault("store.idem_ttl", 10*time.Minute)
	v.SetDefault("store.history_retention", 24*time.Hour)

	v.SetDefault("exchange.secrets_source", "env")
	v.SetDefault("exchange.supports_amend", true)
	v.SetDefault("exchange.request_timeout", 10*time.Second)
	v.SetDefault("exchange.cancel_on_exit", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":9090")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MM_API_KEY, MM_API_SECRET.
func Load(path string) (*Config, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("MM_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("MM_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if os.Getenv("MM_DRY_RUN") == "true" || os.Getenv("MM_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields, value ranges, and cross-field
// invariants. A config that fails validation is rejected as a whole.
func (c *Config) Validate() error {
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if len(c.Engine.Symbols) == 0 {
		return fmt.Errorf("engine.symbols must list at least one symbol")
	}
	if c.Engine.TickIntervalMs <= 0 {
		return fmt.Errorf("engine.tick_interval_ms must be > 0")
	}
	if c.Engine.TickDeadlineMs <= 0 || c.Engine.TickDeadlineMs > c.Engine.TickIntervalMs {
		return fmt.Errorf("engine.tick_deadline_ms must be in (0, tick_interval_ms]")
	}
	if c.Engine.EmitMinBudgetMs < 0 || c.Engine.EmitMinBudgetMs >= c.Engine.TickDeadlineMs {
		return fmt.Errorf("engine.emit_min_budget_ms must be in [0, tick_deadline_ms)")
	}
	if c.Strategy.QuoteQty <= 0 {
		return fmt.Errorf("strategy.quote_qty must be > 0")
	}
	if c.Strategy.MinSpreadBps <= 0 {
		return fmt.Errorf("strategy.min_spread_bps must be > 0")
	}
	if c.Strategy.MaxSpreadBps < c.Strategy.MinSpreadBps {
		return fmt.Errorf("strategy.max_spread_bps must be >= min_spread_bps")
	}
	if c.Strategy.AmendSizeThreshold <= 0 || c.Strategy.AmendSizeThreshold > 1 {
		return fmt.Errorf("strategy.amend_size_threshold must be in (0, 1]")
	}
	if c.Strategy.AmendPriceThresholdBps <= 0 {
		return fmt.Errorf("strategy.amend_price_threshold_bps must be > 0")
	}
	for name, g := range map[string]GuardLevelConfig{
		"risk.guards.soft": c.Risk.Guards.Soft,
		"risk.guards.hard": c.Risk.Guards.Hard,
	} {
		if g.TExitS <= g.TEnterS {
			return fmt.Errorf("%s.t_exit must be > t_enter", name)
		}
	}
	if c.Risk.InventoryTarget <= 0 {
		return fmt.Errorf("risk.inventory_target must be > 0")
	}
	if c.Risk.CapitalBase <= 0 {
		return fmt.Errorf("risk.capital_base must be > 0")
	}
	if c.Circuit.WindowS <= 0 {
		return fmt.Errorf("circuit.window_s must be > 0")
	}
	if c.Circuit.MaxErrRateRatio <= 0 || c.Circuit.MaxErrRateRatio > 1 {
		return fmt.Errorf("circuit.max_err_rate_ratio must be in (0, 1]")
	}
	if c.Circuit.ProbeCount < 1 {
		return fmt.Errorf("circuit.probe_count must be >= 1")
	}
	if c.RateLimit.CapacityPerS <= 0 {
		return fmt.Errorf("rate_limiter.capacity_per_s must be > 0")
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limiter.burst must be >= 1")
	}
	if c.Reconcile.IntervalMs <= 0 {
		return fmt.Errorf("reconcile.interval_ms must be > 0")
	}
	if c.Reconcile.HardDesyncRatio <= 0 || c.Reconcile.HardDesyncRatio >= 1 {
		return fmt.Errorf("reconcile.hard_desync_ratio must be in (0, 1)")
	}
	if c.Store.StateDir == "" {
		return fmt.Errorf("store.state_dir is required")
	}
	if c.Store.SnapshotIntervalMs <= 0 {
		return fmt.Errorf("store.snapshot_interval_ms must be > 0")
	}
	switch c.Exchange.SecretsSource {
	case "env", "file", "config":
	default:
		return fmt.Errorf("exchange.secrets_source must be one of: env, file, config")
	}
	return nil
}

// RuntimeMutable reports whether switching from old to next touches only the
// runtime-mutable subset: strategy tuning, cache freshness windows, and guard
// thresholds. Everything else (endpoints, timing, circuit, limits, store
// layout) requires a restart.
func RuntimeMutable(old, next *Config) bool {
	a, b := *old, *next
	a.Strategy, b.Strategy = StrategyConfig{}, StrategyConfig{}
	a.MDCache, b.MDCache = MDCacheConfig{}, MDCacheConfig{}
	a.Risk, b.Risk = RiskConfig{}, RiskConfig{}
	return reflect.DeepEqual(a, b)
}

// Watch re-reads the config file whenever it changes. Each candidate is
// validated as a whole; candidates that fail validation or that touch
// non-mutable keys are dropped and reported through reject. Accepted configs
// are delivered through apply. Watch returns immediately; callbacks fire on
// viper's watcher goroutine.
func Watch(path string, current *Config, apply func(*Config), reject func(error)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	cur := current
	v.OnConfigChange(func(_ fsnotify.Event) {
		next, err := unmarshal(v)
		if err != nil {
			reject(err)
			return
		}
		if err := next.Validate(); err != nil {
			reject(fmt.Errorf("reload rejected: %w", err))
			return
		}
		if !RuntimeMutable(cur, next) {
			reject(fmt.Errorf("reload rejected: change touches keys that require restart"))
			return
		}
		cur = next
		apply(next)
	})
	v.WatchConfig()
	return nil
}
