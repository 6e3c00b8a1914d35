package api

import (
	"time"

	"github.com/shopspring/decimal"
)

// Health levels reported by /healthz.
const (
	HealthOK        = "ok"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// reconStaleAfter is how long without a clean reconcile cycle before the
// bot reports degraded.
const reconStaleAfter = 2 * time.Minute

// PositionStatus is one symbol's holdings in the status report.
type PositionStatus struct {
	Symbol      string          `json:"symbol"`
	Qty         decimal.Decimal `json:"qty"`
	AvgEntry    decimal.Decimal `json:"avg_entry"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// Status is the point-in-time operational state served at /api/v1/status.
type Status struct {
	DryRun    bool      `json:"dry_run"`
	Symbols   []string  `json:"symbols"`
	StartedAt time.Time `json:"started_at"`

	GuardLevel   string   `json:"guard_level"`
	GuardReasons []string `json:"guard_reasons,omitempty"`
	CircuitState string   `json:"circuit_state"`

	MarketStreamUp bool      `json:"market_stream_up"`
	UserStreamUp   bool      `json:"user_stream_up"`
	ReconLastClean time.Time `json:"recon_last_clean,omitzero"`

	OpenOrders  int              `json:"open_orders"`
	Positions   []PositionStatus `json:"positions,omitempty"`
	CacheAgesMs map[string]int64 `json:"cache_ages_ms,omitempty"`
}

// StatusProvider is implemented by the engine.
type StatusProvider interface {
	Status() Status
}

// Health collapses the status into the /healthz verdict. The circuit being
// TRIPPED or the user stream being down is unhealthy: the bot cannot
// safely mutate orders. A stale reconciler or a downed market stream is
// degraded: quoting continues on cached or REST data but trust is reduced.
func (s Status) Health(now time.Time) string {
	switch {
	case s.CircuitState == "TRIPPED", !s.UserStreamUp:
		return HealthUnhealthy
	case !s.MarketStreamUp,
		s.GuardLevel == "HARD",
		!s.ReconLastClean.IsZero() && now.Sub(s.ReconLastClean) > reconStaleAfter:
		return HealthDegraded
	}
	return HealthOK
}
