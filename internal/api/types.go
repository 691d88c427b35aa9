package api

import (
	"time"

	"perp-trader/internal/config"
	"perp-trader/internal/engine"
	"perp-trader/pkg/types"
)

// DashboardSnapshot is the complete dashboard state returned by
// /api/snapshot and pushed to new websocket clients.
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Engine counters and lifecycle state.
	Engine engine.Status `json:"engine"`

	// Portfolio is the live account view. Nil when the exchange snapshot
	// could not be taken; the rest of the payload is still served.
	Portfolio *types.PortfolioView `json:"portfolio,omitempty"`

	// OpenTrades are the bot-opened positions currently tracked.
	OpenTrades []types.TrackedTrade `json:"open_trades"`

	// Champions is the per-analyst attribution leaderboard.
	Champions []ChampionRow `json:"champions"`

	Config ConfigSummary `json:"config"`
}

// ChampionRow is one analyst's realized attribution record.
type ChampionRow struct {
	AnalystID   string  `json:"analyst_id"`
	RealizedPnl float64 `json:"realized_pnl"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
}

// ConfigSummary is the subset of configuration worth showing on the
// dashboard. Secrets never appear here.
type ConfigSummary struct {
	Universe      []string `json:"universe"`
	CycleInterval string   `json:"cycle_interval"`
	DryRun        bool     `json:"dry_run"`

	MinBalance           float64 `json:"min_balance"`
	MaxDailyTrades       int     `json:"max_daily_trades"`
	MaxWeeklyDrawdownPct float64 `json:"max_weekly_drawdown_pct"`
	MaxConcurrent        int     `json:"max_concurrent_positions"`
	MaxSameDirection     int     `json:"max_same_direction_positions"`

	MinConfidence     float64 `json:"min_confidence"`
	MaxAllocationPct  float64 `json:"max_allocation_pct"`
	TargetProfitPct   float64 `json:"target_profit_pct"`
	StopLossPct       float64 `json:"stop_loss_pct"`
	MaxHoldHours      float64 `json:"max_hold_hours"`
}

// NewConfigSummary flattens the relevant config sections.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		Universe:      cfg.Universe,
		CycleInterval: cfg.Engine.CycleInterval.String(),
		DryRun:        cfg.DryRun,

		MinBalance:           cfg.Engine.MinBalance,
		MaxDailyTrades:       cfg.Engine.MaxDailyTrades,
		MaxWeeklyDrawdownPct: cfg.Engine.MaxWeeklyDrawdownPct,
		MaxConcurrent:        cfg.Engine.MaxConcurrentPositions,
		MaxSameDirection:     cfg.Engine.MaxSameDirectionPositions,

		MinConfidence:    cfg.Risk.MinConfidence,
		MaxAllocationPct: cfg.Risk.MaxAccountAllocationPct,
		TargetProfitPct:  cfg.Risk.TargetProfitPct,
		StopLossPct:      cfg.Risk.StopLossPct,
		MaxHoldHours:     cfg.Risk.MaxHoldHours,
	}
}
