package api

import (
	"context"
	"time"

	"perp-trader/internal/config"
	"perp-trader/internal/engine"
	"perp-trader/internal/store"
	"perp-trader/pkg/types"
)

// StatusSource exposes the engine's counters.
type StatusSource interface {
	Status() engine.Status
}

// PortfolioSource builds the live account view.
type PortfolioSource interface {
	Build(ctx context.Context) (*types.PortfolioView, error)
}

// TradeBook lists the bot-opened positions currently tracked.
type TradeBook interface {
	All() []types.TrackedTrade
}

// StatsSource reads the analyst attribution leaderboard.
type StatsSource interface {
	ChampionStats() ([]store.ChampionStat, error)
}

// Sources bundles everything the snapshot aggregates over.
type Sources struct {
	Status    StatusSource
	Portfolio PortfolioSource
	Trades    TradeBook
	Stats     StatsSource
}

// BuildSnapshot assembles the full dashboard state. The engine status and
// tracked trades are always present; portfolio and leaderboard are
// best-effort so a flaky exchange cannot take the dashboard down.
func BuildSnapshot(ctx context.Context, src Sources, cfg config.Config) DashboardSnapshot {
	snap := DashboardSnapshot{
		Timestamp:  time.Now(),
		Engine:     src.Status.Status(),
		OpenTrades: src.Trades.All(),
		Champions:  []ChampionRow{},
		Config:     NewConfigSummary(cfg),
	}

	if pf, err := src.Portfolio.Build(ctx); err == nil {
		snap.Portfolio = pf
	}

	if stats, err := src.Stats.ChampionStats(); err == nil {
		for _, s := range stats {
			snap.Champions = append(snap.Champions, ChampionRow{
				AnalystID:   s.AnalystID,
				RealizedPnl: s.RealizedPnl,
				Wins:        s.Wins,
				Losses:      s.Losses,
			})
		}
	}
	return snap
}
