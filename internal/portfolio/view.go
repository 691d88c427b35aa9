// Package portfolio builds the per-cycle account view.
//
// The exchange is the single source of truth for balance and open positions;
// the local trade log only contributes derived figures (hold times, daily
// trade count, realized PnL windows). The weekly PnL aggregate is served
// from a short-lived cache so repeated cycles do not re-scan the trade log.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"perp-trader/internal/exchange"
	"perp-trader/internal/store"
	"perp-trader/pkg/types"
)

const weekPnlTTL = 60 * time.Second

// AccountSource is the slice of the exchange client the builder needs.
type AccountSource interface {
	GetAccountAssets(ctx context.Context) (*exchange.AccountAssets, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
}

// TradeLog is the slice of the store the builder needs.
type TradeLog interface {
	DailyTradeCount(portfolio store.PortfolioID) (int, error)
	LastEntryTime(symbol types.Symbol, side types.Side) (time.Time, bool, error)
	RealizedPnlSince(portfolio store.PortfolioID, since time.Time) (float64, error)
}

// Builder assembles a PortfolioView at cycle start.
type Builder struct {
	account AccountSource
	trades  TradeLog
	cache   *gocache.Cache
	flight  singleflight.Group
	logger  *slog.Logger
	now     func() time.Time
}

// NewBuilder creates a portfolio view builder.
func NewBuilder(account AccountSource, trades TradeLog, logger *slog.Logger) *Builder {
	return &Builder{
		account: account,
		trades:  trades,
		cache:   gocache.New(weekPnlTTL, 2*weekPnlTTL),
		logger:  logger.With("component", "portfolio"),
		now:     time.Now,
	}
}

// Build fetches account state from the exchange and enriches it from the
// trade log. An exchange failure is a hard error (a cycle cannot run blind);
// trade-log failures degrade to zero values with a warning.
func (b *Builder) Build(ctx context.Context) (*types.PortfolioView, error) {
	assets, err := b.account.GetAccountAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch account assets: %w", err)
	}
	positions, err := b.account.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	view := &types.PortfolioView{
		AvailableBalance: assets.Available,
		Equity:           assets.Equity,
		Positions:        positions,
		HoldHours:        make(map[types.Symbol]float64, len(positions)),
	}

	for _, pos := range positions {
		opened, ok, err := b.trades.LastEntryTime(pos.Symbol, pos.Side)
		if err != nil {
			b.logger.Warn("hold time lookup failed", "symbol", pos.Symbol, "error", err)
			continue
		}
		if ok {
			hours := b.now().Sub(opened).Hours()
			if existing, dup := view.HoldHours[pos.Symbol]; !dup || hours > existing {
				view.HoldHours[pos.Symbol] = hours
			}
		}
	}

	count, err := b.trades.DailyTradeCount(store.DefaultPortfolio)
	if err != nil {
		b.logger.Warn("daily trade count failed", "error", err)
	} else {
		view.DailyTradeCount = count
	}

	view.DayPnlPct = b.pnlPct(assets.Equity, b.dayStart())
	view.WeekPnlPct = b.weekPnlPct(assets.Equity)

	return view, nil
}

// weekPnlPct derives the weekly PnL percentage from a cached realized-PnL
// sum. Only the sum is cached; the percentage depends on current equity and
// is recomputed per call. Concurrent cache misses collapse into one
// trade-log query.
func (b *Builder) weekPnlPct(equity float64) float64 {
	if cached, ok := b.cache.Get("week_pnl"); ok {
		return toPct(equity, cached.(float64))
	}
	sum, _, _ := b.flight.Do("week_pnl", func() (any, error) {
		since := b.now().Add(-7 * 24 * time.Hour)
		pnl, err := b.trades.RealizedPnlSince(store.DefaultPortfolio, since)
		if err != nil {
			b.logger.Warn("realized pnl lookup failed", "since", since, "error", err)
			return 0.0, nil
		}
		b.cache.Set("week_pnl", pnl, gocache.DefaultExpiration)
		return pnl, nil
	})
	return toPct(equity, sum.(float64))
}

func (b *Builder) pnlPct(equity float64, since time.Time) float64 {
	pnl, err := b.trades.RealizedPnlSince(store.DefaultPortfolio, since)
	if err != nil {
		b.logger.Warn("realized pnl lookup failed", "since", since, "error", err)
		return 0
	}
	return toPct(equity, pnl)
}

// toPct expresses pnl against the equity at the start of the window.
func toPct(equity, pnl float64) float64 {
	base := equity - pnl
	if base <= 0 {
		return 0
	}
	return pnl / base * 100
}

func (b *Builder) dayStart() time.Time {
	return b.now().UTC().Truncate(24 * time.Hour)
}

// DerivedCurrentPrice estimates a position's current price. It prefers the
// fresh market price, falls back to a price reconstructed from unrealized
// PnL, and finally to the entry price.
func DerivedCurrentPrice(pos types.Position, marketPrice float64) float64 {
	if marketPrice > 0 && types.IsFinite(marketPrice) {
		return marketPrice
	}
	if pos.Size > 0 {
		perUnit := pos.UnrealizedPnl / pos.Size
		var derived float64
		if pos.Side == types.Long {
			derived = pos.EntryPrice + perUnit
		} else {
			derived = pos.EntryPrice - perUnit
		}
		if derived > 0 && types.IsFinite(derived) {
			return derived
		}
	}
	return pos.EntryPrice
}
