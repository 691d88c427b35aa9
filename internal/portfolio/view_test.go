package portfolio

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"perp-trader/internal/exchange"
	"perp-trader/internal/store"
	"perp-trader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAccount struct {
	assets    *exchange.AccountAssets
	positions []types.Position
	err       error
}

func (f *fakeAccount) GetAccountAssets(ctx context.Context) (*exchange.AccountAssets, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.assets, nil
}

func (f *fakeAccount) GetPositions(ctx context.Context) ([]types.Position, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.positions, nil
}

type fakeTradeLog struct {
	dailyCount int
	entryTimes map[string]time.Time // symbol+side
	weekPnl    float64
	pnlCalls   int
}

func (f *fakeTradeLog) DailyTradeCount(store.PortfolioID) (int, error) {
	return f.dailyCount, nil
}

func (f *fakeTradeLog) LastEntryTime(symbol types.Symbol, side types.Side) (time.Time, bool, error) {
	ts, ok := f.entryTimes[string(symbol)+string(side)]
	return ts, ok, nil
}

func (f *fakeTradeLog) RealizedPnlSince(_ store.PortfolioID, since time.Time) (float64, error) {
	f.pnlCalls++
	return f.weekPnl, nil
}

func TestBuildPopulatesHoldHours(t *testing.T) {
	t.Parallel()

	opened := time.Now().Add(-10 * time.Hour)
	account := &fakeAccount{
		assets: &exchange.AccountAssets{Available: 500, Equity: 1000},
		positions: []types.Position{
			{Symbol: "BTCUSDT", Side: types.Long, Size: 0.01, EntryPrice: 64000, Leverage: 5},
		},
	}
	trades := &fakeTradeLog{
		dailyCount: 3,
		entryTimes: map[string]time.Time{"BTCUSDT" + string(types.Long): opened},
	}
	b := NewBuilder(account, trades, testLogger())

	view, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if view.AvailableBalance != 500 || view.Equity != 1000 {
		t.Errorf("balance = %v equity = %v", view.AvailableBalance, view.Equity)
	}
	if view.DailyTradeCount != 3 {
		t.Errorf("DailyTradeCount = %d, want 3", view.DailyTradeCount)
	}
	hours := view.HoldHours["BTCUSDT"]
	if hours < 9.9 || hours > 10.1 {
		t.Errorf("HoldHours = %v, want ~10", hours)
	}
}

func TestBuildExchangeFailureIsHardError(t *testing.T) {
	t.Parallel()

	account := &fakeAccount{err: errors.New("exchange down")}
	b := NewBuilder(account, &fakeTradeLog{}, testLogger())

	if _, err := b.Build(context.Background()); err == nil {
		t.Error("expected error when account fetch fails")
	}
}

func TestWeekPnlCached(t *testing.T) {
	t.Parallel()

	account := &fakeAccount{assets: &exchange.AccountAssets{Available: 900, Equity: 1060}}
	trades := &fakeTradeLog{weekPnl: 60}
	b := NewBuilder(account, trades, testLogger())

	for i := 0; i < 3; i++ {
		view, err := b.Build(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if view.WeekPnlPct < 5.9 || view.WeekPnlPct > 6.1 {
			t.Errorf("WeekPnlPct = %v, want ~6", view.WeekPnlPct)
		}
	}
	// One day-window call per Build plus a single cached week-window call.
	if trades.pnlCalls != 4 {
		t.Errorf("RealizedPnlSince called %d times, want 4 (week query cached)", trades.pnlCalls)
	}
}

func TestWeekPnlPctTracksEquityWhileSumIsCached(t *testing.T) {
	t.Parallel()

	// Week pnl +60 on equity 1060: window started at 1000, so +6%.
	account := &fakeAccount{assets: &exchange.AccountAssets{Available: 900, Equity: 1060}}
	trades := &fakeTradeLog{weekPnl: 60}
	b := NewBuilder(account, trades, testLogger())

	view, err := b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if view.WeekPnlPct < 5.9 || view.WeekPnlPct > 6.1 {
		t.Fatalf("WeekPnlPct = %v, want ~6", view.WeekPnlPct)
	}

	// Equity moves within the cache TTL. The cached sum must be re-derived
	// against the new equity, not served as a stale percentage.
	account.assets = &exchange.AccountAssets{Available: 400, Equity: 560}
	view, err = b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if view.WeekPnlPct < 11.9 || view.WeekPnlPct > 12.1 {
		t.Errorf("WeekPnlPct = %v, want ~12 (60 pnl on 500 base)", view.WeekPnlPct)
	}
	if calls := trades.pnlCalls; calls != 3 {
		t.Errorf("RealizedPnlSince called %d times, want 3 (2 day + 1 cached week)", calls)
	}
}

func TestDerivedCurrentPrice(t *testing.T) {
	t.Parallel()

	long := types.Position{Symbol: "BTCUSDT", Side: types.Long, Size: 0.01, EntryPrice: 64000, UnrealizedPnl: 10}
	short := types.Position{Symbol: "BTCUSDT", Side: types.Short, Size: 0.01, EntryPrice: 64000, UnrealizedPnl: 10}

	if got := DerivedCurrentPrice(long, 65000); got != 65000 {
		t.Errorf("market price preferred: got %v", got)
	}
	// Long in profit: price above entry.
	if got := DerivedCurrentPrice(long, 0); got != 65000 {
		t.Errorf("long derived = %v, want 65000", got)
	}
	// Short in profit: price below entry.
	if got := DerivedCurrentPrice(short, 0); got != 63000 {
		t.Errorf("short derived = %v, want 63000", got)
	}
	// No usable signal at all: entry price.
	flat := types.Position{Side: types.Long, EntryPrice: 64000}
	if got := DerivedCurrentPrice(flat, 0); got != 64000 {
		t.Errorf("fallback = %v, want entry 64000", got)
	}
}
