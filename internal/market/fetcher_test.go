package market

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"perp-trader/internal/exchange"
	"perp-trader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTickerSource struct {
	tickers map[types.Symbol]*exchange.Ticker
	funding map[types.Symbol]*exchange.FundingRate
	errs    map[types.Symbol]error
}

func (f *fakeTickerSource) GetTicker(ctx context.Context, symbol types.Symbol) (*exchange.Ticker, error) {
	if err := f.errs[symbol]; err != nil {
		return nil, err
	}
	return f.tickers[symbol], nil
}

func (f *fakeTickerSource) GetFundingRate(ctx context.Context, symbol types.Symbol) (*exchange.FundingRate, error) {
	rate, ok := f.funding[symbol]
	if !ok {
		return nil, nil
	}
	return rate, nil
}

func TestFetchDropsMalformedSymbols(t *testing.T) {
	t.Parallel()

	src := &fakeTickerSource{
		tickers: map[types.Symbol]*exchange.Ticker{
			"BTCUSDT": {Symbol: "BTCUSDT", Last: 64000, BaseVolume: 1e9},
			"BADUSDT": {Symbol: "BADUSDT", Last: 0},
			"NANUSDT": {Symbol: "NANUSDT", Last: math.NaN()},
		},
		errs: map[types.Symbol]error{
			"ERRUSDT": errors.New("502 bad gateway"),
		},
	}
	f := NewFetcher(src, nil, testLogger())

	snaps := f.Fetch(context.Background(), []types.Symbol{"BTCUSDT", "BADUSDT", "NANUSDT", "ERRUSDT"})

	if len(snaps) != 1 {
		t.Fatalf("expected only BTCUSDT to survive, got %d snapshots", len(snaps))
	}
	if _, ok := snaps["BTCUSDT"]; !ok {
		t.Error("BTCUSDT missing from snapshots")
	}
}

func TestFetchKeepsFundingAbsent(t *testing.T) {
	t.Parallel()

	src := &fakeTickerSource{
		tickers: map[types.Symbol]*exchange.Ticker{
			"BTCUSDT": {Symbol: "BTCUSDT", Last: 64000, BaseVolume: 1e9},
			"NEWUSDT": {Symbol: "NEWUSDT", Last: 1.5, BaseVolume: 1e6},
		},
		funding: map[types.Symbol]*exchange.FundingRate{
			"BTCUSDT": {Symbol: "BTCUSDT", Rate: 0.0001},
		},
	}
	f := NewFetcher(src, nil, testLogger())

	snaps := f.Fetch(context.Background(), []types.Symbol{"BTCUSDT", "NEWUSDT"})

	btc := snaps["BTCUSDT"]
	if btc.FundingRate == nil || *btc.FundingRate != 0.0001 {
		t.Errorf("BTCUSDT funding = %v, want 0.0001", btc.FundingRate)
	}
	if snaps["NEWUSDT"].FundingRate != nil {
		t.Error("NEWUSDT funding should be absent (nil), not zero")
	}
}

type fakeLiveTicks struct {
	ticks map[types.Symbol]exchange.TickEvent
}

func (f *fakeLiveTicks) Latest(symbol types.Symbol, maxAge time.Duration) (exchange.TickEvent, bool) {
	tick, ok := f.ticks[symbol]
	return tick, ok
}

func TestFetchPrefersFreshLiveTick(t *testing.T) {
	t.Parallel()

	src := &fakeTickerSource{
		tickers: map[types.Symbol]*exchange.Ticker{
			"BTCUSDT": {Symbol: "BTCUSDT", Last: 64000, MarkPrice: 64001, BaseVolume: 1e9},
		},
	}
	live := &fakeLiveTicks{
		ticks: map[types.Symbol]exchange.TickEvent{
			"BTCUSDT": {Symbol: "BTCUSDT", LastPrice: 64100, MarkPrice: 64101, ReceivedAt: time.Now()},
		},
	}
	f := NewFetcher(src, live, testLogger())

	snaps := f.Fetch(context.Background(), []types.Symbol{"BTCUSDT"})

	btc := snaps["BTCUSDT"]
	if btc.CurrentPrice != 64100 {
		t.Errorf("CurrentPrice = %v, want live tick 64100", btc.CurrentPrice)
	}
	if btc.MarkPrice != 64101 {
		t.Errorf("MarkPrice = %v, want live tick 64101", btc.MarkPrice)
	}
}

func TestFetchEmptyUniverse(t *testing.T) {
	t.Parallel()

	f := NewFetcher(&fakeTickerSource{}, nil, testLogger())
	snaps := f.Fetch(context.Background(), nil)
	if len(snaps) != 0 {
		t.Errorf("expected empty result, got %d", len(snaps))
	}
}
