// Package market fetches per-cycle market data and caches contract specs.
//
// The Fetcher pulls ticker + funding rate for the approved universe
// concurrently with a per-request timeout. Malformed symbols are dropped,
// not errored: the cycle proceeds with whatever subset succeeded. The
// SpecCache (specs.go) holds tick/step/leverage rules and exposes the pure
// rounding helpers used by the governor and the executor.
package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"perp-trader/internal/exchange"
	"perp-trader/pkg/types"
)

const (
	fetchTimeout  = 10 * time.Second // per-symbol REST budget
	tickFreshness = 10 * time.Second // live tick preferred within this window
)

// TickerSource is the slice of the exchange client the fetcher needs.
type TickerSource interface {
	GetTicker(ctx context.Context, symbol types.Symbol) (*exchange.Ticker, error)
	GetFundingRate(ctx context.Context, symbol types.Symbol) (*exchange.FundingRate, error)
}

// LiveTicks provides the most recent WebSocket tick, if fresh enough.
// May be nil when the feed is disabled.
type LiveTicks interface {
	Latest(symbol types.Symbol, maxAge time.Duration) (exchange.TickEvent, bool)
}

// Fetcher builds the cycle's MarketSnapshot map.
type Fetcher struct {
	source TickerSource
	live   LiveTicks // optional
	logger *slog.Logger
}

// NewFetcher creates a market data fetcher. live may be nil.
func NewFetcher(source TickerSource, live LiveTicks, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		source: source,
		live:   live,
		logger: logger.With("component", "fetcher"),
	}
}

// Fetch pulls snapshots for every symbol in the universe concurrently.
// Symbols whose ticker is malformed or non-positive are dropped; a missing
// funding rate is kept as absent. The returned map contains whatever subset
// succeeded — the caller treats an empty result as a cycle-level error.
func (f *Fetcher) Fetch(ctx context.Context, universe []types.Symbol) map[types.Symbol]types.MarketSnapshot {
	var (
		mu        sync.Mutex
		snapshots = make(map[types.Symbol]types.MarketSnapshot, len(universe))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range universe {
		symbol := symbol
		g.Go(func() error {
			snap, ok := f.fetchOne(gctx, symbol)
			if !ok {
				return nil // dropped, not errored
			}
			mu.Lock()
			snapshots[symbol] = snap
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; Wait just joins the fan-out

	f.logger.Info("market scan complete",
		"requested", len(universe),
		"fetched", len(snapshots),
	)
	return snapshots
}

func (f *Fetcher) fetchOne(ctx context.Context, symbol types.Symbol) (types.MarketSnapshot, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	ticker, err := f.source.GetTicker(reqCtx, symbol)
	if err != nil {
		f.logger.Warn("ticker fetch failed, dropping symbol", "symbol", symbol, "error", err)
		return types.MarketSnapshot{}, false
	}

	snap := types.MarketSnapshot{
		Symbol:       symbol,
		CurrentPrice: ticker.Last,
		High24h:      ticker.High24h,
		Low24h:       ticker.Low24h,
		Volume24h:    ticker.BaseVolume,
		Change24h:    ticker.Change24h,
		MarkPrice:    ticker.MarkPrice,
		IndexPrice:   ticker.IndexPrice,
		BestBid:      ticker.BestBid,
		BestAsk:      ticker.BestAsk,
		FetchedAtMs:  ticker.TimestampMs,
	}
	if snap.FetchedAtMs == 0 {
		snap.FetchedAtMs = time.Now().UnixMilli()
	}

	// A fresh live tick beats the REST price (lower latency, same source).
	if f.live != nil {
		if tick, ok := f.live.Latest(symbol, tickFreshness); ok {
			snap.CurrentPrice = tick.LastPrice
			if tick.MarkPrice > 0 {
				snap.MarkPrice = tick.MarkPrice
			}
		}
	}

	if !snap.Usable() {
		f.logger.Warn("malformed ticker, dropping symbol",
			"symbol", symbol, "price", snap.CurrentPrice)
		return types.MarketSnapshot{}, false
	}

	// Funding is optional: absence is recorded as nil, never zero.
	rate, err := f.source.GetFundingRate(reqCtx, symbol)
	if err != nil {
		f.logger.Debug("funding fetch failed, keeping absent", "symbol", symbol, "error", err)
	} else if rate != nil {
		r := rate.Rate
		snap.FundingRate = &r
	}

	return snap, true
}
