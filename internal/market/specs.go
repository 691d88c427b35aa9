package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"perp-trader/internal/exchange"
	"perp-trader/pkg/types"
)

// ContractSource is the slice of the exchange client the spec cache needs.
type ContractSource interface {
	GetContracts(ctx context.Context) ([]exchange.Contract, error)
}

// SpecCache holds per-symbol contract specs (tick size, step size, leverage
// bounds). It refreshes at cycle start when stale; a failed refresh keeps
// serving the previous data and the next cycle retries. Concurrent refresh
// attempts collapse into one flight.
type SpecCache struct {
	source   ContractSource
	universe []types.Symbol
	ttl      time.Duration
	logger   *slog.Logger

	mu          sync.RWMutex
	specs       map[types.Symbol]types.ContractSpec
	refreshedAt time.Time

	flight singleflight.Group
}

// NewSpecCache creates an empty cache. The first RefreshIfStale populates it.
func NewSpecCache(source ContractSource, universe []types.Symbol, ttl time.Duration, logger *slog.Logger) *SpecCache {
	return &SpecCache{
		source:   source,
		universe: universe,
		ttl:      ttl,
		logger:   logger.With("component", "specs"),
		specs:    make(map[types.Symbol]types.ContractSpec),
	}
}

// RefreshIfStale refreshes the cache when any approved symbol is missing or
// the cache is older than its TTL. Overlapping callers share one flight.
func (sc *SpecCache) RefreshIfStale(ctx context.Context) error {
	if !sc.stale() {
		return nil
	}

	_, err, _ := sc.flight.Do("refresh", func() (any, error) {
		return nil, sc.refresh(ctx)
	})
	return err
}

// Ready reports whether every approved symbol has a spec.
func (sc *SpecCache) Ready() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	for _, s := range sc.universe {
		if _, ok := sc.specs[s]; !ok {
			return false
		}
	}
	return true
}

// Spec returns the contract spec for a symbol.
func (sc *SpecCache) Spec(symbol types.Symbol) (types.ContractSpec, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	spec, ok := sc.specs[symbol]
	return spec, ok
}

func (sc *SpecCache) stale() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	if time.Since(sc.refreshedAt) > sc.ttl {
		return true
	}
	for _, s := range sc.universe {
		if _, ok := sc.specs[s]; !ok {
			return true
		}
	}
	return false
}

// refresh fetches contracts and ingests valid entries. Invalid entries
// (minLeverage > maxLeverage, non-positive grids) are rejected and never
// overwrite good data.
func (sc *SpecCache) refresh(ctx context.Context) error {
	contracts, err := sc.source.GetContracts(ctx)
	if err != nil {
		sc.logger.Warn("spec refresh failed, serving stale data", "error", err)
		return fmt.Errorf("refresh specs: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	ingested := 0
	for _, c := range contracts {
		spec := types.ContractSpec{
			Symbol:      types.Symbol(c.Symbol),
			TickSize:    c.TickSize,
			StepSize:    c.StepSize,
			MinLeverage: c.MinLeverage,
			MaxLeverage: c.MaxLeverage,
		}
		if !spec.Valid() {
			sc.logger.Warn("rejecting corrupted contract spec",
				"symbol", c.Symbol,
				"min_leverage", c.MinLeverage,
				"max_leverage", c.MaxLeverage,
			)
			continue
		}
		sc.specs[spec.Symbol] = spec
		ingested++
	}

	sc.refreshedAt = time.Now()
	sc.logger.Info("contract specs refreshed", "ingested", ingested, "total", len(contracts))
	return nil
}

// RoundToTick snaps a price to the symbol's tick grid.
func (sc *SpecCache) RoundToTick(price float64, symbol types.Symbol) (float64, error) {
	spec, ok := sc.Spec(symbol)
	if !ok {
		return 0, fmt.Errorf("no contract spec for %s", symbol)
	}
	return snapToGrid(price, spec.TickSize), nil
}

// RoundToStep snaps a size down to the symbol's step grid. Sizes always
// round toward zero so a cap computed upstream (allocation, reduce-half)
// can never be exceeded. Returns an error when the floored size falls
// below one step (order too small to place).
func (sc *SpecCache) RoundToStep(size float64, symbol types.Symbol) (float64, error) {
	spec, ok := sc.Spec(symbol)
	if !ok {
		return 0, fmt.Errorf("no contract spec for %s", symbol)
	}
	snapped := floorToGrid(size, spec.StepSize)
	if snapped < spec.StepSize {
		return 0, fmt.Errorf("size %v below minimum step %v for %s", size, spec.StepSize, symbol)
	}
	return snapped, nil
}

// snapToGrid rounds value to the nearest multiple of grid using decimal
// arithmetic so the result is exact (0.1 grids never drift).
func snapToGrid(value, grid float64) float64 {
	if grid <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	g := decimal.NewFromFloat(grid)
	snapped, _ := v.Div(g).Round(0).Mul(g).Float64()
	return snapped
}

// floorToGrid rounds value down to a multiple of grid.
func floorToGrid(value, grid float64) float64 {
	if grid <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	g := decimal.NewFromFloat(grid)
	snapped, _ := v.Div(g).Floor().Mul(g).Float64()
	return snapped
}
