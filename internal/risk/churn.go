package risk

import (
	"fmt"
	"time"

	"perp-trader/pkg/types"
)

type churnKey struct {
	symbol types.Symbol
	side   types.Side
}

// AntiChurn suppresses rapid re-entry on the same (symbol, side). Record is
// called only after the executor confirms order acceptance, so a rejected
// or dry-run order never starts a cooldown. Written and read only from the
// cycle goroutine; no locking.
type AntiChurn struct {
	cooldown time.Duration
	last     map[churnKey]time.Time
	now      func() time.Time
}

// NewAntiChurn creates an empty cooldown table.
func NewAntiChurn(cooldown time.Duration) *AntiChurn {
	return &AntiChurn{
		cooldown: cooldown,
		last:     make(map[churnKey]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether an action on (symbol, side) may proceed. Exits are
// never suppressed.
func (a *AntiChurn) Allow(symbol types.Symbol, side types.Side, action types.Action) (bool, string) {
	if action.IsExit() {
		return true, ""
	}
	last, ok := a.last[churnKey{symbol, side}]
	if !ok {
		return true, ""
	}
	elapsed := a.now().Sub(last)
	if elapsed < a.cooldown {
		return false, fmt.Sprintf("traded %s %s %s ago, cooldown %s",
			symbol, side, elapsed.Round(time.Second), a.cooldown)
	}
	return true, ""
}

// Record marks (symbol, side) as just traded.
func (a *AntiChurn) Record(symbol types.Symbol, side types.Side) {
	a.last[churnKey{symbol, side}] = a.now()
}
