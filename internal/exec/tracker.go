// Package exec places validated orders and reconciles engine state with
// the exchange afterwards.
package exec

import (
	"sync"

	"perp-trader/pkg/types"
)

// Tracker is the in-memory registry of trades the engine opened and still
// believes are live. Entries are registered by the Executor on order
// acceptance and retired by the Reconciler when the exchange no longer
// shows the position. Guarded by a mutex because the dashboard snapshots
// it from outside the cycle goroutine.
type Tracker struct {
	mu     sync.RWMutex
	trades map[string]types.TrackedTrade // by exchange order ID
}

// NewTracker creates an empty registry.
func NewTracker() *Tracker {
	return &Tracker{trades: make(map[string]types.TrackedTrade)}
}

// Register adds one tracked trade.
func (t *Tracker) Register(trade types.TrackedTrade) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trades[trade.OrderID] = trade
}

// Retire removes the trade with the given order ID.
func (t *Tracker) Retire(orderID string) (types.TrackedTrade, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	trade, ok := t.trades[orderID]
	if ok {
		delete(t.trades, orderID)
	}
	return trade, ok
}

// All returns a copy of the live trades.
func (t *Tracker) All() []types.TrackedTrade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.TrackedTrade, 0, len(t.trades))
	for _, trade := range t.trades {
		out = append(out, trade)
	}
	return out
}

// Len returns the number of live trades.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.trades)
}
