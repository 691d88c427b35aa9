package api

import (
	"time"

	"perp-trader/internal/engine"
)

// DashboardEvent is the wrapper for everything pushed over the websocket.
// Type is "snapshot" for the initial full state, otherwise the engine
// event type verbatim ("cycle_start", "cycle_complete", ...).
type DashboardEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// fromEngineEvent converts an engine notification into the wire shape.
func fromEngineEvent(evt engine.Event) DashboardEvent {
	out := DashboardEvent{
		Type:      string(evt.Type),
		Timestamp: evt.Time,
	}
	switch evt.Type {
	case engine.EventCycleStart:
		out.Data = map[string]int64{"cycle": evt.CycleNumber}
	case engine.EventCycleComplete:
		out.Data = evt.Cycle
	case engine.EventSnapshotFailure:
		out.Data = map[string]int{"consecutive_failures": evt.FailureCount}
	}
	return out
}
