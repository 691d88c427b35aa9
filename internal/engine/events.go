package engine

import (
	"sync"
	"time"

	"perp-trader/pkg/types"
)

// EventType tags one engine lifecycle or cycle event.
type EventType string

const (
	EventStarted         EventType = "started"
	EventStopped         EventType = "stopped"
	EventCycleStart      EventType = "cycle_start"
	EventCycleComplete   EventType = "cycle_complete"
	EventSnapshotFailure EventType = "snapshot_failure"
)

// Event is one engine notification. Cycle is set on cycle_complete,
// FailureCount on snapshot_failure.
type Event struct {
	Type         EventType
	Time         time.Time
	CycleNumber  int64
	Cycle        *types.Cycle
	FailureCount int
}

// Emitter dispatches events to in-process subscribers. Delivery is
// best-effort: a subscriber that cannot keep up has events dropped rather
// than stalling the cycle loop.
type Emitter struct {
	mu   sync.RWMutex
	subs []chan Event
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers a new subscriber and returns its channel.
func (em *Emitter) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	em.mu.Lock()
	em.subs = append(em.subs, ch)
	em.mu.Unlock()
	return ch
}

// Emit publishes one event to every subscriber without blocking.
func (em *Emitter) Emit(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	em.mu.RLock()
	defer em.mu.RUnlock()
	for _, ch := range em.subs {
		select {
		case ch <- evt:
		default:
			// subscriber behind, drop
		}
	}
}
