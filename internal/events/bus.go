// Package events is an in-process publish/subscribe bus for operational
// events: turns, model calls, tool invocations, and roster changes.
// Publishing on a nil *Bus is a no-op, so components can hold an
// optional bus without guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent    = "agent"
	SourceTools    = "tools"
	SourceRegistry = "registry"
	SourceBackend  = "backend"
)

// Kinds. The Data keys each kind carries are listed alongside.
const (
	// agent, request_id, from.
	KindTurnStart = "turn_start"
	// agent, request_id, round, model.
	KindLLMCall = "llm_call"
	// agent, request_id, round, calls, duration_ms.
	KindLLMResponse = "llm_response"
	// agent, request_id, tool.
	KindToolCall = "tool_call"
	// agent, request_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// agent, request_id, rounds.
	KindLoopExhausted = "loop_exhausted"
	// agent, request_id, rounds, calls, elapsed_ms.
	KindTurnComplete = "turn_complete"

	// agent.
	KindAgentCreated = "agent_created"
	KindAgentDeleted = "agent_deleted"
	// actor, type.
	KindActorJoined = "actor_joined"
	KindActorLeft   = "actor_left"
	// agents, failed.
	KindBroadcast = "broadcast"

	// backend, error.
	KindBackendUp   = "backend_up"
	KindBackendDown = "backend_down"
)

// Event is a single published event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to subscribers over buffered channels. A full
// subscriber misses events; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel receiving published events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
