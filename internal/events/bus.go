// Package events is a publish/subscribe bus for live operational
// observability. The agent loop, tool executor and conversation sweeper
// publish; the /v1/events WebSocket subscribes. Publishing on a nil *Bus
// is a no-op so components never need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	SourceAgent        = "agent"
	SourceTools        = "tools"
	SourceConversation = "conversation"
	SourceTransport    = "transport"
	SourceConnwatch    = "connwatch"
)

// Kinds. The comment lists the Data keys each one carries.
const (
	// conversation_id, trace_id, agent_id, source
	KindQueryStart = "query_start"
	// conversation_id, trace_id, from, to
	KindStateChange = "state_change"
	// trace_id, turn, model
	KindModelCall = "model_call"
	// trace_id, turn, model, tokens_in, tokens_out, cost_usd, tool_calls, outcome
	KindModelResponse = "model_response"
	// trace_id, tool, call_id
	KindToolStart = "tool_start"
	// trace_id, tool, call_id, status, duration_ms
	KindToolDone = "tool_done"
	// conversation_id, compacted, before_tokens, after_tokens, forced
	KindCompaction = "compaction"
	// conversation_id, trace_id, status, turns, elapsed_ms
	KindQueryDone = "query_done"
	// conversation_id, reason
	KindConversationClosed = "conversation_closed"
	// remote, kind
	KindSessionOpen  = "session_open"
	KindSessionClose = "session_close"
	// name, kind, ready, error
	KindDependency = "dependency"
)

// Event is one operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. A slow subscriber misses events
// instead of stalling the publisher; misses are counted.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event // Unsubscribe takes the caller's view
	dropped    atomic.Int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber that has room.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events. Call Unsubscribe
// when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
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

// Dropped returns how many deliveries were skipped for full subscribers.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
