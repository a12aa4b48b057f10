package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/swag-agent/internal/llm"
)

// Event type tags as sent on the wire.
const (
	EventStarted    = "started"
	EventText       = "text"
	EventToolStart  = "tool_start"
	EventToolResult = "tool_result"
	EventUsage      = "usage"
	EventError      = "error"
	EventDone       = "done"
)

// DoneStatus is the outcome carried by the terminal done event.
type DoneStatus string

// Terminal outcomes.
const (
	DoneCompleted      DoneStatus = "completed"
	DoneBudgetExceeded DoneStatus = "budget_exceeded"
	DoneCancelled      DoneStatus = "cancelled"
	DoneError          DoneStatus = "error"
)

// Event is one item in a query's stream. Every query ends with exactly
// one Done, and nothing follows it.
type Event interface {
	EventType() string
}

// Emitter delivers events to a transport. It may block to apply
// backpressure and must return once ctx is done. The loop never calls
// it concurrently.
type Emitter func(ctx context.Context, e Event)

// Started is sent by the transport once a query has its conversation.
type Started struct {
	ConversationID string `json:"conversationId"`
}

// Text is an incremental assistant text delta.
type Text struct {
	Text string `json:"text"`
}

// ToolStart announces a tool call before dispatch.
type ToolStart struct {
	Name   string `json:"name"`
	CallID string `json:"callId"`
}

// ToolResult reports a finished tool call.
type ToolResult struct {
	Name    string `json:"name"`
	CallID  string `json:"callId"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Usage reports the tokens and cost of the whole query.
type Usage struct {
	InputTokens         int     `json:"inputTokens"`
	OutputTokens        int     `json:"outputTokens"`
	CacheReadTokens     int     `json:"cacheReadTokens"`
	CacheCreationTokens int     `json:"cacheCreationTokens"`
	CostUSD             float64 `json:"costUsd"`
}

// Error reports a failure. It is only ever followed by Done{error}.
type Error struct {
	Message        string `json:"error"`
	Classification string `json:"classification"`
}

// Done is the terminal event.
type Done struct {
	Status         DoneStatus `json:"status"`
	ConversationID string     `json:"conversationId"`
}

func (Started) EventType() string    { return EventStarted }
func (Text) EventType() string       { return EventText }
func (ToolStart) EventType() string  { return EventToolStart }
func (ToolResult) EventType() string { return EventToolResult }
func (Usage) EventType() string      { return EventUsage }
func (Error) EventType() string      { return EventError }
func (Done) EventType() string       { return EventDone }

// The alias types drop the MarshalJSON method so tagged can encode the
// plain fields.

func (e Started) MarshalJSON() ([]byte, error) {
	type plain Started
	return tagged(EventStarted, plain(e))
}

func (e Text) MarshalJSON() ([]byte, error) {
	type plain Text
	return tagged(EventText, plain(e))
}

func (e ToolStart) MarshalJSON() ([]byte, error) {
	type plain ToolStart
	return tagged(EventToolStart, plain(e))
}

func (e ToolResult) MarshalJSON() ([]byte, error) {
	type plain ToolResult
	return tagged(EventToolResult, plain(e))
}

func (e Usage) MarshalJSON() ([]byte, error) {
	type plain Usage
	return tagged(EventUsage, plain(e))
}

func (e Error) MarshalJSON() ([]byte, error) {
	type plain Error
	return tagged(EventError, plain(e))
}

func (e Done) MarshalJSON() ([]byte, error) {
	type plain Done
	return tagged(EventDone, plain(e))
}

// tagged encodes v as a JSON object with "type" as its first member.
func tagged(typ string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("event %s: not an object", typ)
	}
	out := fmt.Appendf(nil, `{"type":%q`, typ)
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

// UsageEvent builds the usage event for u and its cost.
func UsageEvent(u llm.Usage, costUSD float64) Usage {
	return Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CostUSD:             costUSD,
	}
}

// Terminal reports whether e ends a query's stream.
func Terminal(e Event) bool {
	_, ok := e.(Done)
	return ok
}
