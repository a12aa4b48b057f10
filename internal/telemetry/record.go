// Package telemetry records per model call, tool call and query spans.
// Records are keyed by trace id and span id, carry summary metrics and a
// bounded preview, and never hold raw payloads.
package telemetry

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Kind identifies what a record measures.
type Kind string

// Record kinds.
const (
	KindQuery      Kind = "query"
	KindModelCall  Kind = "model_call"
	KindToolCall   Kind = "tool_call"
	KindCompaction Kind = "compaction"
)

// PreviewLimit bounds Record.Preview in characters.
const PreviewLimit = 200

// Record is one telemetry span.
type Record struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	TraceID        string    `json:"traceId"`
	SpanID         string    `json:"spanId"`
	ParentSpanID   string    `json:"parentSpanId,omitempty"`
	Kind           Kind      `json:"kind"`
	Name           string    `json:"name"` // model or tool name
	ConversationID string    `json:"conversationId,omitempty"`
	AgentID        string    `json:"agentId,omitempty"`
	TenantID       string    `json:"tenantId,omitempty"`
	DurationMS     int64     `json:"durationMs"`

	// Outcome is "ok", a model error class, or a tool status/error kind.
	Outcome string `json:"outcome"`
	Attempt int    `json:"attempt,omitempty"`

	InputTokens         int     `json:"inputTokens,omitempty"`
	OutputTokens        int     `json:"outputTokens,omitempty"`
	CacheReadTokens     int     `json:"cacheReadTokens,omitempty"`
	CacheCreationTokens int     `json:"cacheCreationTokens,omitempty"`
	CostUSD             float64 `json:"costUsd,omitempty"`

	Metrics map[string]any `json:"metrics,omitempty"`
	Preview string         `json:"preview,omitempty"`
}

// NewID returns a time-ordered identifier for traces, spans and records.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Preview truncates s to PreviewLimit characters on a rune boundary.
func Preview(s string) string {
	if utf8.RuneCountInString(s) <= PreviewLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:PreviewLimit-1]) + "…"
}
