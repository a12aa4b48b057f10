// Package llm provides model provider clients, error classification and
// retry for the agent loop.
package llm

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Client is the interface that all model providers implement.
type Client interface {
	// ChatStream sends req and streams text deltas to callback as they
	// arrive. A nil callback is allowed. On failure the error is an
	// *Error carrying its classification.
	ChatStream(ctx context.Context, req *Request, callback StreamCallback) (*Response, error)

	// Ping checks whether the provider is reachable and the credentials work.
	Ping(ctx context.Context) error
}

// Chat is ChatStream without a callback.
func Chat(ctx context.Context, c Client, req *Request) (*Response, error) {
	return c.ChatStream(ctx, req, nil)
}
