package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/swag-agent/internal/config"
	"github.com/nugget/swag-agent/internal/httpkit"
)

// Backend executes tools on the external tool service. The service
// speaks one JSON request per call:
//
//	POST <url>  {"tool": ..., "args": {...}, "context": {...}}
//	         -> {"success": true, "data": ...} | {"success": false, "error": "..."}
type Backend struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

type backendRequest struct {
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args"`
	Context backendContext `json:"context"`
}

type backendContext struct {
	StoreID        string `json:"storeId,omitempty"`
	TraceID        string `json:"traceId,omitempty"`
	Source         string `json:"source,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	AgentID        string `json:"agentId,omitempty"`
	CallID         string `json:"callId,omitempty"`
}

type backendResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewBackend creates a client for the tool service. A nil client gets
// an httpkit client that retries connect failures.
func NewBackend(cfg config.ToolBackendConfig, client *http.Client, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = httpkit.NewClient(httpkit.WithRetry(2, 250*time.Millisecond), httpkit.WithLogger(logger))
	}
	return &Backend{
		url:    strings.TrimRight(cfg.URL, "/"),
		token:  cfg.Token,
		client: client,
		logger: logger,
	}
}

// Handler returns a Handler that forwards calls to the service.
func (b *Backend) Handler() Handler {
	return b.call
}

func (b *Backend) call(ctx context.Context, inv Invocation) (any, error) {
	body, err := json.Marshal(backendRequest{
		Tool: inv.Name,
		Args: inv.Args,
		Context: backendContext{
			StoreID:        inv.Context.TenantID,
			TraceID:        inv.Context.TraceID,
			Source:         inv.Context.Source,
			ConversationID: inv.Context.ConversationID,
			AgentID:        inv.Context.AgentID,
			CallID:         inv.CallID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tool request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	b.logger.Log(ctx, config.LevelTrace, "tool backend request", "tool", inv.Name, "body", string(body))

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool backend: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("tool backend returned %d: %s", resp.StatusCode, msg)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var out backendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tool response: %w", err)
	}
	if !out.Success {
		if out.Error == "" {
			out.Error = "tool reported failure without a message"
		}
		return nil, fmt.Errorf("%s", out.Error)
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	var data any
	if err := json.Unmarshal(out.Data, &data); err != nil {
		return nil, fmt.Errorf("decode tool data: %w", err)
	}
	return data, nil
}

// Ping checks that the service is reachable. It backs the connwatch
// probe for the tool backend.
func (b *Backend) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url+"/health", nil)
	if err != nil {
		return err
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("tool backend health returned %d", resp.StatusCode)
	}
	return nil
}
