// Package api implements the HTTP and WebSocket transports of the agent
// service: streaming queries over SSE and WebSocket, plus read and admin
// endpoints for conversations, tools, usage and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/swag-agent/internal/agent"
	"github.com/nugget/swag-agent/internal/buildinfo"
	"github.com/nugget/swag-agent/internal/connwatch"
	"github.com/nugget/swag-agent/internal/conversation"
	"github.com/nugget/swag-agent/internal/events"
	"github.com/nugget/swag-agent/internal/telemetry"
	"github.com/nugget/swag-agent/internal/tools"
)

// outboundBuffer bounds the events queued for one client. A full queue
// blocks the agent loop until the client catches up or goes away.
const outboundBuffer = 64

// maxQueryBytes bounds an inbound query body or WebSocket message.
const maxQueryBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Options wires a Server. Only Loop and Conversations are required;
// endpoints whose dependency is nil answer 503.
type Options struct {
	Address string
	Port    int

	Loop          *agent.Loop
	Conversations *conversation.Store
	Registry      *tools.Registry
	Usage         *telemetry.Store
	Daily         *telemetry.DailyTotals
	Health        *connwatch.Manager
	Bus           *events.Bus

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address       string
	port          int
	loop          *agent.Loop
	conversations *conversation.Store
	registry      *tools.Registry
	usage         *telemetry.Store
	daily         *telemetry.DailyTotals
	health        *connwatch.Manager
	bus           *events.Bus
	logger        *slog.Logger
	server        *http.Server
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		address:       opts.Address,
		port:          opts.Port,
		loop:          opts.Loop,
		conversations: opts.Conversations,
		registry:      opts.Registry,
		usage:         opts.Usage,
		daily:         opts.Daily,
		health:        opts.Health,
		bus:           opts.Bus,
		logger:        opts.Logger.With("component", "api"),
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Streaming queries
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Conversations
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleConversationClose)

	// Tool registry
	mux.HandleFunc("GET /v1/tools", s.handleToolList)
	mux.HandleFunc("POST /v1/tools/invalidate", s.handleToolInvalidate)

	// Usage
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start serves HTTP requests until ctx is cancelled or Shutdown is
// called. Request contexts derive from ctx, so cancelling it also ends
// in-flight streams.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: streams reset their own deadlines per event.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// errorResponse writes a JSON error body. class is an error
// classification such as "validation" or "not_found".
func (s *Server) errorResponse(w http.ResponseWriter, code int, class, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message":        message,
			"classification": class,
			"code":           code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "swag-agent",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth reports "ok" when every watched dependency is reachable
// and "degraded" otherwise. It answers 200 either way: the service
// itself is up and queries may still succeed through a fallback.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	var deps []connwatch.Status
	if s.health != nil {
		deps = s.health.Status()
		if !s.health.Healthy() {
			status = "degraded"
		}
	}
	body := map[string]any{
		"status":       status,
		"uptime":       buildinfo.Uptime().String(),
		"dependencies": deps,
		"subscribers":  s.bus.SubscriberCount(),
	}
	if s.daily != nil {
		body["today"] = s.daily.Snapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}

// Conversation endpoints

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := conversation.ListOptions{
		TenantID: q.Get("storeId"),
		Status:   conversation.Status(q.Get("status")),
		Limit:    parseIntParam(r, "limit", 50),
	}
	switch opts.Status {
	case "", conversation.StatusActive, conversation.StatusCompacted, conversation.StatusClosed:
	default:
		s.errorResponse(w, http.StatusBadRequest, agent.ClassValidation,
			fmt.Sprintf("unknown status %q (valid: active, compacted, closed)", opts.Status))
		return
	}

	convs, err := s.conversations.List(r.Context(), opts)
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, agent.ClassInternal, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []conversation.Conversation{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	}, s.logger)
}

// lookupConversation loads the conversation named in the path. A
// storeId query parameter that does not match the conversation's tenant
// is answered as not found, so ids cannot be probed across tenants.
func (s *Server) lookupConversation(w http.ResponseWriter, r *http.Request) (*conversation.Conversation, bool) {
	id := r.PathValue("id")
	conv, err := s.conversations.Get(r.Context(), id)
	if errors.Is(err, conversation.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, agent.ClassNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get conversation failed", "conversation_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, agent.ClassInternal, "failed to load conversation")
		return nil, false
	}
	if tenant := r.URL.Query().Get("storeId"); tenant != "" && tenant != conv.TenantID {
		s.errorResponse(w, http.StatusNotFound, agent.ClassNotFound, "conversation not found")
		return nil, false
	}
	return conv, true
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.lookupConversation(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleConversationClose(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.lookupConversation(w, r)
	if !ok {
		return
	}
	if err := s.conversations.Close(r.Context(), conv.ID); err != nil {
		if errors.Is(err, conversation.ErrBusy) {
			s.errorResponse(w, http.StatusConflict, agent.ClassBusy, "conversation has a query in flight")
			return
		}
		if errors.Is(err, conversation.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, agent.ClassNotFound, "conversation not found")
			return
		}
		s.logger.Error("close conversation failed", "conversation_id", conv.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, agent.ClassInternal, "failed to close conversation")
		return
	}

	s.logger.Info("conversation closed", "conversation_id", conv.ID, "reason", "api")
	s.bus.Emit(events.SourceTransport, events.KindConversationClosed, map[string]any{
		"conversation_id": conv.ID,
		"reason":          "api",
	})

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"id":     conv.ID,
		"status": string(conversation.StatusClosed),
	}, s.logger)
}

// Tool registry endpoints

func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, agent.ClassInternal, "tool registry not configured")
		return
	}
	defs, err := s.registry.ListActive(r.Context())
	if err != nil {
		s.logger.Error("list tools failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, agent.ClassInternal, "failed to list tools")
		return
	}
	if defs == nil {
		defs = []tools.Def{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tools": defs,
		"count": len(defs),
	}, s.logger)
}

// handleToolInvalidate drops the cached registry snapshot and reloads
// it, so the response reflects the table as it is now.
func (s *Server) handleToolInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, agent.ClassInternal, "tool registry not configured")
		return
	}
	s.registry.Invalidate()
	defs, err := s.registry.ListActive(r.Context())
	if err != nil {
		s.logger.Error("reload tools failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, agent.ClassInternal, "failed to reload tools")
		return
	}
	s.logger.Info("tool registry invalidated", "active", len(defs))

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"invalidated": true,
		"count":       len(defs),
	}, s.logger)
}

// Usage endpoint

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, agent.ClassInternal, "usage store not configured")
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, agent.ClassValidation, "hours must be a positive integer")
			return
		}
		hours = n
	}

	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	ctx := r.Context()

	total, err := s.usage.Summary(ctx, start, end)
	if err != nil {
		s.usageFailed(w, err)
		return
	}
	byModel, err := s.usage.SummaryByModel(ctx, start, end)
	if err != nil {
		s.usageFailed(w, err)
		return
	}
	byAgent, err := s.usage.SummaryByAgent(ctx, start, end)
	if err != nil {
		s.usageFailed(w, err)
		return
	}
	byOutcome, err := s.usage.SummaryByOutcome(ctx, start, end)
	if err != nil {
		s.usageFailed(w, err)
		return
	}

	body := map[string]any{
		"hours":     hours,
		"start":     start.UTC().Format(time.RFC3339),
		"end":       end.UTC().Format(time.RFC3339),
		"total":     total,
		"byModel":   byModel,
		"byAgent":   byAgent,
		"byOutcome": byOutcome,
	}
	if s.daily != nil {
		body["today"] = s.daily.Snapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}

func (s *Server) usageFailed(w http.ResponseWriter, err error) {
	s.logger.Error("usage query failed", "error", err)
	s.errorResponse(w, http.StatusInternalServerError, agent.ClassInternal, "failed to summarize usage")
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
