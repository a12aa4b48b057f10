package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nugget/swag-agent/internal/agent"
)

// streamWriteTimeout is the per-event write deadline on streams.
const streamWriteTimeout = 120 * time.Second

// serveQuery runs q to completion, emitting Started and the loop's
// events. A query rejected before it starts gets an Error event
// followed by Done{error}, so every query ends in exactly one Done.
func (s *Server) serveQuery(ctx context.Context, q agent.Query, emit agent.Emitter) *agent.Outcome {
	run, err := s.loop.Begin(ctx, q)
	if err != nil {
		s.reject(ctx, q.ConversationID, err, emit)
		return nil
	}
	emit(ctx, agent.Started{ConversationID: run.ConversationID()})
	return run.Execute(ctx, emit)
}

// reject emits the terminal pair for a query that never started.
func (s *Server) reject(ctx context.Context, conversationID string, err error, emit agent.Emitter) {
	class := agent.Classify(err)
	if class == agent.ClassInternal {
		s.logger.Error("query rejected", "conversation_id", conversationID, "error", err)
	} else {
		s.logger.Info("query rejected",
			"conversation_id", conversationID,
			"classification", class,
			"error", err,
		)
	}
	final := context.WithoutCancel(ctx)
	emit(final, agent.Error{Message: err.Error(), Classification: class})
	emit(final, agent.Done{Status: agent.DoneError, ConversationID: conversationID})
}

// channelEmitter queues events on out. A send blocks while out is full
// and gives up when ctx is cancelled or gone is closed. Terminal events
// are emitted with an uncancellable context, so they are only dropped
// once the writer is gone.
func channelEmitter(out chan<- any, gone <-chan struct{}) agent.Emitter {
	return func(ctx context.Context, e agent.Event) {
		select {
		case out <- e:
		case <-ctx.Done():
		case <-gone:
		}
	}
}

// handleQuery streams one query as server-sent events. Each event is
// written as "event: <type>" plus its JSON on a data line.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q agent.Query
	if err := json.NewDecoder(io.LimitReader(r.Body, maxQueryBytes)).Decode(&q); err != nil {
		s.errorResponse(w, http.StatusBadRequest, agent.ClassValidation, "invalid JSON: "+err.Error())
		return
	}
	q.Source = "sse"

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, agent.ClassInternal, "streaming not supported")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan any, outboundBuffer)
	go func() {
		defer close(out)
		s.serveQuery(ctx, q, channelEmitter(out, nil))
	}()

	rc := http.NewResponseController(w)
	broken := false
	for msg := range out {
		if broken {
			continue // drain so the loop can finish
		}
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
		if err := writeSSE(w, msg); err != nil {
			s.logger.Debug("SSE client went away", "error", err)
			broken = true
			cancel()
			continue
		}
		flusher.Flush()
	}
}

// writeSSE writes one event frame.
func writeSSE(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	typ := "message"
	if e, ok := msg.(agent.Event); ok {
		typ = e.EventType()
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, data)
	return err
}
