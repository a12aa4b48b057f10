// Package agent implements the agent loop: the state machine that
// alternates model calls and tool dispatch for one query, streams
// events to a transport and leaves a well-formed history behind.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/nugget/swag-agent/internal/config"
	"github.com/nugget/swag-agent/internal/conversation"
	"github.com/nugget/swag-agent/internal/events"
	"github.com/nugget/swag-agent/internal/llm"
	"github.com/nugget/swag-agent/internal/prompts"
	"github.com/nugget/swag-agent/internal/telemetry"
	"github.com/nugget/swag-agent/internal/tools"
)

// Stored in place of an assistant reply that never arrived, so the
// next query starts from a closed turn.
const (
	cancelledReply = "[cancelled before a reply was produced]"
	failedReply    = "[the request failed before a reply was produced]"
	emptyReply     = "[no reply]"
)

// DefaultConcurrency caps parallel tool calls within one turn.
const DefaultConcurrency = 4

// Options wires a Loop.
type Options struct {
	Store     *conversation.Store
	Compactor *conversation.Compactor // nil disables compaction
	Executor  *tools.Executor
	Client    llm.Client
	Sink      telemetry.Sink // nil discards
	Bus       *events.Bus    // nil is fine

	Agents []Config
	// DefaultAgent serves queries without an agent id. Empty means the
	// first of Agents.
	DefaultAgent string

	Pricing              map[string]config.PricingEntry
	CategoryCapabilities map[string]string
	Concurrency          int

	Logger *slog.Logger
}

// Loop runs queries. It is safe for concurrent use; one conversation
// runs at most one query at a time.
type Loop struct {
	store        *conversation.Store
	compactor    *conversation.Compactor
	executor     *tools.Executor
	client       llm.Client
	sink         telemetry.Sink
	bus          *events.Bus
	agents       map[string]Config
	order        []string
	defaultAgent string
	pricing      map[string]config.PricingEntry
	categoryCaps map[string]string
	concurrency  int
	logger       *slog.Logger
}

// NewLoop validates opts and creates a loop.
func NewLoop(opts Options) (*Loop, error) {
	if opts.Store == nil || opts.Executor == nil || opts.Client == nil {
		return nil, errors.New("agent loop needs a store, an executor and a model client")
	}
	if len(opts.Agents) == 0 {
		return nil, errors.New("agent loop needs at least one agent")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.Discard{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	l := &Loop{
		store:        opts.Store,
		compactor:    opts.Compactor,
		executor:     opts.Executor,
		client:       opts.Client,
		sink:         opts.Sink,
		bus:          opts.Bus,
		agents:       make(map[string]Config, len(opts.Agents)),
		pricing:      opts.Pricing,
		categoryCaps: opts.CategoryCapabilities,
		concurrency:  opts.Concurrency,
		logger:       opts.Logger.With("component", "agent"),
	}
	for _, a := range opts.Agents {
		if a.ID == "" {
			return nil, errors.New("agent with empty id")
		}
		if _, dup := l.agents[a.ID]; dup {
			return nil, fmt.Errorf("duplicate agent %q", a.ID)
		}
		l.agents[a.ID] = a
		l.order = append(l.order, a.ID)
	}
	l.defaultAgent = opts.DefaultAgent
	if l.defaultAgent == "" {
		l.defaultAgent = l.order[0]
	}
	if _, ok := l.agents[l.defaultAgent]; !ok {
		return nil, fmt.Errorf("default agent %q is not defined", l.defaultAgent)
	}
	return l, nil
}

// Agent returns the agent registered under id.
func (l *Loop) Agent(id string) (Config, bool) {
	a, ok := l.agents[id]
	return a, ok
}

// Agents returns every agent in configuration order.
func (l *Loop) Agents() []Config {
	out := make([]Config, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.agents[id])
	}
	return out
}

// Query is one inbound request.
type Query struct {
	Prompt         string     `json:"prompt"`
	ConversationID string     `json:"conversationId,omitempty"`
	AgentID        string     `json:"agentId,omitempty"`
	TenantID       string     `json:"storeId,omitempty"`
	Config         *Overrides `json:"config,omitempty"`

	// Source names the requester for audit, e.g. "ws" or "cli".
	Source string `json:"-"`
}

// Begin validates q, resolves its agent and conversation and takes the
// conversation's lease. On success the caller must Execute or Abandon
// the run. A busy conversation fails with conversation.ErrBusy.
func (l *Loop) Begin(ctx context.Context, q Query) (*Run, error) {
	prompt := strings.TrimSpace(q.Prompt)
	if prompt == "" {
		return nil, &ValidationError{Field: "prompt", Message: "must not be empty"}
	}
	if err := q.Config.Validate(); err != nil {
		return nil, err
	}

	agentID := q.AgentID
	if agentID == "" {
		agentID = l.defaultAgent
	}
	base, ok := l.agents[agentID]
	if !ok {
		return nil, &ValidationError{Field: "agentId", Message: fmt.Sprintf("unknown agent %q", agentID)}
	}

	conv, created, err := l.store.GetOrCreate(ctx, q.ConversationID, base.ID, q.TenantID)
	if err != nil {
		return nil, err
	}
	if conv.AgentID != base.ID {
		if q.AgentID != "" {
			return nil, &ValidationError{
				Field:   "agentId",
				Message: fmt.Sprintf("conversation %s belongs to agent %q", conv.ID, conv.AgentID),
			}
		}
		if base, ok = l.agents[conv.AgentID]; !ok {
			return nil, &ValidationError{Field: "agentId", Message: fmt.Sprintf("unknown agent %q", conv.AgentID)}
		}
	}

	lease, err := l.store.Acquire(conv.ID)
	if err != nil {
		return nil, err
	}
	// The conversation may have been closed between the read and the lease.
	if !created {
		st, err := l.store.StatusOf(ctx, conv.ID)
		if err == nil && st == conversation.StatusClosed {
			err = conversation.ErrClosed
		}
		if err != nil {
			lease.Release()
			return nil, err
		}
	}

	r := &Run{
		loop:    l,
		cfg:     base.Apply(q.Config),
		conv:    conv,
		lease:   lease,
		prompt:  prompt,
		tenant:  q.TenantID,
		source:  q.Source,
		traceID: telemetry.NewID(),
		spanID:  telemetry.NewID(),
	}
	r.logger = l.logger.With("conversation_id", conv.ID, "trace_id", r.traceID)
	r.logger.Info("query accepted",
		"agent_id", r.cfg.ID,
		"model", r.cfg.Model,
		"new_conversation", created,
		"source", q.Source,
		"prompt_len", len(prompt),
	)
	return r, nil
}

// Run begins q, emits Started and executes it. Begin failures are
// returned without emitting anything.
func (l *Loop) Run(ctx context.Context, q Query, emit Emitter) (*Outcome, error) {
	r, err := l.Begin(ctx, q)
	if err != nil {
		return nil, err
	}
	if emit != nil {
		emit(ctx, Started{ConversationID: r.ConversationID()})
	}
	return r.Execute(ctx, emit), nil
}

// Outcome summarizes an executed run.
type Outcome struct {
	ConversationID string     `json:"conversationId"`
	TraceID        string     `json:"traceId"`
	Status         DoneStatus `json:"status"`
	Text           string     `json:"text"`
	Usage          llm.Usage  `json:"usage"`
	CostUSD        float64    `json:"costUsd"`
	ModelCalls     int        `json:"modelCalls"`
	ToolCalls      int        `json:"toolCalls"`
	Err            error      `json:"-"`
}

// Run is one query against one conversation, holding its lease.
type Run struct {
	loop   *Loop
	cfg    Config
	conv   *conversation.Conversation
	lease  *conversation.Lease
	prompt string
	tenant string
	source string

	traceID string
	spanID  string
	logger  *slog.Logger

	state    atomic.Int32
	executed atomic.Bool

	emitMu sync.Mutex
	emit   Emitter

	// Owned by the Execute goroutine.
	history     []conversation.Message
	storeFailed bool
	usage       llm.Usage
	cost        float64
	modelCalls  int
	toolCalls   int
}

// ConversationID returns the conversation the run appends to.
func (r *Run) ConversationID() string { return r.conv.ID }

// TraceID returns the telemetry trace of the run.
func (r *Run) TraceID() string { return r.traceID }

// Agent returns the resolved agent configuration, overrides applied.
func (r *Run) Agent() Config { return r.cfg }

// State returns the current state.
func (r *Run) State() State { return State(r.state.Load()) }

// Abandon releases a run that will not be executed.
func (r *Run) Abandon() {
	if r.executed.CompareAndSwap(false, true) {
		r.lease.Release()
	}
}

// Execute runs the query to completion and returns its outcome. It
// always emits exactly one Done, last; cancelling ctx ends the run with
// Done{cancelled}. The lease is released before Done is emitted. A
// second call returns an error outcome without emitting.
func (r *Run) Execute(ctx context.Context, emit Emitter) *Outcome {
	if !r.executed.CompareAndSwap(false, true) {
		return &Outcome{
			ConversationID: r.conv.ID,
			TraceID:        r.traceID,
			Status:         DoneError,
			Err:            errors.New("run already executed or abandoned"),
		}
	}
	defer r.lease.Release()

	if emit == nil {
		emit = func(context.Context, Event) {}
	}
	r.emit = emit
	start := time.Now()
	r.loop.bus.Emit(events.SourceAgent, events.KindQueryStart, map[string]any{
		"conversation_id": r.conv.ID,
		"trace_id":        r.traceID,
		"agent_id":        r.cfg.ID,
		"source":          r.source,
	})

	out := r.run(ctx)
	out.ConversationID = r.conv.ID
	out.TraceID = r.traceID
	out.Usage = r.usage
	out.CostUSD = r.cost
	out.ModelCalls = r.modelCalls
	out.ToolCalls = r.toolCalls

	// Terminal events are delivered even after cancellation.
	final := context.WithoutCancel(ctx)
	switch out.Status {
	case DoneCompleted, DoneBudgetExceeded:
		r.send(final, UsageEvent(r.usage, r.cost))
		r.transition(StateDone)
	case DoneCancelled:
		r.transition(StateDone)
	default:
		r.send(final, Error{Message: out.Err.Error(), Classification: Classify(out.Err)})
		r.transition(StateErrored)
	}
	// A client may send its next query as soon as it sees Done.
	r.lease.Release()
	r.send(final, Done{Status: out.Status, ConversationID: r.conv.ID})

	elapsed := time.Since(start)
	r.record(telemetry.Record{
		SpanID:              r.spanID,
		Kind:                telemetry.KindQuery,
		Name:                r.cfg.ID,
		DurationMS:          elapsed.Milliseconds(),
		Outcome:             string(out.Status),
		InputTokens:         r.usage.InputTokens,
		OutputTokens:        r.usage.OutputTokens,
		CacheReadTokens:     r.usage.CacheReadTokens,
		CacheCreationTokens: r.usage.CacheCreationTokens,
		CostUSD:             r.cost,
		Metrics: map[string]any{
			"model_calls": r.modelCalls,
			"tool_calls":  r.toolCalls,
		},
		Preview: out.Text,
	})
	r.loop.bus.Emit(events.SourceAgent, events.KindQueryDone, map[string]any{
		"conversation_id": r.conv.ID,
		"trace_id":        r.traceID,
		"status":          string(out.Status),
		"turns":           r.modelCalls,
		"elapsed_ms":      elapsed.Milliseconds(),
	})

	attrs := []any{
		"status", out.Status,
		"model_calls", r.modelCalls,
		"tool_calls", r.toolCalls,
		"input_tokens", r.usage.InputTokens,
		"output_tokens", r.usage.OutputTokens,
		"cost_usd", r.cost,
		"elapsed", elapsed.Round(time.Millisecond),
	}
	if out.Err != nil {
		r.logger.Warn("query failed", append(attrs, "error", out.Err)...)
	} else {
		r.logger.Info("query finished", attrs...)
	}
	return out
}

func (r *Run) run(ctx context.Context) *Outcome {
	r.transition(StateAwaitingModel)

	msgs, err := r.loop.store.ActiveMessages(ctx, r.conv.ID)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancelled(ctx, "")
		}
		return r.failed(ctx, "", fmt.Errorf("load history: %w", err))
	}
	r.history = msgs
	r.persist(ctx, conversation.Message{
		Role:    llm.RoleUser,
		Content: tools.Truncate(r.prompt, r.cfg.Context.MaxMessageChars),
	})

	contextRetried := false
	for dispatched := 0; ; {
		if ctx.Err() != nil {
			return r.cancelled(ctx, "")
		}
		r.compact(ctx, false)

		resp, streamed, err := r.callModel(ctx)
		if err != nil {
			class := llm.ClassOf(err)
			switch {
			case ctx.Err() != nil || class == llm.ClassCancelled:
				return r.cancelled(ctx, streamed)
			case class == llm.ClassContextExceeded && !contextRetried && streamed == "":
				contextRetried = true
				if r.compact(ctx, true) {
					r.logger.Info("retrying turn after forced compaction")
					continue
				}
			}
			return r.failed(ctx, streamed, err)
		}
		contextRetried = false

		content := resp.Message.Content
		if content == "" {
			content = streamed
		}
		calls := resp.Message.ToolCalls

		if len(calls) == 0 {
			r.transition(StateFinalizing)
			if strings.TrimSpace(content) == "" {
				content = emptyReply
			}
			r.persist(ctx, r.assistant(content, nil))
			return &Outcome{Status: DoneCompleted, Text: content}
		}

		if dispatched >= r.cfg.MaxToolCalls {
			r.transition(StateFinalizing)
			note := prompts.BudgetExceededMessage(r.cfg.MaxToolCalls)
			delta := note
			if content != "" {
				delta = "\n\n" + note
			}
			r.send(ctx, Text{Text: delta})
			text := content + delta
			r.persist(ctx, r.assistant(text, nil))
			r.logger.Info("tool-call budget exhausted", "budget", r.cfg.MaxToolCalls, "requested", len(calls))
			return &Outcome{Status: DoneBudgetExceeded, Text: text}
		}

		r.transition(StateDispatchingTools)
		r.dispatch(ctx, content, calls)
		dispatched++
		if ctx.Err() != nil {
			return r.cancelled(ctx, "")
		}
		r.transition(StateAwaitingModel)
	}
}

// callModel makes one model call, streaming text deltas as they arrive.
// streamed is the text delivered before any failure.
func (r *Run) callModel(ctx context.Context) (resp *llm.Response, streamed string, err error) {
	req := r.request(ctx)
	r.modelCalls++
	turn := r.modelCalls
	r.loop.bus.Emit(events.SourceAgent, events.KindModelCall, map[string]any{
		"trace_id": r.traceID,
		"turn":     turn,
		"model":    req.Model,
	})
	r.logger.Log(ctx, llm.LevelTrace, "model request",
		"turn", turn, "messages", len(req.Messages), "tools", len(req.Tools), "system_len", len(req.System))

	var (
		buf           strings.Builder
		attempts      int
		finalObserved bool
	)
	observed := llm.WithAttemptObserver(ctx, func(a llm.Attempt) {
		attempts = a.Number
		finalObserved = !a.Retrying
		r.record(telemetry.Record{
			Kind:       telemetry.KindModelCall,
			Name:       req.Model,
			DurationMS: a.Duration.Milliseconds(),
			Outcome:    string(a.Class),
			Attempt:    a.Number,
			Preview:    errString(a.Err),
		})
	})

	start := time.Now()
	resp, err = r.loop.client.ChatStream(observed, req, func(ev llm.StreamEvent) {
		if ev.Kind != llm.KindToken || ev.Token == "" {
			return
		}
		buf.WriteString(ev.Token)
		r.send(ctx, Text{Text: ev.Token})
	})
	elapsed := time.Since(start)
	if err != nil {
		if !finalObserved {
			r.record(telemetry.Record{
				Kind:       telemetry.KindModelCall,
				Name:       req.Model,
				DurationMS: elapsed.Milliseconds(),
				Outcome:    string(llm.ClassOf(err)),
				Attempt:    attempts + 1,
				Preview:    err.Error(),
			})
		}
		r.loop.bus.Emit(events.SourceAgent, events.KindModelResponse, map[string]any{
			"trace_id": r.traceID,
			"turn":     turn,
			"model":    req.Model,
			"outcome":  string(llm.ClassOf(err)),
		})
		return nil, buf.String(), err
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	cost := telemetry.ComputeCost(model, resp.Usage, r.loop.pricing)
	r.usage.Add(resp.Usage)
	r.cost += cost
	if err := r.loop.store.AddUsage(context.WithoutCancel(ctx), r.conv.ID, resp.Usage, cost); err != nil {
		r.logger.Warn("recording conversation usage failed", "error", err)
	}

	r.record(telemetry.Record{
		Kind:                telemetry.KindModelCall,
		Name:                model,
		DurationMS:          elapsed.Milliseconds(),
		Outcome:             "ok",
		Attempt:             attempts + 1,
		InputTokens:         resp.Usage.InputTokens,
		OutputTokens:        resp.Usage.OutputTokens,
		CacheReadTokens:     resp.Usage.CacheReadTokens,
		CacheCreationTokens: resp.Usage.CacheCreationTokens,
		CostUSD:             cost,
		Metrics: map[string]any{
			"turn":        turn,
			"tool_calls":  len(resp.Message.ToolCalls),
			"stop_reason": resp.StopReason,
		},
		Preview: resp.Message.Content,
	})
	r.loop.bus.Emit(events.SourceAgent, events.KindModelResponse, map[string]any{
		"trace_id":   r.traceID,
		"turn":       turn,
		"model":      model,
		"tokens_in":  resp.Usage.InputTokens,
		"tokens_out": resp.Usage.OutputTokens,
		"cost_usd":   cost,
		"tool_calls": len(resp.Message.ToolCalls),
		"outcome":    "ok",
	})
	r.logger.Debug("model call finished",
		"turn", turn,
		"model", model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return resp, buf.String(), nil
}

// request builds the next model request from the run's history.
func (r *Run) request(ctx context.Context) *llm.Request {
	summary, history := conversation.Split(r.history)
	system := r.systemPrompt()
	if summary != "" {
		system += "\n\n" + summary
	}

	defs, err := r.loop.executor.Registry().Definitions(ctx, r.allow)
	if err != nil {
		r.logger.Warn("tool definitions unavailable; calling model without tools", "error", err)
		defs = nil
	}
	return &llm.Request{
		Model:       r.cfg.Model,
		System:      system,
		Messages:    trimHistory(history, r.cfg.Context.MaxHistoryChars),
		Tools:       defs,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	}
}

func (r *Run) systemPrompt() string {
	if r.cfg.SystemPrompt != "" {
		return r.cfg.SystemPrompt
	}
	return prompts.BaseSystemPrompt()
}

func (r *Run) allow(d tools.Def) bool {
	return r.cfg.Allows(d, r.loop.categoryCaps)
}

// dispatch stores the assistant's tool_use message, runs every call on
// the bounded pool and stores one tool message with the results in
// call order once all of them resolve.
func (r *Run) dispatch(ctx context.Context, content string, calls []llm.ToolCall) {
	r.persist(ctx, r.assistant(content, calls))
	for _, c := range calls {
		r.send(ctx, ToolStart{Name: c.Name, CallID: c.ID})
		r.loop.bus.Emit(events.SourceTools, events.KindToolStart, map[string]any{
			"trace_id": r.traceID,
			"tool":     c.Name,
			"call_id":  c.ID,
		})
	}

	ec := tools.ExecContext{
		TenantID:       r.tenant,
		TraceID:        r.traceID,
		Source:         r.source,
		ConversationID: r.conv.ID,
		AgentID:        r.cfg.ID,
		Allow:          r.allow,
	}
	maxChars := r.cfg.Context.MaxToolResultChars
	results := make([]tools.Result, len(calls))

	p := pool.New().WithMaxGoroutines(r.loop.concurrency)
	for i, call := range calls {
		p.Go(func() {
			res := r.loop.executor.Execute(ctx, call, ec)
			results[i] = res

			ev := ToolResult{Name: res.Name, CallID: res.CallID, Success: res.Success()}
			if res.Success() {
				ev.Result = res.ModelContent(maxChars)
			} else {
				ev.Error = res.Error
			}
			r.send(ctx, ev)
			r.recordTool(res)
		})
	}
	p.Wait()
	r.toolCalls += len(calls)

	msg := conversation.Message{Role: llm.RoleTool}
	for _, res := range results {
		msg.ToolResults = append(msg.ToolResults, llm.ToolResult{
			CallID:  res.CallID,
			Name:    res.Name,
			Content: res.ModelContent(maxChars),
			IsError: !res.Success(),
		})
	}
	r.persist(ctx, msg)
}

func (r *Run) recordTool(res tools.Result) {
	outcome := "ok"
	if !res.Success() {
		outcome = string(res.ErrorKind)
	}
	r.record(telemetry.Record{
		Kind:       telemetry.KindToolCall,
		Name:       res.Name,
		DurationMS: res.Duration.Milliseconds(),
		Outcome:    outcome,
		Attempt:    res.Attempts,
		Metrics:    res.Summary,
		Preview:    res.Error,
	})
	r.loop.bus.Emit(events.SourceTools, events.KindToolDone, map[string]any{
		"trace_id":    r.traceID,
		"tool":        res.Name,
		"call_id":     res.CallID,
		"status":      string(res.Status),
		"duration_ms": res.Duration.Milliseconds(),
	})
}

// compact runs compaction when the history crosses the high water mark,
// or unconditionally when forced. It reports whether anything was
// compacted.
func (r *Run) compact(ctx context.Context, force bool) bool {
	c := r.loop.compactor
	if c == nil || r.storeFailed {
		return false
	}
	system := r.systemPrompt()
	if !force && !c.NeedsCompaction(system, r.history) {
		return false
	}

	start := time.Now()
	res, err := c.Compact(ctx, r.conv.ID, system, force)
	if err != nil {
		r.logger.Warn("compaction failed", "forced", force, "error", err)
		return false
	}
	if res.Compacted == 0 {
		return false
	}
	msgs, err := r.loop.store.ActiveMessages(ctx, r.conv.ID)
	if err != nil {
		r.logger.Warn("reloading history after compaction failed", "error", err)
		return false
	}
	r.history = msgs

	r.record(telemetry.Record{
		Kind:       telemetry.KindCompaction,
		Name:       "compaction",
		DurationMS: time.Since(start).Milliseconds(),
		Outcome:    "ok",
		Metrics: map[string]any{
			"compacted":     res.Compacted,
			"before_tokens": res.BeforeTokens,
			"after_tokens":  res.AfterTokens,
			"forced":        force,
		},
	})
	r.loop.bus.Emit(events.SourceConversation, events.KindCompaction, map[string]any{
		"conversation_id": r.conv.ID,
		"compacted":       res.Compacted,
		"before_tokens":   res.BeforeTokens,
		"after_tokens":    res.AfterTokens,
		"forced":          force,
	})
	return true
}

func (r *Run) cancelled(ctx context.Context, partial string) *Outcome {
	r.transition(StateFinalizing)
	text := r.seal(ctx, partial, cancelledReply)
	return &Outcome{Status: DoneCancelled, Text: text}
}

func (r *Run) failed(ctx context.Context, partial string, err error) *Outcome {
	text := r.seal(ctx, partial, failedReply)
	return &Outcome{Status: DoneError, Text: text, Err: err}
}

// seal closes an open turn with an assistant message so the stored
// history alternates. Partial text already streamed is kept as is.
func (r *Run) seal(ctx context.Context, partial, placeholder string) string {
	last := lastTurn(r.history)
	if last == nil || (last.Role != llm.RoleUser && last.Role != llm.RoleTool) {
		return ""
	}
	text := partial
	if strings.TrimSpace(text) == "" {
		text = placeholder
	}
	r.persist(ctx, r.assistant(text, nil))
	return text
}

func (r *Run) assistant(content string, calls []llm.ToolCall) conversation.Message {
	return conversation.Message{
		Role:      llm.RoleAssistant,
		Content:   tools.Truncate(content, r.cfg.Context.MaxMessageChars),
		ToolCalls: calls,
	}
}

// persist appends m to the in-memory history and the store. After the
// first failed write the store is left alone so it never holds an
// out-of-order row; the run goes on from memory.
func (r *Run) persist(ctx context.Context, m conversation.Message) {
	r.history = append(r.history, m)
	if r.storeFailed {
		return
	}
	if err := r.loop.store.Append(context.WithoutCancel(ctx), r.conv.ID, m); err != nil {
		r.storeFailed = true
		r.logger.Error("conversation write failed; continuing without persistence",
			"role", m.Role, "error", err)
	}
}

// send serializes emits from the run and its tool workers.
func (r *Run) send(ctx context.Context, e Event) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.emit(ctx, e)
}

func (r *Run) transition(to State) {
	from := State(r.state.Swap(int32(to)))
	if from == to {
		return
	}
	if !validTransition(from, to) {
		r.logger.Warn("unexpected state transition", "from", from, "to", to)
	}
	r.logger.Debug("state transition", "from", from, "to", to)
	r.loop.bus.Emit(events.SourceAgent, events.KindStateChange, map[string]any{
		"conversation_id": r.conv.ID,
		"trace_id":        r.traceID,
		"from":            from.String(),
		"to":              to.String(),
	})
}

func (r *Run) record(rec telemetry.Record) {
	rec.TraceID = r.traceID
	if rec.SpanID == "" {
		rec.SpanID = telemetry.NewID()
	}
	if rec.Kind != telemetry.KindQuery {
		rec.ParentSpanID = r.spanID
	}
	rec.ConversationID = r.conv.ID
	rec.AgentID = r.cfg.ID
	rec.TenantID = r.tenant
	if err := r.loop.sink.Record(context.Background(), rec); err != nil {
		r.logger.Warn("telemetry record failed", "kind", rec.Kind, "error", err)
	}
}

// lastTurn returns the last non-summary message, or nil.
func lastTurn(msgs []conversation.Message) *conversation.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].Summary {
			return &msgs[i]
		}
	}
	return nil
}

// trimHistory drops whole turns from the front until msgs fit in
// maxChars. Cuts land only before a user message, so tool results
// always follow their tool_use, and the latest turn is always kept.
func trimHistory(msgs []llm.Message, maxChars int) []llm.Message {
	if maxChars <= 0 {
		return msgs
	}
	total := 0
	for _, m := range msgs {
		total += conversation.FromLLM(m).Chars()
	}
	start := 0
	for total > maxChars {
		next := -1
		for i := start + 1; i < len(msgs); i++ {
			if msgs[i].Role == llm.RoleUser {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		for _, m := range msgs[start:next] {
			total -= conversation.FromLLM(m).Chars()
		}
		start = next
	}
	return msgs[start:]
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
