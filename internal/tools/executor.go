package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nugget/swag-agent/internal/llm"
)

// Status is the lifecycle state of one tool call.
type Status string

// Tool call states.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed-out"
)

// ExecContext carries attribution for a tool call.
type ExecContext struct {
	TenantID       string
	TraceID        string
	Source         string // original requester, for audit
	ConversationID string
	AgentID        string

	// Allow reports whether the calling agent may use a tool. Nil
	// allows every active tool.
	Allow func(Def) bool
}

// Result is the outcome of one tool call.
type Result struct {
	CallID    string         `json:"callId"`
	Name      string         `json:"name"`
	Category  string         `json:"category,omitempty"`
	Status    Status         `json:"status"`
	Data      any            `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind ErrorKind      `json:"errorKind,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Attempts  int            `json:"attempts"`
	Summary   map[string]any `json:"-"` // telemetry only
}

// Success reports whether the call succeeded.
func (r Result) Success() bool {
	return r.Status == StatusSucceeded
}

// ModelContent renders the result for the model, truncated to
// maxChars runes when maxChars > 0.
func (r Result) ModelContent(maxChars int) string {
	var s string
	if r.Success() {
		switch v := r.Data.(type) {
		case string:
			s = v
		case nil:
			s = "ok"
		default:
			b, err := json.Marshal(v)
			if err != nil {
				s = fmt.Sprintf("%v", v)
			} else {
				s = string(b)
			}
		}
	} else {
		s = "Error: " + r.Error
	}
	return Truncate(s, maxChars)
}

// Truncate shortens s to at most max runes, marking the cut. Zero or
// negative max leaves s alone.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	const marker = "\n[truncated]"
	keep := max - utf8.RuneCountInString(marker)
	if keep < 0 {
		keep = 0
	}
	return string([]rune(s)[:keep]) + marker
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Timeout time.Duration
	// RetryCategories lists read-only categories whose upstream
	// failures are retried once.
	RetryCategories []string
}

// Executor validates and dispatches tool calls through a Registry.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	retry    map[string]bool
	logger   *slog.Logger
}

// NewExecutor creates an executor. A zero timeout means 30s.
func NewExecutor(registry *Registry, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	retry := make(map[string]bool, len(cfg.RetryCategories))
	for _, c := range cfg.RetryCategories {
		retry[c] = true
	}
	return &Executor{registry: registry, timeout: cfg.Timeout, retry: retry, logger: logger}
}

// Registry returns the registry the executor dispatches through.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs one tool call. Registry and validation failures are
// reported before the handler is touched. Execute never returns an
// error; failures are carried in the Result.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall, ec ExecContext) Result {
	start := time.Now()
	res := Result{CallID: call.ID, Name: call.Name, Status: StatusPending}
	finish := func(r Result) Result {
		r.Duration = time.Since(start)
		if r.Success() {
			r.Summary = Summarize(r.Data)
		}
		return r
	}

	ent, err := e.registry.lookup(ctx, call.Name)
	if err != nil {
		return finish(fail(res, KindRegistry, err))
	}
	res.Category = ent.def.Category
	if ec.Allow != nil && !ec.Allow(ent.def) {
		return finish(fail(res, KindRegistry, &ErrToolUnavailable{ToolName: call.Name, Reason: ReasonNotEnabled}))
	}
	handler := e.registry.handlerFor(ent.def)
	if handler == nil {
		return finish(fail(res, KindRegistry, &ErrToolUnavailable{ToolName: call.Name, Reason: ReasonNoHandler}))
	}
	if ent.schemaErr != nil {
		return finish(fail(res, KindRegistry, &ErrToolUnavailable{ToolName: call.Name, Reason: ReasonInvalidSchema}))
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := validate(ent, args); err != nil {
		return finish(fail(res, KindValidation, err))
	}

	inv := Invocation{
		CallID:   call.ID,
		Name:     call.Name,
		Category: ent.def.Category,
		Args:     args,
		Context:  ec,
	}

	maxAttempts := 1
	if e.retry[ent.def.Category] {
		maxAttempts = 2
	}
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		res.Status = StatusRunning
		out := e.runOnce(ctx, handler, inv)
		if out.Status == StatusSucceeded || out.ErrorKind != KindUpstream || attempt >= maxAttempts || ctx.Err() != nil {
			out.CallID, out.Name, out.Category, out.Attempts = res.CallID, res.Name, res.Category, attempt
			e.logger.Debug("tool call finished",
				"tool", call.Name,
				"call_id", call.ID,
				"status", out.Status,
				"attempts", attempt,
				"trace_id", ec.TraceID,
			)
			return finish(out)
		}
		e.logger.Info("retrying tool after upstream failure",
			"tool", call.Name,
			"category", ent.def.Category,
			"error", out.Error,
		)
	}
}

func (e *Executor) runOnce(ctx context.Context, h Handler, inv Invocation) Result {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("tool handler panicked",
					"tool", inv.Name, "panic", p, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		data, err := h(callCtx, inv)
		done <- outcome{data: data, err: err}
	}()

	var res Result
	select {
	case out := <-done:
		if out.err == nil {
			res.Status = StatusSucceeded
			res.Data = out.data
			return res
		}
		switch {
		case ctx.Err() != nil:
			return fail(res, KindCancelled, ctx.Err())
		case errors.Is(out.err, context.DeadlineExceeded) && callCtx.Err() != nil:
			return e.timedOut(res, inv)
		}
		var ve *ValidationError
		if errors.As(out.err, &ve) {
			return fail(res, KindValidation, out.err)
		}
		return fail(res, KindUpstream, out.err)
	case <-callCtx.Done():
		// The handler ignored its context; abandon it.
		if ctx.Err() != nil {
			return fail(res, KindCancelled, ctx.Err())
		}
		return e.timedOut(res, inv)
	}
}

func fail(res Result, kind ErrorKind, err error) Result {
	res.Status = StatusFailed
	res.ErrorKind = kind
	res.Error = err.Error()
	return res
}

// timedOut reports a call that hit the executor timeout. The error the
// model and client see is the bare status; the limit goes to the log.
func (e *Executor) timedOut(res Result, inv Invocation) Result {
	e.logger.Warn("tool call timed out",
		"tool", inv.Name,
		"call_id", inv.CallID,
		"timeout", e.timeout,
		"trace_id", inv.Context.TraceID,
	)
	res.Status = StatusTimedOut
	res.ErrorKind = KindTimeout
	res.Error = string(StatusTimedOut)
	return res
}

func validate(ent *entry, args map[string]any) error {
	if ent.schema == nil {
		return nil
	}
	result, err := ent.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ValidationError{ToolName: ent.def.Name, Problems: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		problems = append(problems, re.String())
	}
	return &ValidationError{ToolName: ent.def.Name, Problems: problems}
}
