package tools

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/swag-agent/internal/llm"
)

func testExecutor(t *testing.T, cfg ExecutorConfig) (*Executor, *Registry) {
	t.Helper()
	r := testRegistry(t, time.Minute)
	if err := r.Upsert(t.Context(), Def{Name: "lookup_order", Category: "orders", InputSchema: orderSchema(), Active: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return NewExecutor(r, cfg, nil), r
}

func call(name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: "call_1", Name: name, Arguments: args}
}

func TestExecute_Success(t *testing.T) {
	e, r := testExecutor(t, ExecutorConfig{})
	var got Invocation
	r.Register("lookup_order", func(_ context.Context, inv Invocation) (any, error) {
		got = inv
		return map[string]any{"orders": []any{map[string]any{"total": 12.5}, map[string]any{"total": 7.5}}}, nil
	})

	ec := ExecContext{TenantID: "store-9", TraceID: "trace-1", Source: "ws", ConversationID: "c1", AgentID: "default"}
	res := e.Execute(t.Context(), call("lookup_order", map[string]any{"order_id": "A1"}), ec)

	if res.Status != StatusSucceeded || !res.Success() {
		t.Fatalf("Status = %s (%s), want succeeded", res.Status, res.Error)
	}
	if res.CallID != "call_1" || res.Category != "orders" || res.Attempts != 1 {
		t.Errorf("result = %+v", res)
	}
	if got.Context.TenantID != "store-9" || got.Args["order_id"] != "A1" {
		t.Errorf("handler got %+v", got)
	}
	if res.Summary["orders_count"] != 2 || res.Summary["sum_total"] != 20.0 {
		t.Errorf("Summary = %v", res.Summary)
	}
	if !strings.Contains(res.ModelContent(0), `"total":12.5`) {
		t.Errorf("ModelContent = %s", res.ModelContent(0))
	}
}

func TestExecute_RegistryErrorsBeforeSideEffects(t *testing.T) {
	e, r := testExecutor(t, ExecutorConfig{})
	var calls atomic.Int32
	h := func(context.Context, Invocation) (any, error) {
		calls.Add(1)
		return "ok", nil
	}
	r.Upsert(t.Context(), Def{Name: "disabled", Active: false})
	r.Upsert(t.Context(), Def{Name: "orphan", Active: true})
	r.Register("lookup_order", h)
	r.Register("disabled", h)

	denyAll := ExecContext{Allow: func(Def) bool { return false }}

	tests := []struct {
		name   string
		call   llm.ToolCall
		ec     ExecContext
		reason string
	}{
		{"unknown", call("nope", nil), ExecContext{}, ReasonUnknown},
		{"inactive", call("disabled", nil), ExecContext{}, ReasonInactive},
		{"not enabled", call("lookup_order", map[string]any{"order_id": "x"}), denyAll, ReasonNotEnabled},
		{"no handler", call("orphan", nil), ExecContext{}, ReasonNoHandler},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Execute(t.Context(), tt.call, tt.ec)
			if res.Status != StatusFailed || res.ErrorKind != KindRegistry {
				t.Errorf("got %s/%s, want failed/registry", res.Status, res.ErrorKind)
			}
			if !strings.Contains(res.Error, tt.reason) {
				t.Errorf("Error = %q, want reason %q", res.Error, tt.reason)
			}
		})
	}
	if calls.Load() != 0 {
		t.Errorf("handler ran %d times, want 0", calls.Load())
	}
}

func TestExecute_ValidationBeforeDispatch(t *testing.T) {
	e, r := testExecutor(t, ExecutorConfig{})
	var calls atomic.Int32
	r.Register("lookup_order", func(context.Context, Invocation) (any, error) {
		calls.Add(1)
		return "ok", nil
	})

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing required", map[string]any{}},
		{"unknown field", map[string]any{"order_id": "A", "color": "red"}},
		{"wrong type", map[string]any{"order_id": 42}},
		{"below minimum", map[string]any{"order_id": "A", "limit": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Execute(t.Context(), call("lookup_order", tt.args), ExecContext{})
			if res.Status != StatusFailed || res.ErrorKind != KindValidation {
				t.Errorf("got %s/%s (%s), want failed/validation", res.Status, res.ErrorKind, res.Error)
			}
		})
	}
	if calls.Load() != 0 {
		t.Errorf("handler ran %d times, want 0", calls.Load())
	}
}

func TestExecute_UndeclaredArgumentsRejected(t *testing.T) {
	e, r := testExecutor(t, ExecutorConfig{})
	// Neither level sets additionalProperties.
	err := r.Upsert(t.Context(), Def{
		Name:     "refund_order",
		Category: "orders",
		Active:   true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"order_id": map[string]any{"type": "string"},
				"line": map[string]any{
					"type":       "object",
					"properties": map[string]any{"sku": map[string]any{"type": "string"}},
				},
			},
			"required": []any{"order_id"},
		},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	var calls atomic.Int32
	r.Register("refund_order", func(context.Context, Invocation) (any, error) {
		calls.Add(1)
		return "refunded", nil
	})

	tests := []struct {
		name string
		args map[string]any
		ok   bool
	}{
		{"declared only", map[string]any{"order_id": "A1", "line": map[string]any{"sku": "B-2"}}, true},
		{"unknown top-level field", map[string]any{"order_id": "A1", "bogus_field": 7}, false},
		{"unknown nested field", map[string]any{"order_id": "A1", "line": map[string]any{"sku": "B-2", "qty": 3}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Execute(t.Context(), call("refund_order", tt.args), ExecContext{})
			if tt.ok {
				if !res.Success() {
					t.Errorf("got %s (%s), want success", res.Status, res.Error)
				}
				return
			}
			if res.Status != StatusFailed || res.ErrorKind != KindValidation {
				t.Errorf("got %s/%s (%s), want failed/validation", res.Status, res.ErrorKind, res.Error)
			}
		})
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}

	// The stored definition is what the model sees; it stays as written.
	defs, err := r.ListActive(t.Context())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	for _, d := range defs {
		if d.Name != "refund_order" {
			continue
		}
		if _, set := d.InputSchema["additionalProperties"]; set {
			t.Errorf("stored schema was rewritten: %v", d.InputSchema)
		}
	}
}

func TestExecute_Timeout(t *testing.T) {
	e, r := testExecutor(t, ExecutorConfig{Timeout: 50 * time.Millisecond})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	// Ignores its context on purpose.
	r.Register("lookup_order", func(context.Context, Invocation) (any, error) {
		<-release
		return "late", nil
	})

	start := time.Now()
	res := e.Execute(t.Context(), call("lookup_order", map[string]any{"order_id": "A"}), ExecContext{})
	if res.Status != StatusTimedOut || res.ErrorKind != KindTimeout {
		t.Fatalf("got %s/%s, want timed-out/timeout", res.Status, res.ErrorKind)
	}
	if res.Error != "timed-out" || res.Success() {
		t.Errorf("error = %q, want timed-out", res.Error)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Execute took %s, timeout not enforced", elapsed)
	}
}

func TestExecute_UpstreamAndPanic(t *testing.T) {
	e, r := testExecutor(t, ExecutorConfig{})
	r.Upsert(t.Context(), Def{Name: "explode", Active: true})
	r.Register("lookup_order", func(context.Context, Invocation) (any, error) {
		return nil, errors.New("database unreachable")
	})
	r.Register("explode", func(context.Context, Invocation) (any, error) {
		panic("boom")
	})

	res := e.Execute(t.Context(), call("lookup_order", map[string]any{"order_id": "A"}), ExecContext{})
	if res.Status != StatusFailed || res.ErrorKind != KindUpstream || res.Error != "database unreachable" {
		t.Errorf("upstream result = %+v", res)
	}
	if got := res.ModelContent(0); got != "Error: database unreachable" {
		t.Errorf("ModelContent = %q", got)
	}

	res = e.Execute(t.Context(), call("explode", nil), ExecContext{})
	if res.Status != StatusFailed || !strings.Contains(res.Error, "panic") {
		t.Errorf("panic result = %+v", res)
	}
}

func TestExecute_RetryCategories(t *testing.T) {
	tests := []struct {
		name         string
		categories   []string
		wantAttempts int
		wantStatus   Status
	}{
		{"no retry by default", nil, 1, StatusFailed},
		{"read-only category retried once", []string{"orders"}, 2, StatusSucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, r := testExecutor(t, ExecutorConfig{RetryCategories: tt.categories})
			var calls atomic.Int32
			r.Register("lookup_order", func(context.Context, Invocation) (any, error) {
				if calls.Add(1) == 1 {
					return nil, errors.New("flaky")
				}
				return "ok", nil
			})
			res := e.Execute(t.Context(), call("lookup_order", map[string]any{"order_id": "A"}), ExecContext{})
			if res.Attempts != tt.wantAttempts || res.Status != tt.wantStatus {
				t.Errorf("attempts=%d status=%s, want %d %s", res.Attempts, res.Status, tt.wantAttempts, tt.wantStatus)
			}
		})
	}
}

func TestExecute_Cancelled(t *testing.T) {
	e, r := testExecutor(t, ExecutorConfig{})
	started := make(chan struct{})
	r.Register("lookup_order", func(ctx context.Context, _ Invocation) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		<-started
		cancel()
	}()
	res := e.Execute(ctx, call("lookup_order", map[string]any{"order_id": "A"}), ExecContext{})
	if res.Status != StatusFailed || res.ErrorKind != KindCancelled {
		t.Errorf("got %s/%s, want failed/cancelled", res.Status, res.ErrorKind)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Errorf("Truncate(short) = %q", got)
	}
	if got := Truncate("anything", 0); got != "anything" {
		t.Errorf("zero max should not truncate: %q", got)
	}
	got := Truncate(strings.Repeat("x", 100), 30)
	if n := len([]rune(got)); n != 30 {
		t.Errorf("len = %d, want 30", n)
	}
	if !strings.HasSuffix(got, "[truncated]") {
		t.Errorf("missing marker: %q", got)
	}
}
