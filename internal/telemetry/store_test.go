package telemetry

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/swag-agent/internal/database"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(t.Context(), database.DriverPureGo, filepath.Join(t.TempDir(), "telemetry.db"))
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStore_RecordAndSummary(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()
	now := time.Now()

	recs := []Record{
		{
			Timestamp: now, TraceID: "t1", SpanID: "s1", Kind: KindModelCall,
			Name: "claude-sonnet-4-20250514", AgentID: "default", Outcome: "ok",
			InputTokens: 1000, OutputTokens: 500, CacheReadTokens: 200, CostUSD: 0.0105,
		},
		{
			Timestamp: now, TraceID: "t1", SpanID: "s2", Kind: KindModelCall,
			Name: "gpt-4o", AgentID: "default", Outcome: "rate_limited", Attempt: 1,
		},
		{
			Timestamp: now, TraceID: "t1", SpanID: "s3", ParentSpanID: "s1", Kind: KindToolCall,
			Name: "lookup_order", Outcome: "succeeded", Metrics: map[string]any{"bytes": 42},
		},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start, end := now.Add(-time.Minute), now.Add(time.Minute)
	sum, err := s.Summary(ctx, start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Calls != 2 {
		t.Errorf("Calls = %d, want 2 (tool calls excluded)", sum.Calls)
	}
	if sum.InputTokens != 1000 || sum.OutputTokens != 500 || sum.CacheReadTokens != 200 {
		t.Errorf("tokens = %d/%d/%d, want 1000/500/200", sum.InputTokens, sum.OutputTokens, sum.CacheReadTokens)
	}
	if math.Abs(sum.CostUSD-0.0105) > 1e-9 {
		t.Errorf("CostUSD = %f, want 0.0105", sum.CostUSD)
	}

	byModel, err := s.SummaryByModel(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if len(byModel) != 2 || byModel["gpt-4o"] == nil || byModel["gpt-4o"].Calls != 1 {
		t.Errorf("SummaryByModel = %+v", byModel)
	}

	byOutcome, err := s.SummaryByOutcome(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByOutcome: %v", err)
	}
	if byOutcome["rate_limited"] == nil || byOutcome["rate_limited"].Calls != 1 {
		t.Errorf("SummaryByOutcome = %+v", byOutcome)
	}

	byAgent, err := s.SummaryByAgent(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByAgent: %v", err)
	}
	if byAgent["default"] == nil || byAgent["default"].Calls != 2 {
		t.Errorf("SummaryByAgent = %+v", byAgent)
	}
}

func TestStore_SummaryWindow(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()
	now := time.Now()

	old := Record{Timestamp: now.Add(-48 * time.Hour), TraceID: "old", SpanID: "a", Kind: KindModelCall, Name: "m", Outcome: "ok", InputTokens: 99}
	if err := s.Record(ctx, old); err != nil {
		t.Fatalf("Record: %v", err)
	}

	sum, err := s.Summary(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Calls != 0 {
		t.Errorf("Calls = %d, want 0 for records outside the window", sum.Calls)
	}
}

func TestStore_Trace(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()
	base := time.Now()

	for i, kind := range []Kind{KindQuery, KindModelCall, KindToolCall} {
		rec := Record{
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			TraceID:   "trace-1",
			SpanID:    NewID(),
			Kind:      kind,
			Name:      string(kind),
			Outcome:   "ok",
			Metrics:   map[string]any{"i": i},
		}
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := s.Record(ctx, Record{TraceID: "trace-2", SpanID: "x", Kind: KindQuery, Name: "q", Outcome: "ok"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.Trace(ctx, "trace-1")
	if err != nil {
		t.Fatalf("Trace: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(Trace) = %d, want 3", len(got))
	}
	if got[0].Kind != KindQuery || got[2].Kind != KindToolCall {
		t.Errorf("order = %s,%s,%s", got[0].Kind, got[1].Kind, got[2].Kind)
	}
	if v, ok := got[1].Metrics["i"].(float64); !ok || v != 1 {
		t.Errorf("Metrics[i] = %v, want 1", got[1].Metrics["i"])
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("ID and Timestamp should be filled")
	}
}

func TestStore_PreviewTruncated(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	if err := s.Record(ctx, Record{TraceID: "p", SpanID: "p", Kind: KindToolCall, Name: "t", Outcome: "ok", Preview: string(long)}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := s.Trace(ctx, "p")
	if err != nil {
		t.Fatalf("Trace: %v", err)
	}
	if n := len([]rune(got[0].Preview)); n != PreviewLimit {
		t.Errorf("preview length = %d, want %d", n, PreviewLimit)
	}
}
