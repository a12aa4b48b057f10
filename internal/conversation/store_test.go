package conversation

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nugget/swag-agent/internal/database"
	"github.com/nugget/swag-agent/internal/llm"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(t.Context(), database.DriverPureGo, filepath.Join(t.TempDir(), "conv.db"))
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func user(text string) Message      { return Message{Role: llm.RoleUser, Content: text} }
func assistant(text string) Message { return Message{Role: llm.RoleAssistant, Content: text} }

func toolUse(ids ...string) Message {
	m := Message{Role: llm.RoleAssistant}
	for _, id := range ids {
		m.ToolCalls = append(m.ToolCalls, llm.ToolCall{ID: id, Name: "lookup", Arguments: map[string]any{"q": id}})
	}
	return m
}

func toolResults(ids ...string) Message {
	m := Message{Role: llm.RoleTool}
	for _, id := range ids {
		m.ToolResults = append(m.ToolResults, llm.ToolResult{CallID: id, Name: "lookup", Content: "result " + id})
	}
	return m
}

func TestGetOrCreate(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	conv, created, err := s.GetOrCreate(ctx, "", "default", "store-1")
	if err != nil || !created {
		t.Fatalf("GetOrCreate(new) = %v, created=%v", err, created)
	}
	if conv.ID == "" || conv.Status != StatusActive {
		t.Errorf("conv = %+v", conv)
	}

	again, created, err := s.GetOrCreate(ctx, conv.ID, "default", "store-1")
	if err != nil || created || again.ID != conv.ID {
		t.Errorf("GetOrCreate(existing) = %+v, created=%v, err=%v", again, created, err)
	}

	if _, _, err := s.GetOrCreate(ctx, conv.ID, "default", "store-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other tenant err = %v, want ErrNotFound", err)
	}

	named, created, err := s.GetOrCreate(ctx, "client-chosen", "default", "")
	if err != nil || !created || named.ID != "client-chosen" {
		t.Errorf("client id = %+v, created=%v, err=%v", named, created, err)
	}

	if err := s.Close(ctx, conv.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := s.GetOrCreate(ctx, conv.ID, "default", "store-1"); !errors.Is(err, ErrClosed) {
		t.Errorf("closed err = %v, want ErrClosed", err)
	}
}

func TestAppend_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()
	conv, _, _ := s.GetOrCreate(ctx, "", "default", "")

	if err := s.Append(ctx, conv.ID, user("where is A1?"), toolUse("c1", "c2")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, conv.ID, toolResults("c2", "c1"), assistant("shipped")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, conv.ID, user("thanks"), assistant("welcome")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Turns != 2 || len(got.Messages) != 6 {
		t.Fatalf("turns=%d messages=%d, want 2 and 6", got.Turns, len(got.Messages))
	}
	for i, m := range got.Messages {
		if m.Seq != int64(i+1) {
			t.Errorf("message %d seq = %d", i, m.Seq)
		}
	}
	if got.Messages[1].ToolCalls[1].Arguments["q"] != "c2" {
		t.Errorf("tool calls = %+v", got.Messages[1].ToolCalls)
	}
	if got.Messages[2].ToolResults[0].CallID != "c2" {
		t.Errorf("tool results = %+v", got.Messages[2].ToolResults)
	}
	if got.Messages[4].Turn != 2 || got.Messages[3].Turn != 1 {
		t.Errorf("turns = %d,%d", got.Messages[3].Turn, got.Messages[4].Turn)
	}
}

func TestAppend_Alternation(t *testing.T) {
	tests := []struct {
		name  string
		setup []Message
		next  Message
	}{
		{"assistant first", nil, assistant("hi")},
		{"tool first", nil, toolResults("x")},
		{"user after user", []Message{user("a")}, user("b")},
		{"user after tool_use", []Message{user("a"), toolUse("c1")}, user("b")},
		{"assistant after assistant", []Message{user("a"), assistant("b")}, assistant("c")},
		{"tool after plain assistant", []Message{user("a"), assistant("b")}, toolResults("c1")},
		{"missing result", []Message{user("a"), toolUse("c1", "c2")}, toolResults("c1")},
		{"unknown call id", []Message{user("a"), toolUse("c1")}, toolResults("zz")},
		{"duplicate result", []Message{user("a"), toolUse("c1", "c2")}, toolResults("c1", "c1")},
		{"system role", []Message{user("a"), assistant("b")}, Message{Role: RoleSystem, Content: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStore(t)
			ctx := t.Context()
			conv, _, _ := s.GetOrCreate(ctx, "", "default", "")
			if err := s.Append(ctx, conv.ID, tt.setup...); err != nil {
				t.Fatalf("setup: %v", err)
			}
			if err := s.Append(ctx, conv.ID, tt.next); !errors.Is(err, ErrOutOfOrder) {
				t.Errorf("Append = %v, want ErrOutOfOrder", err)
			}
			msgs, _ := s.ActiveMessages(ctx, conv.ID)
			if len(msgs) != len(tt.setup) {
				t.Errorf("rejected append wrote rows: %d messages", len(msgs))
			}
		})
	}
}

func TestAppend_BatchIsAtomic(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()
	conv, _, _ := s.GetOrCreate(ctx, "", "default", "")

	err := s.Append(ctx, conv.ID, user("a"), assistant("b"), assistant("c"))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("Append = %v, want ErrOutOfOrder", err)
	}
	if msgs, _ := s.ActiveMessages(ctx, conv.ID); len(msgs) != 0 {
		t.Errorf("partial batch written: %d messages", len(msgs))
	}
}

func TestAppend_ConcurrentSerialized(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()
	conv, _, _ := s.GetOrCreate(ctx, "", "default", "")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each exchange is valid on its own; interleaving is not.
			s.Append(ctx, conv.ID, user("q"), assistant("a"))
		}()
	}
	wg.Wait()

	msgs, err := s.ActiveMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ActiveMessages: %v", err)
	}
	if len(msgs) != 16 {
		t.Fatalf("messages = %d, want 16", len(msgs))
	}
	for i, m := range msgs {
		want := llm.RoleUser
		if i%2 == 1 {
			want = llm.RoleAssistant
		}
		if m.Role != want {
			t.Fatalf("message %d role = %s, want %s", i, m.Role, want)
		}
	}
}

func TestAppend_ClosedOrMissing(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	if err := s.Append(ctx, "nope", user("a")); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
	conv, _, _ := s.GetOrCreate(ctx, "", "default", "")
	s.Close(ctx, conv.ID)
	if err := s.Append(ctx, conv.ID, user("a")); !errors.Is(err, ErrClosed) {
		t.Errorf("closed err = %v", err)
	}
	if err := s.Close(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Close(missing) = %v", err)
	}
}

func TestAddUsageAndList(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()
	a, _, _ := s.GetOrCreate(ctx, "", "default", "store-1")
	b, _, _ := s.GetOrCreate(ctx, "", "default", "store-2")

	s.AddUsage(ctx, a.ID, llm.Usage{InputTokens: 100, OutputTokens: 20, CacheReadTokens: 5}, 0.01)
	s.AddUsage(ctx, a.ID, llm.Usage{InputTokens: 50, OutputTokens: 10}, 0.02)

	got, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Usage.InputTokens != 150 || got.Usage.OutputTokens != 30 || got.Usage.CacheReadTokens != 5 {
		t.Errorf("usage = %+v", got.Usage)
	}
	if got.CostUSD < 0.0299 || got.CostUSD > 0.0301 {
		t.Errorf("cost = %f", got.CostUSD)
	}

	list, err := s.List(ctx, ListOptions{TenantID: "store-2"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != b.ID {
		t.Errorf("List(store-2) = %+v", list)
	}
	s.Close(ctx, b.ID)
	if list, _ := s.List(ctx, ListOptions{Status: StatusActive}); len(list) != 1 {
		t.Errorf("List(active) = %d, want 1", len(list))
	}
}

func TestLease(t *testing.T) {
	s := testStore(t)

	l, err := s.Acquire("c1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := s.Acquire("c1"); !errors.Is(err, ErrBusy) {
		t.Errorf("second Acquire = %v, want ErrBusy", err)
	}
	if _, err := s.Acquire("c2"); err != nil {
		t.Errorf("other conversation Acquire = %v", err)
	}
	l.Release()
	l.Release()
	if _, err := s.Acquire("c1"); err != nil {
		t.Errorf("Acquire after Release = %v", err)
	}
}

func TestClose_RefusesLeased(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()
	conv, _, err := s.GetOrCreate(ctx, "", "default", "")
	if err != nil {
		t.Fatal(err)
	}

	lease, err := s.Acquire(conv.ID)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := s.Close(ctx, conv.ID); !errors.Is(err, ErrBusy) {
		t.Fatalf("Close while leased = %v, want ErrBusy", err)
	}
	if st, err := s.StatusOf(ctx, conv.ID); err != nil || st != StatusActive {
		t.Errorf("status after refused close = %q, %v", st, err)
	}
	// A query holding the lease can keep appending.
	if err := s.Append(ctx, conv.ID, user("still here")); err != nil {
		t.Errorf("Append while leased = %v", err)
	}

	lease.Release()
	if err := s.Close(ctx, conv.ID); err != nil {
		t.Fatalf("Close after release = %v", err)
	}
	if s.Leased(conv.ID) {
		t.Error("Close left the conversation leased")
	}
	if st, _ := s.StatusOf(ctx, conv.ID); st != StatusClosed {
		t.Errorf("status = %q, want closed", st)
	}
	if _, err := s.StatusOf(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("StatusOf(missing) = %v", err)
	}
}

func TestSweeper(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()
	now := time.Now()
	s.now = func() time.Time { return now }

	idle, _, _ := s.GetOrCreate(ctx, "", "default", "")
	busy, _, _ := s.GetOrCreate(ctx, "", "default", "")
	lease, _ := s.Acquire(busy.ID)
	defer lease.Release()

	now = now.Add(2 * time.Hour)
	fresh, _, _ := s.GetOrCreate(ctx, "", "default", "")

	var closedIDs []string
	sw := NewSweeper(s, time.Hour, time.Minute, nil)
	sw.OnClose = func(id string) { closedIDs = append(closedIDs, id) }

	if n := sw.Sweep(ctx); n != 1 {
		t.Fatalf("Sweep closed %d, want 1", n)
	}
	if len(closedIDs) != 1 || closedIDs[0] != idle.ID {
		t.Errorf("closed = %v, want [%s]", closedIDs, idle.ID)
	}
	for _, id := range []string{busy.ID, fresh.ID} {
		c, _ := s.Get(ctx, id)
		if c.Status == StatusClosed {
			t.Errorf("%s should stay open", id)
		}
	}
}
