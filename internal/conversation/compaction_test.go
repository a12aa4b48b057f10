package conversation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/nugget/swag-agent/internal/llm"
	"github.com/nugget/swag-agent/internal/llm/llmtest"
)

// appendTurn appends one user turn with toolRounds rounds of tool use.
func appendTurn(t *testing.T, s *Store, id string, n, toolRounds int) {
	t.Helper()
	ctx := t.Context()
	if err := s.Append(ctx, id, user(fmt.Sprintf("question %d %s", n, strings.Repeat("x", 200)))); err != nil {
		t.Fatalf("append user: %v", err)
	}
	for r := range toolRounds {
		a, b := fmt.Sprintf("t%d_%d_a", n, r), fmt.Sprintf("t%d_%d_b", n, r)
		if err := s.Append(ctx, id, toolUse(a, b), toolResults(a, b)); err != nil {
			t.Fatalf("append tools: %v", err)
		}
	}
	if err := s.Append(ctx, id, assistant(fmt.Sprintf("answer %d %s", n, strings.Repeat("y", 200)))); err != nil {
		t.Fatalf("append assistant: %v", err)
	}
}

func TestSplitPoint(t *testing.T) {
	msgs := []Message{
		user("1"), toolUse("a"), toolResults("a"), assistant("1"),
		user("2"), assistant("2"),
		user("3"), toolUse("b"), toolResults("b"),
	}
	tests := []struct {
		keep int
		want int
	}{
		{1, 6},
		{2, 4},
		{3, 0}, // the first user message has nothing before it
		{10, 0},
	}
	for _, tt := range tests {
		if got := SplitPoint(msgs, tt.keep); got != tt.want {
			t.Errorf("SplitPoint(keep=%d) = %d, want %d", tt.keep, got, tt.want)
		}
	}

	onlySummary := append([]Message{{Role: RoleSystem, Summary: true, Content: "s"}}, user("1"), assistant("1"))
	if got := SplitPoint(onlySummary, 1); got != 0 {
		t.Errorf("SplitPoint after summary only = %d, want 0", got)
	}
}

func TestCompactor_Compact(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()
	conv, _, _ := s.GetOrCreate(ctx, "", "default", "")
	for i := range 6 {
		appendTurn(t, s, conv.ID, i, i%3)
	}

	c := NewCompactor(s, CompactorConfig{ContextTokens: 400, HighWater: 0.92, KeepTurns: 2}, nil, nil)
	msgs, _ := s.ActiveMessages(ctx, conv.ID)
	if !c.NeedsCompaction("system", msgs) {
		t.Fatalf("expected compaction to be needed at %d tokens", EstimateTokens("system", msgs))
	}

	res, err := c.Compact(ctx, conv.ID, "system", false)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.Compacted == 0 || res.AfterTokens >= res.BeforeTokens {
		t.Errorf("result = %+v", res)
	}

	active, _ := s.ActiveMessages(ctx, conv.ID)
	summary, history := Split(active)
	if !strings.Contains(summary, "question 0") {
		t.Errorf("summary lost the first request: %q", summary)
	}
	users := 0
	for _, m := range history {
		if m.Role == llm.RoleUser {
			users++
		}
	}
	if users != 2 || history[0].Role != llm.RoleUser {
		t.Errorf("history kept %d user turns starting with %s", users, history[0].Role)
	}

	full, _ := s.Get(ctx, conv.ID)
	if full.Status != StatusCompacted {
		t.Errorf("status = %s, want compacted", full.Status)
	}
	compacted := 0
	for _, m := range full.Messages {
		if m.Compacted {
			compacted++
		}
	}
	if compacted != res.Compacted {
		t.Errorf("compacted rows = %d, want %d (rows are marked, never deleted)", compacted, res.Compacted)
	}

	// Appending still works after the summary row.
	appendTurn(t, s, conv.ID, 99, 1)
}

func TestCompactor_RepeatedFoldsPreviousSummary(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()
	conv, _, _ := s.GetOrCreate(ctx, "", "default", "")
	c := NewCompactor(s, CompactorConfig{ContextTokens: 1, KeepTurns: 1}, nil, nil)

	for round := range 3 {
		for i := range 2 {
			appendTurn(t, s, conv.ID, round*10+i, 1)
		}
		if _, err := c.Compact(ctx, conv.ID, "", false); err != nil {
			t.Fatalf("Compact round %d: %v", round, err)
		}
	}

	active, _ := s.ActiveMessages(ctx, conv.ID)
	summaries := 0
	for _, m := range active {
		if m.Summary {
			summaries++
		}
	}
	if summaries != 1 {
		t.Errorf("active summary rows = %d, want 1", summaries)
	}
	summary, _ := Split(active)
	if !strings.Contains(summary, "question 0 ") {
		t.Errorf("earliest request lost across compactions")
	}
}

func TestCompactor_Forced(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()
	conv, _, _ := s.GetOrCreate(ctx, "", "default", "")
	c := NewCompactor(s, CompactorConfig{ContextTokens: 1_000_000, KeepTurns: 4}, nil, nil)

	appendTurn(t, s, conv.ID, 0, 0)
	if _, err := c.Compact(ctx, conv.ID, "", true); !errors.Is(err, ErrNothingToCompact) {
		t.Errorf("forced compaction of one turn = %v, want ErrNothingToCompact", err)
	}

	appendTurn(t, s, conv.ID, 1, 1)
	res, err := c.Compact(ctx, conv.ID, "", true)
	if err != nil {
		t.Fatalf("forced Compact: %v", err)
	}
	if res.Compacted != 2 {
		t.Errorf("compacted = %d, want 2 (falls back to keeping one turn)", res.Compacted)
	}
}

// Compaction never separates a tool_use from its tool_result, whatever
// the shape of the conversation.
func TestCompactor_PreservesToolPairs(t *testing.T) {
	for seed := range uint64(20) {
		t.Run(fmt.Sprintf("seed%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, 7))
			s := testStore(t)
			ctx := t.Context()
			conv, _, _ := s.GetOrCreate(ctx, "", "default", "")
			c := NewCompactor(s, CompactorConfig{ContextTokens: 300, KeepTurns: 1 + rng.IntN(3)}, nil, nil)

			for i := range 4 + rng.IntN(6) {
				appendTurn(t, s, conv.ID, i, rng.IntN(4))
				if _, err := c.Compact(ctx, conv.ID, "", false); err != nil {
					t.Fatalf("Compact: %v", err)
				}
			}

			active, _ := s.ActiveMessages(ctx, conv.ID)
			_, history := Split(active)
			if len(history) == 0 || history[0].Role != llm.RoleUser {
				t.Fatalf("history must start with a user message")
			}
			for i, m := range history {
				if m.Role != llm.RoleTool {
					continue
				}
				prev := history[i-1]
				if prev.Role != llm.RoleAssistant || len(prev.ToolCalls) != len(m.ToolResults) {
					t.Fatalf("tool message %d is not paired with its tool_use", i)
				}
			}
		})
	}
}

func TestRuleSummarizer(t *testing.T) {
	msgs := []Message{
		user("Where is order A1?"),
		toolUse("c1"),
		{Role: llm.RoleTool, ToolResults: []llm.ToolResult{{CallID: "c1", Name: "lookup", Content: "x", IsError: true}}},
		assistant("It shipped yesterday."),
	}
	got, err := RuleSummarizer{}.Summarize(context.Background(), msgs, "earlier stuff")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	for _, want := range []string{"earlier stuff", "Where is order A1?", "lookup x1", "1 tool calls failed", "It shipped yesterday."} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "result") {
		t.Errorf("summary should not include tool payloads:\n%s", got)
	}
}

func TestModelSummarizer(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Step{Tokens: []string{"- asked about A1"}})
	s := ModelSummarizer{Client: client, Model: "claude-haiku"}

	got, err := s.Summarize(t.Context(), []Message{user("Where is A1?"), assistant("Shipped.")}, "")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "- asked about A1" {
		t.Errorf("summary = %q", got)
	}
	reqs := client.Requests()
	if len(reqs) != 1 || reqs[0].Model != "claude-haiku" || !strings.Contains(reqs[0].Messages[0].Content, "User: Where is A1?") {
		t.Errorf("request = %+v", reqs)
	}
}
