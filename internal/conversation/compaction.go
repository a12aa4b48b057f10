package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/swag-agent/internal/llm"
	"github.com/nugget/swag-agent/internal/prompts"
)

// ErrNothingToCompact is returned by a forced compaction when no cut
// point exists.
var ErrNothingToCompact = errors.New("nothing to compact")

// charsPerToken is the heuristic used for token estimates.
const charsPerToken = 4

// EstimateTokens estimates the prompt size of system plus msgs.
func EstimateTokens(system string, msgs []Message) int {
	n := len(system)
	for _, m := range msgs {
		n += m.Chars()
	}
	return n / charsPerToken
}

// SplitPoint returns the index of the first message to keep so that
// keepTurns user turns stay verbatim. The cut always lands on a user
// text message, so no tool_use is ever separated from its tool_result.
// Zero means there is nothing to compact.
func SplitPoint(msgs []Message, keepTurns int) int {
	if keepTurns < 1 {
		keepTurns = 1
	}
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != llm.RoleUser || msgs[i].Summary {
			continue
		}
		seen++
		if seen == keepTurns {
			if !hasConversation(msgs[:i]) {
				return 0
			}
			return i
		}
	}
	return 0
}

func hasConversation(msgs []Message) bool {
	for _, m := range msgs {
		if !m.Summary {
			return true
		}
	}
	return false
}

// Summarizer condenses messages into a summary. previous is the summary
// from an earlier compaction, or empty.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []Message, previous string) (string, error)
}

// CompactorConfig controls when and how much to compact.
type CompactorConfig struct {
	ContextTokens int     // budget compaction measures against
	HighWater     float64 // fraction of ContextTokens that triggers compaction
	KeepTurns     int     // recent user turns kept verbatim
}

// Compactor replaces the oldest part of a conversation with a summary.
type Compactor struct {
	store      *Store
	cfg        CompactorConfig
	summarizer Summarizer
	logger     *slog.Logger
}

// NewCompactor creates a compactor. A nil summarizer uses RuleSummarizer.
func NewCompactor(store *Store, cfg CompactorConfig, summarizer Summarizer, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	if summarizer == nil {
		summarizer = RuleSummarizer{}
	}
	if cfg.HighWater <= 0 || cfg.HighWater > 1 {
		cfg.HighWater = 0.92
	}
	if cfg.KeepTurns < 1 {
		cfg.KeepTurns = 4
	}
	return &Compactor{store: store, cfg: cfg, summarizer: summarizer, logger: logger}
}

// Threshold is the token estimate above which compaction runs.
func (c *Compactor) Threshold() int {
	return int(float64(c.cfg.ContextTokens) * c.cfg.HighWater)
}

// NeedsCompaction reports whether system plus msgs crosses the high
// water mark.
func (c *Compactor) NeedsCompaction(system string, msgs []Message) bool {
	if c.cfg.ContextTokens <= 0 {
		return false
	}
	return EstimateTokens(system, msgs) > c.Threshold()
}

// Result describes one compaction.
type Result struct {
	Compacted    int    `json:"compacted"`
	BeforeTokens int    `json:"beforeTokens"`
	AfterTokens  int    `json:"afterTokens"`
	Summary      string `json:"-"`
}

// Compact summarizes the older messages of conversation id. A forced
// compaction ignores the high water mark and, if the configured number
// of turns leaves nothing to cut, keeps only the latest turn. The
// caller must hold the conversation's lease.
func (c *Compactor) Compact(ctx context.Context, id, system string, force bool) (*Result, error) {
	msgs, err := c.store.ActiveMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	before := EstimateTokens(system, msgs)
	if !force && !c.NeedsCompaction(system, msgs) {
		return &Result{BeforeTokens: before, AfterTokens: before}, nil
	}

	cut := SplitPoint(msgs, c.cfg.KeepTurns)
	if cut == 0 && force {
		cut = SplitPoint(msgs, 1)
	}
	if cut == 0 {
		if force {
			return nil, ErrNothingToCompact
		}
		c.logger.Debug("compaction skipped: no safe cut point", "conversation_id", id, "tokens", before)
		return &Result{BeforeTokens: before, AfterTokens: before}, nil
	}

	var previous []string
	var older []Message
	for _, m := range msgs[:cut] {
		if m.Summary {
			previous = append(previous, m.Content)
			continue
		}
		older = append(older, m)
	}
	for _, m := range msgs[cut:] {
		if m.Summary {
			previous = append(previous, m.Content)
		}
	}

	summary, err := c.summarizer.Summarize(ctx, older, strings.Join(previous, "\n\n"))
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	summary = prompts.SummaryHeader(len(older)) + "\n" + summary

	if err := c.store.Compact(ctx, id, msgs[cut-1].Seq, summary); err != nil {
		return nil, err
	}

	kept := []Message{{Role: RoleSystem, Content: summary, Summary: true}}
	for _, m := range msgs[cut:] {
		if !m.Summary {
			kept = append(kept, m)
		}
	}
	res := &Result{
		Compacted:    len(older),
		BeforeTokens: before,
		AfterTokens:  EstimateTokens(system, kept),
		Summary:      summary,
	}
	c.logger.Info("conversation compacted",
		"conversation_id", id,
		"compacted", res.Compacted,
		"before_tokens", res.BeforeTokens,
		"after_tokens", res.AfterTokens,
		"forced", force,
	)
	return res, nil
}

// RuleSummarizer builds an extractive summary without a model call:
// the user requests, the tools used and how many failed.
type RuleSummarizer struct {
	// MaxTopics bounds the user requests listed. Zero means 8.
	MaxTopics int
}

// Summarize implements Summarizer.
func (r RuleSummarizer) Summarize(_ context.Context, msgs []Message, previous string) (string, error) {
	limit := r.MaxTopics
	if limit <= 0 {
		limit = 8
	}

	var (
		topics   []string
		toolUses = map[string]int{}
		order    []string
		failures int
		lastText string
	)
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser:
			topics = append(topics, "- "+oneLine(m.Content, 160))
		case llm.RoleAssistant:
			for _, tc := range m.ToolCalls {
				if toolUses[tc.Name] == 0 {
					order = append(order, tc.Name)
				}
				toolUses[tc.Name]++
			}
			if m.Content != "" {
				lastText = m.Content
			}
		case llm.RoleTool:
			for _, tr := range m.ToolResults {
				if tr.IsError {
					failures++
				}
			}
		}
	}
	if len(topics) > limit {
		topics = append(topics[:limit-1], fmt.Sprintf("- (%d more requests)", len(topics)-limit+1))
	}

	var sb strings.Builder
	if previous != "" {
		sb.WriteString(previous)
		sb.WriteString("\n\n")
	}
	sb.WriteString("User requests:\n")
	if len(topics) == 0 {
		sb.WriteString("- (none)\n")
	}
	for _, t := range topics {
		sb.WriteString(t + "\n")
	}
	if len(order) > 0 {
		sb.WriteString("\nTools used:\n")
		for _, name := range order {
			sb.WriteString(fmt.Sprintf("- %s x%d\n", name, toolUses[name]))
		}
		if failures > 0 {
			sb.WriteString(fmt.Sprintf("- %d tool calls failed\n", failures))
		}
	}
	if lastText != "" {
		sb.WriteString("\nLast answer: " + oneLine(lastText, 300) + "\n")
	}
	return sb.String(), nil
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}

// ModelSummarizer asks a model for the summary.
type ModelSummarizer struct {
	Client    llm.Client
	Model     string
	MaxTokens int
}

// Summarize implements Summarizer.
func (m ModelSummarizer) Summarize(ctx context.Context, msgs []Message, previous string) (string, error) {
	var sb strings.Builder
	for _, msg := range msgs {
		switch msg.Role {
		case llm.RoleUser:
			sb.WriteString("User: " + msg.Content + "\n\n")
		case llm.RoleAssistant:
			if msg.Content != "" {
				sb.WriteString("Assistant: " + msg.Content + "\n\n")
			}
			for _, tc := range msg.ToolCalls {
				sb.WriteString(fmt.Sprintf("Assistant called %s\n", tc.Name))
			}
		case llm.RoleTool:
			for _, tr := range msg.ToolResults {
				sb.WriteString(fmt.Sprintf("Tool %s returned: %s\n\n", tr.Name, oneLine(tr.Content, 500)))
			}
		}
	}

	maxTokens := m.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	resp, err := llm.Chat(ctx, m.Client, &llm.Request{
		Model:     m.Model,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompts.CompactionPrompt(sb.String(), previous)}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", errors.New("model returned an empty summary")
	}
	return resp.Message.Content, nil
}
