// Package llmtest provides a deterministic llm.Client for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/nugget/swag-agent/internal/llm"
)

// Step configures one model call in a scripted sequence.
type Step struct {
	// Tokens are streamed to the callback before the step resolves.
	Tokens []string
	// Response is returned after Tokens. When nil and Err is nil, the
	// response is an assistant message made of the joined Tokens.
	Response *llm.Response
	// Err is returned after Tokens are streamed.
	Err error
	// Block waits for ctx cancellation before resolving.
	Block bool
	// Gate, when set, is waited on before streaming.
	Gate <-chan struct{}
}

// Scripted replays Steps in order and records every request.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	index    int
	requests []llm.Request
}

// NewScripted returns a client that plays steps in order.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: append([]Step(nil), steps...)}
}

var _ llm.Client = (*Scripted)(nil)

// ChatStream implements llm.Client.
func (s *Scripted) ChatStream(ctx context.Context, req *llm.Request, callback llm.StreamCallback) (*llm.Response, error) {
	s.mu.Lock()
	if s.index >= len(s.steps) {
		s.mu.Unlock()
		return nil, fmt.Errorf("script exhausted at step %d", s.index+1)
	}
	step := s.steps[s.index]
	s.index++
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	s.requests = append(s.requests, cp)
	s.mu.Unlock()

	if step.Gate != nil {
		select {
		case <-step.Gate:
		case <-ctx.Done():
			return nil, &llm.Error{Class: llm.ClassCancelled, Provider: "scripted", Err: ctx.Err()}
		}
	}

	for _, tok := range step.Tokens {
		if err := ctx.Err(); err != nil {
			return nil, &llm.Error{Class: llm.ClassCancelled, Provider: "scripted", Err: err}
		}
		if callback != nil {
			callback(llm.StreamEvent{Kind: llm.KindToken, Token: tok})
		}
	}

	if step.Block {
		<-ctx.Done()
		return nil, &llm.Error{Class: llm.ClassCancelled, Provider: "scripted", Err: ctx.Err()}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Response != nil {
		resp := *step.Response
		if resp.Message.Role == "" {
			resp.Message.Role = llm.RoleAssistant
		}
		return &resp, nil
	}

	var text string
	for _, tok := range step.Tokens {
		text += tok
	}
	return &llm.Response{
		Model:   req.Model,
		Message: llm.Message{Role: llm.RoleAssistant, Content: text},
		Usage:   llm.Usage{InputTokens: 10, OutputTokens: len(step.Tokens)},
	}, nil
}

// Ping implements llm.Client.
func (s *Scripted) Ping(context.Context) error { return nil }

// Calls returns the number of ChatStream calls made.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Requests returns copies of the requests received so far.
func (s *Scripted) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.requests...)
}

// ToolUse builds a response that requests the given tool calls.
func ToolUse(calls ...llm.ToolCall) *llm.Response {
	return &llm.Response{
		Message:    llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		StopReason: "tool_use",
		Usage:      llm.Usage{InputTokens: 20, OutputTokens: 5},
	}
}

// RateLimited returns a retryable rate_limited error.
func RateLimited() error {
	return &llm.Error{Class: llm.ClassRateLimited, Provider: "scripted", StatusCode: 429, Err: fmt.Errorf("slow down")}
}
