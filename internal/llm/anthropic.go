package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/swag-agent/internal/httpkit"
)

// AnthropicClient streams from the Anthropic Messages API through the
// official SDK. SDK retries are disabled; RetryClient owns retry policy.
type AnthropicClient struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates a client. baseURL may be empty.
func NewAnthropicClient(apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		// Streams can run for minutes; ctx bounds each call instead.
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0))),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		logger: logger.With("provider", "anthropic"),
	}
}

// ChatStream implements Client.
func (c *AnthropicClient) ChatStream(ctx context.Context, req *Request, callback StreamCallback) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  convertToAnthropic(req.Messages),
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = 4096
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertToolsToAnthropic(req.Tools)
	}

	c.logger.Debug("sending request",
		"model", req.Model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
		"system_len", len(req.System),
	)
	if c.logger.Enabled(ctx, LevelTrace) {
		if payload, err := json.Marshal(params); err == nil {
			c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))
		}
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	acc := newAnthropicAccumulator()
	for stream.Next() {
		if err := acc.add(stream.Current(), callback); err != nil {
			return nil, &Error{Class: ClassUnknown, Provider: "anthropic", Err: err}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classifyAnthropic(ctx, err)
	}

	resp, err := acc.response()
	if err != nil {
		return nil, &Error{Class: ClassUnknown, Provider: "anthropic", Err: err}
	}
	c.logger.Debug("response received",
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"cache_read_tokens", resp.Usage.CacheReadTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	return resp, nil
}

// Ping lists models, which checks reachability and the API key without
// spending tokens.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return classifyAnthropic(ctx, err)
	}
	return nil
}

// anthropicAccumulator assembles a Response from stream events.
type anthropicAccumulator struct {
	model      string
	stopReason string
	usage      Usage
	text       strings.Builder
	tools      map[int64]*pendingToolUse
	order      []int64
}

type pendingToolUse struct {
	id    string
	name  string
	input strings.Builder
}

func newAnthropicAccumulator() *anthropicAccumulator {
	return &anthropicAccumulator{tools: make(map[int64]*pendingToolUse)}
}

func (a *anthropicAccumulator) add(event anthropic.MessageStreamEventUnion, callback StreamCallback) error {
	switch ev := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		a.model = string(ev.Message.Model)
		a.usage.InputTokens = int(ev.Message.Usage.InputTokens)
		a.usage.CacheReadTokens = int(ev.Message.Usage.CacheReadInputTokens)
		a.usage.CacheCreationTokens = int(ev.Message.Usage.CacheCreationInputTokens)
		a.usage.OutputTokens = int(ev.Message.Usage.OutputTokens)

	case anthropic.ContentBlockStartEvent:
		if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
			a.tools[ev.Index] = &pendingToolUse{id: block.ID, name: block.Name}
			a.order = append(a.order, ev.Index)
		}

	case anthropic.ContentBlockDeltaEvent:
		switch d := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if d.Text == "" {
				return nil
			}
			a.text.WriteString(d.Text)
			if callback != nil {
				callback(StreamEvent{Kind: KindToken, Token: d.Text})
			}
		case anthropic.InputJSONDelta:
			if t, ok := a.tools[ev.Index]; ok {
				t.input.WriteString(d.PartialJSON)
			}
		}

	case anthropic.ContentBlockStopEvent:
		t, ok := a.tools[ev.Index]
		if !ok || callback == nil {
			return nil
		}
		args, err := parseArguments(t.input.String())
		if err != nil {
			return fmt.Errorf("tool %s input: %w", t.name, err)
		}
		callback(StreamEvent{Kind: KindToolUse, ToolCall: &ToolCall{ID: t.id, Name: t.name, Arguments: args}})

	case anthropic.MessageDeltaEvent:
		a.stopReason = string(ev.Delta.StopReason)
		if ev.Usage.OutputTokens > 0 {
			a.usage.OutputTokens = int(ev.Usage.OutputTokens)
		}
	}
	return nil
}

func (a *anthropicAccumulator) response() (*Response, error) {
	msg := Message{Role: RoleAssistant, Content: a.text.String()}
	for _, idx := range a.order {
		t := a.tools[idx]
		args, err := parseArguments(t.input.String())
		if err != nil {
			return nil, fmt.Errorf("tool %s input: %w", t.name, err)
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: t.id, Name: t.name, Arguments: args})
	}
	return &Response{
		Model:      a.model,
		Message:    msg,
		StopReason: a.stopReason,
		Usage:      a.usage,
	}, nil
}

// classifyAnthropic converts an SDK error into an *Error.
func classifyAnthropic(ctx context.Context, err error) *Error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		e := &Error{
			Class:      ClassifyStatus(apiErr.StatusCode, apiErr.Error()),
			Provider:   "anthropic",
			StatusCode: apiErr.StatusCode,
			Err:        err,
		}
		if apiErr.Response != nil {
			e.RetryAfter = parseRetryAfter(apiErr.Response.Header, time.Now())
		}
		return e
	}
	return &Error{Class: classifyTransport(ctx, err), Provider: "anthropic", Err: err}
}

// convertToAnthropic converts messages to SDK params. Tool messages
// become a single user message holding every tool_result block.
func convertToAnthropic(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			if msg.Content == "" {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: args,
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})

		case RoleTool:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolResults))
			for _, r := range msg.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(r.CallID, r.Content, r.IsError))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return out
}

func convertToolsToAnthropic(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		param := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.InputSchema["properties"],
				Required:   schemaRequired(t.InputSchema),
			},
		}
		if t.Description != "" {
			param.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

// schemaRequired reads "required" whether it was decoded from JSON
// ([]any) or built in Go ([]string).
func schemaRequired(schema map[string]any) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
