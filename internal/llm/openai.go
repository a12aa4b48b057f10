package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/nugget/swag-agent/internal/httpkit"
)

// OpenAIClient streams from the OpenAI Chat Completions API, or any
// server compatible with it, through go-openai.
type OpenAIClient struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client. baseURL may be empty.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(0))
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With("provider", "openai"),
	}
}

// ChatStream implements Client.
func (c *OpenAIClient) ChatStream(ctx context.Context, req *Request, callback StreamCallback) (*Response, error) {
	oreq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      convertToOpenAI(req.System, req.Messages),
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.Temperature != nil {
		oreq.Temperature = float32(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		oreq.Tools = convertToolsToOpenAI(req.Tools)
	}

	c.logger.Debug("sending request",
		"model", req.Model,
		"messages", len(oreq.Messages),
		"tools", len(oreq.Tools),
	)
	if c.logger.Enabled(ctx, LevelTrace) {
		if payload, err := json.Marshal(oreq); err == nil {
			c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))
		}
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, classifyOpenAI(ctx, err)
	}
	defer stream.Close()

	var (
		text  strings.Builder
		model string
		stop  string
		usage Usage
		calls = map[int]*pendingToolUse{}
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classifyOpenAI(ctx, err)
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			cached := 0
			if chunk.Usage.PromptTokensDetails != nil {
				cached = chunk.Usage.PromptTokensDetails.CachedTokens
			}
			usage.InputTokens = chunk.Usage.PromptTokens - cached
			usage.CacheReadTokens = cached
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				if callback != nil {
					callback(StreamEvent{Kind: KindToken, Token: choice.Delta.Content})
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				p, ok := calls[idx]
				if !ok {
					p = &pendingToolUse{}
					calls[idx] = p
				}
				if tc.ID != "" {
					p.id = tc.ID
				}
				if tc.Function.Name != "" {
					p.name = tc.Function.Name
				}
				p.input.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != "" {
				stop = string(choice.FinishReason)
			}
		}
	}

	msg := Message{Role: RoleAssistant, Content: text.String()}
	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		p := calls[idx]
		args, err := parseArguments(p.input.String())
		if err != nil {
			return nil, &Error{Class: ClassUnknown, Provider: "openai", Err: err}
		}
		call := ToolCall{ID: p.id, Name: p.name, Arguments: args}
		msg.ToolCalls = append(msg.ToolCalls, call)
		if callback != nil {
			callback(StreamEvent{Kind: KindToolUse, ToolCall: &call})
		}
	}

	c.logger.Debug("response received",
		"model", model,
		"stop_reason", stop,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"tool_calls", len(msg.ToolCalls),
	)
	return &Response{Model: model, Message: msg, StopReason: stop, Usage: usage}, nil
}

// Ping lists models.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return classifyOpenAI(ctx, err)
	}
	return nil
}

func classifyOpenAI(ctx context.Context, err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		class := ClassifyStatus(apiErr.HTTPStatusCode, apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code == "context_length_exceeded" {
			class = ClassContextExceeded
		}
		return &Error{Class: class, Provider: "openai", StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &Error{
			Class:      ClassifyStatus(reqErr.HTTPStatusCode, reqErr.Error()),
			Provider:   "openai",
			StatusCode: reqErr.HTTPStatusCode,
			Err:        err,
		}
	}
	return &Error{Class: classifyTransport(ctx, err), Provider: "openai", Err: err}
}

// convertToOpenAI flattens tool messages into one "tool" message per result.
func convertToOpenAI(system string, messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		case RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := []byte("{}")
				if len(tc.Arguments) > 0 {
					args, _ = json.Marshal(tc.Arguments)
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, m)
		case RoleTool:
			for _, r := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    r.Content,
					ToolCallID: r.CallID,
				})
			}
		}
	}
	return out
}

func convertToolsToOpenAI(tools []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
