package agent

import (
	"fmt"
	"slices"

	"github.com/nugget/swag-agent/internal/config"
	"github.com/nugget/swag-agent/internal/tools"
)

// Capability names used in tools.category_capabilities.
const (
	CapabilityQuery  = "query"
	CapabilitySend   = "send"
	CapabilityModify = "modify"
)

// Config is a resolved agent definition. It is immutable for the
// lifetime of a conversation; overrides produce a derived copy.
type Config struct {
	ID           string
	SystemPrompt string
	Model        string
	MaxTokens    int
	MaxToolCalls int
	Temperature  *float64
	EnabledTools []string
	Capabilities config.Capabilities
	Context      config.ContextConfig
}

// FromConfig converts the YAML form of an agent.
func FromConfig(c config.AgentConfig) Config {
	return Config{
		ID:           c.ID,
		SystemPrompt: c.SystemPrompt,
		Model:        c.Model,
		MaxTokens:    c.MaxTokens,
		MaxToolCalls: c.MaxToolCalls,
		Temperature:  c.Temperature,
		EnabledTools: slices.Clone(c.EnabledTools),
		Capabilities: c.Capabilities,
		Context:      c.Context,
	}
}

// Overrides adjust an agent for a single query. They cannot name tools,
// so a query never widens what the agent may call.
type Overrides struct {
	Model        string   `json:"model,omitempty"`
	MaxTokens    *int     `json:"maxTokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxToolCalls *int     `json:"maxToolCalls,omitempty"`
}

// Validate rejects override values no provider accepts.
func (o *Overrides) Validate() error {
	if o == nil {
		return nil
	}
	if o.MaxTokens != nil && *o.MaxTokens <= 0 {
		return &ValidationError{Field: "config.maxTokens", Message: "must be positive"}
	}
	if o.MaxToolCalls != nil && *o.MaxToolCalls < 0 {
		return &ValidationError{Field: "config.maxToolCalls", Message: "must not be negative"}
	}
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2) {
		return &ValidationError{Field: "config.temperature", Message: fmt.Sprintf("%v out of range [0, 2]", *o.Temperature)}
	}
	return nil
}

// Apply returns a copy of c with o applied. A nil o returns c unchanged.
func (c Config) Apply(o *Overrides) Config {
	out := c
	out.EnabledTools = slices.Clone(c.EnabledTools)
	if o == nil {
		return out
	}
	if o.Model != "" {
		out.Model = o.Model
	}
	if o.MaxTokens != nil {
		out.MaxTokens = *o.MaxTokens
	}
	if o.Temperature != nil {
		t := *o.Temperature
		out.Temperature = &t
	}
	if o.MaxToolCalls != nil {
		out.MaxToolCalls = *o.MaxToolCalls
	}
	return out
}

// Allows reports whether the agent may call d. An empty EnabledTools
// list enables every active tool; categoryCaps maps a tool category to
// the capability needed to call it. Categories without an entry need
// none.
func (c Config) Allows(d tools.Def, categoryCaps map[string]string) bool {
	if len(c.EnabledTools) > 0 && !slices.Contains(c.EnabledTools, d.Name) {
		return false
	}
	switch categoryCaps[d.Category] {
	case CapabilityQuery:
		return c.Capabilities.CanQuery
	case CapabilitySend:
		return c.Capabilities.CanSend
	case CapabilityModify:
		return c.Capabilities.CanModify
	}
	return true
}
