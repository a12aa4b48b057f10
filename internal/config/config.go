// Package config handles swag-agent configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/swag-agent/config.yaml, /etc/swag-agent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "swag-agent", "config.yaml"))
	}

	paths = append(paths, "/etc/swag-agent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all swag-agent configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text or json
	DataDir       string              `yaml:"data_dir"`
	Database      DatabaseConfig      `yaml:"database"`
	Anthropic     AnthropicConfig     `yaml:"anthropic"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
	Models        ModelsConfig        `yaml:"models"`
	Agents        []AgentConfig       `yaml:"agents"`
	Tools         ToolsConfig         `yaml:"tools"`
	Compaction    CompactionConfig    `yaml:"compaction"`
	Retry         RetryConfig         `yaml:"retry"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Conversations ConversationsConfig `yaml:"conversations"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DatabaseConfig selects the SQLite driver and file.
type DatabaseConfig struct {
	// Driver is "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
	Driver string `yaml:"driver"`
	// Path defaults to <data_dir>/swag-agent.db.
	Path string `yaml:"path"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OpenAIConfig defines OpenAI (or compatible) API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ModelsConfig defines model defaults, provider routing and pricing.
type ModelsConfig struct {
	Default string `yaml:"default"`

	// Routing maps a model name to a provider ("anthropic" or "openai").
	// Models not listed are routed by name prefix.
	Routing map[string]string `yaml:"routing"`

	// Pricing maps model names to per-million-token prices in USD.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry holds per-million-token prices for a model.
type PricingEntry struct {
	InputPerMillion      float64 `yaml:"input_per_million"`
	OutputPerMillion     float64 `yaml:"output_per_million"`
	CacheReadPerMillion  float64 `yaml:"cache_read_per_million"`
	CacheWritePerMillion float64 `yaml:"cache_write_per_million"`
}

// AgentConfig is the YAML form of one agent definition.
type AgentConfig struct {
	ID           string        `yaml:"id"`
	SystemPrompt string        `yaml:"system_prompt"`
	Model        string        `yaml:"model"`
	MaxTokens    int           `yaml:"max_tokens"`
	MaxToolCalls int           `yaml:"max_tool_calls"`
	Temperature  *float64      `yaml:"temperature"`
	EnabledTools []string      `yaml:"enabled_tools"`
	Capabilities Capabilities  `yaml:"capabilities"`
	Context      ContextConfig `yaml:"context_config"`
}

// Capabilities gates tool categories for an agent.
type Capabilities struct {
	CanQuery  bool `yaml:"can_query"`
	CanSend   bool `yaml:"can_send"`
	CanModify bool `yaml:"can_modify"`
}

// ContextConfig bounds what an agent stores per message. Zero means unlimited.
type ContextConfig struct {
	MaxHistoryChars    int `yaml:"max_history_chars"`
	MaxToolResultChars int `yaml:"max_tool_result_chars"`
	MaxMessageChars    int `yaml:"max_message_chars"`
}

// ToolsConfig configures the tool registry and executor.
type ToolsConfig struct {
	// Definitions are upserted into the registry table at startup.
	Definitions []ToolDefinition `yaml:"definitions"`

	Backend ToolBackendConfig `yaml:"backend"`

	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
	RegistryTTL time.Duration `yaml:"registry_ttl"`

	// RetryCategories lists read-only categories whose upstream
	// failures are retried once.
	RetryCategories []string `yaml:"retry_categories"`

	// CategoryCapabilities maps a tool category to the capability an
	// agent needs to call it: "query", "send" or "modify".
	CategoryCapabilities map[string]string `yaml:"category_capabilities"`
}

// ToolDefinition is a tool declared in config.
type ToolDefinition struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Category    string         `yaml:"category"`
	InputSchema map[string]any `yaml:"input_schema"`
	Inactive    bool           `yaml:"inactive"`
}

// ToolBackendConfig points at the external tool execution service.
type ToolBackendConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// Categories served by the backend. Empty means every category.
	Categories []string `yaml:"categories"`
}

// Configured reports whether a backend URL is set.
func (c ToolBackendConfig) Configured() bool {
	return c.URL != ""
}

// CompactionConfig controls conversation compaction.
type CompactionConfig struct {
	// ContextTokens is the context budget compaction measures against.
	ContextTokens int `yaml:"context_tokens"`
	// HighWater is the fraction of ContextTokens that triggers compaction.
	HighWater float64 `yaml:"high_water"`
	// KeepTurns is the number of most recent user turns kept verbatim.
	KeepTurns int `yaml:"keep_turns"`
	// Strategy is "rule" or "model".
	Strategy string `yaml:"strategy"`
	// Model used when Strategy is "model". Defaults to models.default.
	Model string `yaml:"model"`
}

// RetryConfig controls model call retries.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// TelemetryConfig controls the telemetry sink.
type TelemetryConfig struct {
	QueueSize int        `yaml:"queue_size"`
	MQTT      MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig configures optional telemetry publishing to an MQTT broker.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// ConversationsConfig controls conversation lifecycle.
type ConversationsConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Load reads configuration from a YAML file. A .env file next to the
// config is loaded into the environment first, without overriding
// variables that are already set, and ${VAR} references are expanded.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := base()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := base()
	cfg.applyDefaults()
	return cfg
}

// base holds the defaults that YAML values override.
func base() *Config {
	return &Config{
		Listen:    ListenConfig{Port: 8080},
		LogLevel:  "info",
		LogFormat: "text",
		DataDir:   "./data",
		Database:  DatabaseConfig{Driver: "sqlite3"},
		Models: ModelsConfig{
			Default: "claude-sonnet-4-20250514",
		},
		Tools: ToolsConfig{
			Timeout:     30 * time.Second,
			Concurrency: 4,
			RegistryTTL: 5 * time.Minute,
		},
		Compaction: CompactionConfig{
			ContextTokens: 200000,
			HighWater:     0.92,
			KeepTurns:     4,
			Strategy:      "rule",
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    20 * time.Second,
		},
		Telemetry: TelemetryConfig{
			QueueSize: 1024,
			MQTT:      MQTTConfig{ClientID: "swag-agent", TopicPrefix: "swag-agent/telemetry"},
		},
		Conversations: ConversationsConfig{
			IdleTimeout:   24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
	}
}

// applyDefaults fills zero values left by a partial YAML file.
func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "swag-agent.db")
	}
	if c.Compaction.Model == "" {
		c.Compaction.Model = c.Models.Default
	}
	if len(c.Agents) == 0 {
		c.Agents = []AgentConfig{{
			ID:           "default",
			MaxToolCalls: 8,
		}}
	}
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Model == "" {
			a.Model = c.Models.Default
		}
		if a.MaxTokens <= 0 {
			a.MaxTokens = 4096
		}
		if a.MaxToolCalls <= 0 {
			a.MaxToolCalls = 8
		}
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q (valid: sqlite3, sqlite)", c.Database.Driver))
	}
	if c.Compaction.HighWater <= 0 || c.Compaction.HighWater > 1 {
		errs = append(errs, fmt.Errorf("compaction.high_water %v must be in (0, 1]", c.Compaction.HighWater))
	}
	switch c.Compaction.Strategy {
	case "rule", "model":
	default:
		errs = append(errs, fmt.Errorf("compaction.strategy %q (valid: rule, model)", c.Compaction.Strategy))
	}
	if c.Tools.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("tools.concurrency must be positive"))
	}
	for cat, capability := range c.Tools.CategoryCapabilities {
		switch capability {
		case "query", "send", "modify":
		default:
			errs = append(errs, fmt.Errorf("tools.category_capabilities[%s] %q (valid: query, send, modify)", cat, capability))
		}
	}
	for model, provider := range c.Models.Routing {
		switch provider {
		case "anthropic", "openai":
		default:
			errs = append(errs, fmt.Errorf("models.routing[%s] unknown provider %q", model, provider))
		}
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
	}

	seenTools := make(map[string]bool, len(c.Tools.Definitions))
	for i, d := range c.Tools.Definitions {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("tools.definitions[%d]: name is required", i))
			continue
		}
		if seenTools[d.Name] {
			errs = append(errs, fmt.Errorf("tools.definitions[%d]: duplicate name %q", i, d.Name))
		}
		seenTools[d.Name] = true
	}

	return errors.Join(errs...)
}

// Agent returns the agent with the given id. An empty id selects the
// first configured agent.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	if len(c.Agents) == 0 {
		return AgentConfig{}, false
	}
	if id == "" {
		return c.Agents[0], true
	}
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// ProviderFor returns the provider name that serves model.
func (c *Config) ProviderFor(model string) string {
	if p, ok := c.Models.Routing[model]; ok {
		return p
	}
	lower := strings.ToLower(model)
	for _, prefix := range []string{"gpt-", "o1", "o3", "o4", "chatgpt"} {
		if strings.HasPrefix(lower, prefix) {
			return "openai"
		}
	}
	return "anthropic"
}
