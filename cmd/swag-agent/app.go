package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nugget/swag-agent/internal/agent"
	"github.com/nugget/swag-agent/internal/config"
	"github.com/nugget/swag-agent/internal/conversation"
	"github.com/nugget/swag-agent/internal/database"
	"github.com/nugget/swag-agent/internal/events"
	"github.com/nugget/swag-agent/internal/llm"
	"github.com/nugget/swag-agent/internal/telemetry"
	"github.com/nugget/swag-agent/internal/tools"
)

// app holds the components every command shares. newApp wires them
// from config; close releases them in reverse order.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db            *sql.DB
	conversations *conversation.Store
	registry      *tools.Registry
	backend       *tools.Backend // nil without a tool backend
	usage         *telemetry.Store
	daily         *telemetry.DailyTotals
	mqtt          *telemetry.MQTTSink // nil unless started
	sink          *telemetry.AsyncSink
	providers     *llm.MultiClient
	bus           *events.Bus
	loop          *agent.Loop
}

// appOptions selects the optional parts of an app.
type appOptions struct {
	// MQTT connects the telemetry broker sink when one is configured.
	MQTT bool
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, bus: events.New(), daily: telemetry.NewDailyTotals(nil)}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	// --- Data directory and database ---
	// Conversations, tool definitions and telemetry share one SQLite file.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	a.db, err = database.Open(ctx, cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	logger.Debug("database opened", "driver", cfg.Database.Driver, "path", cfg.Database.Path)

	if a.conversations, err = conversation.NewStore(a.db, logger.With("component", "conversation")); err != nil {
		return nil, err
	}
	if a.usage, err = telemetry.NewStore(a.db); err != nil {
		return nil, err
	}
	if err := a.initTools(ctx); err != nil {
		return nil, err
	}

	// --- Model providers ---
	a.providers = newProviders(cfg, logger)
	client := llm.NewRetryClient(a.providers, llm.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, logger)

	// --- Telemetry ---
	// The async sink keeps the event stream from ever waiting on the
	// database or the broker.
	sinks := telemetry.MultiSink{a.usage, a.daily}
	if opts.MQTT && cfg.Telemetry.MQTT.Configured() {
		a.mqtt = telemetry.NewMQTTSink(cfg.Telemetry.MQTT, logger.With("component", "mqtt"))
		if err := a.mqtt.Start(ctx); err != nil {
			return nil, fmt.Errorf("start mqtt telemetry: %w", err)
		}
		sinks = append(sinks, a.mqtt)
	}
	a.sink = telemetry.NewAsyncSink(sinks, cfg.Telemetry.QueueSize, logger)

	// --- Compaction ---
	var summarizer conversation.Summarizer
	if cfg.Compaction.Strategy == "model" {
		summarizer = conversation.ModelSummarizer{Client: client, Model: cfg.Compaction.Model, MaxTokens: 2048}
	}
	compactor := conversation.NewCompactor(a.conversations, conversation.CompactorConfig{
		ContextTokens: cfg.Compaction.ContextTokens,
		HighWater:     cfg.Compaction.HighWater,
		KeepTurns:     cfg.Compaction.KeepTurns,
	}, summarizer, logger.With("component", "compaction"))

	// --- Agent loop ---
	agents := make([]agent.Config, 0, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		agents = append(agents, agent.FromConfig(ac))
	}
	executor := tools.NewExecutor(a.registry, tools.ExecutorConfig{
		Timeout:         cfg.Tools.Timeout,
		RetryCategories: cfg.Tools.RetryCategories,
	}, logger.With("component", "tools"))

	a.loop, err = agent.NewLoop(agent.Options{
		Store:                a.conversations,
		Compactor:            compactor,
		Executor:             executor,
		Client:               client,
		Sink:                 a.sink,
		Bus:                  a.bus,
		Agents:               agents,
		Pricing:              cfg.Models.Pricing,
		CategoryCapabilities: cfg.Tools.CategoryCapabilities,
		Concurrency:          cfg.Tools.Concurrency,
		Logger:               logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create agent loop: %w", err)
	}
	return a, nil
}

// initTools loads configured definitions into the registry, binds the
// built-in and backend handlers and verifies every active tool can run.
func (a *app) initTools(ctx context.Context) error {
	cfg := a.cfg
	var err error
	a.registry, err = tools.NewRegistry(a.db, cfg.Tools.RegistryTTL, a.logger.With("component", "registry"))
	if err != nil {
		return err
	}

	for _, d := range cfg.Tools.Definitions {
		if err := a.registry.Upsert(ctx, tools.Def{
			Name:        d.Name,
			Description: d.Description,
			Category:    d.Category,
			InputSchema: d.InputSchema,
			Active:      !d.Inactive,
		}); err != nil {
			return fmt.Errorf("load tool definitions: %w", err)
		}
	}
	if err := tools.RegisterBuiltins(ctx, a.registry, a.usage); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	if cfg.Tools.Backend.Configured() {
		a.backend = tools.NewBackend(cfg.Tools.Backend, nil, a.logger.With("component", "tool_backend"))
		if len(cfg.Tools.Backend.Categories) == 0 {
			a.registry.SetFallback(a.backend.Handler())
		}
		for _, c := range cfg.Tools.Backend.Categories {
			a.registry.RegisterCategory(c, a.backend.Handler())
		}
	}

	if err := a.registry.Verify(ctx); err != nil {
		return fmt.Errorf("verify tools: %w", err)
	}
	return nil
}

// newProviders builds the model router. Models are routed by the
// models.routing table, then by name prefix.
func newProviders(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	multi := llm.NewMultiClient(nil, cfg.ProviderFor)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, logger))
		logger.Info("Anthropic provider configured")
	}
	// An OpenAI-compatible server may not need a key.
	if cfg.OpenAI.APIKey != "" || cfg.OpenAI.BaseURL != "" {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger))
		logger.Info("OpenAI provider configured", "base_url", cfg.OpenAI.BaseURL)
	}
	for model, provider := range cfg.Models.Routing {
		multi.AddModel(model, provider)
	}

	if len(multi.Providers()) == 0 {
		logger.Warn("no model provider configured; queries will fail")
	}
	return multi
}

// close drains telemetry and closes the database.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.sink != nil {
		if err := a.sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain telemetry: %w", err))
		}
		if n := a.sink.Dropped(); n > 0 {
			a.logger.Warn("telemetry records dropped", "count", n)
		}
	}
	if a.mqtt != nil {
		if err := a.mqtt.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop mqtt: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
