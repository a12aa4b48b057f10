// swag-agent runs agent conversations: it alternates model calls and
// tool calls for each query, streams the events to clients over SSE or
// WebSocket and keeps conversations, tool definitions and telemetry in
// SQLite. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	swag-agent serve            Start the API server
//	swag-agent init [dir]       Write an example config into dir
//	swag-agent ask <prompt>     Run one query and print the reply
//	swag-agent tools            List the active tools
//	swag-agent usage [hours]    Summarize model usage and cost
//	swag-agent version          Print version and build information
//	swag-agent -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nugget/swag-agent/internal/agent"
	"github.com/nugget/swag-agent/internal/api"
	"github.com/nugget/swag-agent/internal/buildinfo"
	"github.com/nugget/swag-agent/internal/config"
	"github.com/nugget/swag-agent/internal/connwatch"
	"github.com/nugget/swag-agent/internal/conversation"
	"github.com/nugget/swag-agent/internal/events"
	"github.com/nugget/swag-agent/internal/tools"
)

// main only builds the OS environment and hands off to [run], so the
// whole command lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx bounds the process lifetime, stdout
// receives command output and logs, stderr receives diagnostics, and
// args are the arguments after the program name. Arguments are parsed
// by hand because the flag package's globals get in the way of calling
// run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: swag-agent ask [--agent id] [--conversation id] <prompt>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "usage":
		hours := 24
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("usage: swag-agent usage [hours] (hours must be a positive integer)")
			}
			hours = n
		}
		return runUsage(ctx, stdout, stderr, configPath, outputFmt, hours)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "platform"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "swag-agent - agent conversation service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: swag-agent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Start the API server")
	fmt.Fprintln(w, "  init [dir]     Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <prompt>   Run one query and print the reply")
	fmt.Fprintln(w, "  tools          List active tools")
	fmt.Fprintln(w, "  usage [hours]  Summarize model usage and cost (default: 24)")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates and parses the YAML configuration file and builds
// the logger it asks for. minLevel raises the configured level, which
// keeps one-shot commands quiet on stdout.
func loadConfig(explicit string, w io.Writer, minLevel slog.Level) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// ParseLogLevel is already validated by config.Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	if level < minLevel {
		level = minLevel
	}
	logger := config.NewLogger(w, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

// runServe is the primary operating mode. It wires every component,
// starts the API server and blocks until SIGINT, SIGTERM or ctx ends.
//
// Shutdown order: the server stops accepting and drains streams, the
// background watchers stop, then telemetry drains and the database
// closes.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := loadConfig(configPath, stdout, config.LevelTrace)
	if err != nil {
		return err
	}
	logger.Info("starting swag-agent",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{MQTT: true})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			logger.Error("shutdown cleanup failed", "error", err)
		}
	}()

	// --- Connection health ---
	// Watchers back /health and log dependency transitions; they never
	// gate queries.
	health := connwatch.NewManager(logger)
	defer health.Stop()
	onChange := func(s connwatch.Status) {
		a.bus.Emit(events.SourceConnwatch, events.KindDependency, map[string]any{
			"name":  s.Name,
			"kind":  s.Kind,
			"ready": s.Ready,
			"error": s.LastError,
		})
	}
	providers := a.providers.Providers()
	slices.Sort(providers)
	for _, name := range providers {
		health.Watch(ctx, connwatch.Target{
			Name:     name,
			Kind:     "provider",
			Probe:    func(pctx context.Context) error { return a.providers.PingProvider(pctx, name) },
			Backoff:  connwatch.DefaultBackoffConfig(),
			OnChange: onChange,
		})
	}
	if a.backend != nil {
		health.Watch(ctx, connwatch.Target{
			Name:     "tool_backend",
			Kind:     "tool_backend",
			Probe:    a.backend.Ping,
			Backoff:  connwatch.DefaultBackoffConfig(),
			OnChange: onChange,
		})
	}
	if a.mqtt != nil {
		health.Watch(ctx, connwatch.Target{
			Name:     "mqtt",
			Kind:     "broker",
			Probe:    a.mqtt.AwaitConnection,
			Backoff:  connwatch.DefaultBackoffConfig(),
			OnChange: onChange,
		})
	}

	// --- Idle conversations ---
	sweeper := conversation.NewSweeper(a.conversations,
		cfg.Conversations.IdleTimeout, cfg.Conversations.SweepInterval,
		logger.With("component", "sweeper"))
	sweeper.OnClose = func(id string) {
		a.bus.Emit(events.SourceConversation, events.KindConversationClosed, map[string]any{
			"conversation_id": id,
			"reason":          "idle",
		})
	}
	go sweeper.Run(ctx)

	// --- API server ---
	server := api.NewServer(api.Options{
		Address:       cfg.Listen.Address,
		Port:          cfg.Listen.Port,
		Loop:          a.loop,
		Conversations: a.conversations,
		Registry:      a.registry,
		Usage:         a.usage,
		Daily:         a.daily,
		Health:        health,
		Bus:           a.bus,
		Logger:        logger,
	})
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	return nil
}

// runAsk runs one query through the full agent loop and streams the
// reply to stdout. Tool activity goes to stderr. With -o json the
// outcome is printed as one JSON object instead.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	var q agent.Query
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--agent" && i+1 < len(args):
			q.AgentID = args[i+1]
			i++
		case args[i] == "--conversation" && i+1 < len(args):
			q.ConversationID = args[i+1]
			i++
		default:
			words = append(words, args[i])
		}
	}
	q.Prompt = strings.Join(words, " ")
	q.Source = "cli"

	cfg, logger, err := loadConfig(configPath, stderr, slog.LevelWarn)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	emit := func(_ context.Context, e agent.Event) {
		if outputFmt == "json" {
			return
		}
		switch ev := e.(type) {
		case agent.Text:
			io.WriteString(stdout, ev.Text)
		case agent.ToolStart:
			fmt.Fprintf(stderr, "[tool] %s\n", ev.Name)
		case agent.ToolResult:
			if !ev.Success {
				fmt.Fprintf(stderr, "[tool] %s failed: %s\n", ev.Name, ev.Error)
			}
		}
	}

	out, err := a.loop.Run(ctx, q, emit)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(stdout)
		fmt.Fprintf(stderr, "conversation %s: %s, %s in / %s out tokens, $%.4f\n",
			out.ConversationID, out.Status,
			tools.FormatTokenCount(int64(out.Usage.InputTokens)),
			tools.FormatTokenCount(int64(out.Usage.OutputTokens)),
			out.CostUSD)
	}

	if out.Status == agent.DoneError {
		return fmt.Errorf("ask: %w", out.Err)
	}
	return nil
}

// runTools lists the active tools in the registry.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, logger, err := loadConfig(configPath, stderr, slog.LevelWarn)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	defs, err := a.registry.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	if outputFmt == "json" {
		if defs == nil {
			defs = []tools.Def{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCATEGORY\tDESCRIPTION")
	for _, d := range defs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Category, firstLine(d.Description))
	}
	return tw.Flush()
}

// runUsage prints model usage for the last hours.
func runUsage(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, hours int) error {
	cfg, logger, err := loadConfig(configPath, stderr, slog.LevelWarn)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	total, err := a.usage.Summary(ctx, start, end)
	if err != nil {
		return err
	}
	byModel, err := a.usage.SummaryByModel(ctx, start, end)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"hours":   hours,
			"total":   total,
			"byModel": byModel,
		})
	}

	fmt.Fprintf(stdout, "Last %dh: %d model calls, %s in / %s out tokens, $%.4f\n",
		hours, total.Calls,
		tools.FormatTokenCount(total.InputTokens),
		tools.FormatTokenCount(total.OutputTokens),
		total.CostUSD)
	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	slices.Sort(models)
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for _, m := range models {
		s := byModel[m]
		fmt.Fprintf(tw, "  %s\t%d calls\t$%.4f\n", m, s.Calls, s.CostUSD)
	}
	return tw.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
