package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/swag-agent/internal/telemetry"
)

// CategoryBuiltin is the category of tools served in-process.
const CategoryBuiltin = "builtin"

// RegisterBuiltins upserts the in-process tools and binds their
// handlers. cost_summary is skipped when store is nil.
func RegisterBuiltins(ctx context.Context, r *Registry, store *telemetry.Store) error {
	builtins := []struct {
		def     Def
		handler Handler
	}{
		{currentTimeDef(), handleCurrentTime},
	}
	if store != nil {
		builtins = append(builtins, struct {
			def     Def
			handler Handler
		}{costSummaryDef(), costSummaryHandler(store)})
	}

	for _, b := range builtins {
		if err := r.Upsert(ctx, b.def); err != nil {
			return err
		}
		r.Register(b.def.Name, b.handler)
	}
	return nil
}

func currentTimeDef() Def {
	return Def{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a given IANA timezone.",
		Category:    CategoryBuiltin,
		Active:      true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name, e.g. America/Chicago. Defaults to UTC.",
				},
			},
			"additionalProperties": false,
		},
	}
}

func handleCurrentTime(_ context.Context, inv Invocation) (any, error) {
	loc := time.UTC
	if tz, _ := inv.Args["timezone"].(string); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, &ValidationError{ToolName: inv.Name, Problems: []string{fmt.Sprintf("unknown timezone %q", tz)}}
		}
		loc = l
	}
	now := time.Now().In(loc)
	return map[string]any{
		"time":     now.Format(time.RFC3339),
		"timezone": loc.String(),
		"weekday":  now.Weekday().String(),
	}, nil
}

func costSummaryDef() Def {
	return Def{
		Name:        "cost_summary",
		Description: "Query token usage and API costs. Returns totals and an optional breakdown by model, agent or outcome.",
		Category:    CategoryBuiltin,
		Active:      true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"period": map[string]any{
					"type":        "string",
					"enum":        []string{"today", "yesterday", "week", "month", "all"},
					"description": "Time period to summarize.",
				},
				"group_by": map[string]any{
					"type":        "string",
					"enum":        []string{"model", "agent", "outcome"},
					"description": "Optional: group results by model, agent or outcome.",
				},
			},
			"required": []string{"period"},
		},
	}
}

func costSummaryHandler(store *telemetry.Store) Handler {
	return func(ctx context.Context, inv Invocation) (any, error) {
		period, _ := inv.Args["period"].(string)
		groupBy, _ := inv.Args["group_by"].(string)

		start, end := parsePeriod(period, time.Now())
		summary, err := store.Summary(ctx, start, end)
		if err != nil {
			return nil, fmt.Errorf("query usage summary: %w", err)
		}

		out := map[string]any{
			"period":       period,
			"calls":        summary.Calls,
			"inputTokens":  summary.InputTokens,
			"outputTokens": summary.OutputTokens,
			"cachedTokens": summary.CacheReadTokens,
			"total":        FormatTokenCount(summary.InputTokens + summary.OutputTokens),
			"costUsd":      summary.CostUSD,
		}
		if groupBy == "" {
			return out, nil
		}

		var grouped map[string]*telemetry.Summary
		switch groupBy {
		case "model":
			grouped, err = store.SummaryByModel(ctx, start, end)
		case "agent":
			grouped, err = store.SummaryByAgent(ctx, start, end)
		case "outcome":
			grouped, err = store.SummaryByOutcome(ctx, start, end)
		}
		if err != nil {
			return nil, fmt.Errorf("query usage by %s: %w", groupBy, err)
		}
		out["by_"+groupBy] = grouped
		return out, nil
	}
}

// parsePeriod converts a period name to a start/end time range.
func parsePeriod(period string, now time.Time) (time.Time, time.Time) {
	end := now.Add(1 * time.Minute) // slight future buffer
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch period {
	case "today":
		return midnight, end
	case "yesterday":
		return midnight.AddDate(0, 0, -1), midnight
	case "week":
		return now.AddDate(0, 0, -7), end
	case "month":
		return now.AddDate(0, -1, 0), end
	default:
		return time.Time{}, end
	}
}

// FormatTokenCount formats a token count as a compact string (e.g.,
// "1.23M", "456.0K", "789").
func FormatTokenCount(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2fM", float64(n)/1_000_000.0)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000.0)
	}
	return fmt.Sprintf("%d", n)
}
