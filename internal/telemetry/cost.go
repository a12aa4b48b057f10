package telemetry

import (
	"github.com/nugget/swag-agent/internal/config"
	"github.com/nugget/swag-agent/internal/llm"
)

// ComputeCost returns the USD cost of u for model. Models missing from
// the pricing table cost nothing. Cache reads and writes use their own
// prices; when those are unset they fall back to the input price.
func ComputeCost(model string, u llm.Usage, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cacheRead := entry.CacheReadPerMillion
	if cacheRead == 0 {
		cacheRead = entry.InputPerMillion
	}
	cacheWrite := entry.CacheWritePerMillion
	if cacheWrite == 0 {
		cacheWrite = entry.InputPerMillion
	}

	cost := float64(u.InputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(u.OutputTokens) / 1_000_000.0 * entry.OutputPerMillion
	cost += float64(u.CacheReadTokens) / 1_000_000.0 * cacheRead
	cost += float64(u.CacheCreationTokens) / 1_000_000.0 * cacheWrite
	return cost
}
