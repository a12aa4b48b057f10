package tools

import (
	"encoding/json"
	"sort"
	"strings"
)

// maxSummaryKeys bounds the key list in a summary.
const maxSummaryKeys = 20

// totalFields are numeric fields summed across rows.
var totalFields = []string{"total", "amount", "quantity", "price", "count"}

// Summarize reduces a tool payload to counts, totals and key names for
// telemetry. Row contents never appear in the summary.
func Summarize(data any) map[string]any {
	data = normalize(data)
	sum := map[string]any{}
	switch v := data.(type) {
	case nil:
		sum["type"] = "null"
	case string:
		sum["type"] = "string"
		sum["length"] = len(v)
	case bool:
		sum["type"] = "bool"
	case float64:
		sum["type"] = "number"
	case []any:
		sum["type"] = "array"
		sum["count"] = len(v)
		addRowTotals(sum, v)
	case map[string]any:
		sum["type"] = "object"
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > maxSummaryKeys {
			keys = keys[:maxSummaryKeys]
		}
		sum["keys"] = keys
		for _, k := range keys {
			switch inner := v[k].(type) {
			case []any:
				sum[k+"_count"] = len(inner)
				addRowTotals(sum, inner)
			case float64:
				if isTotalField(k) {
					sum[k] = inner
				}
			}
		}
	default:
		sum["type"] = "unknown"
	}
	return sum
}

// normalize round-trips typed payloads through JSON so the switch
// above only sees the generic shapes.
func normalize(data any) any {
	switch data.(type) {
	case nil, string, bool, float64, []any, map[string]any:
		return data
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func addRowTotals(sum map[string]any, rows []any) {
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		for _, f := range totalFields {
			n, ok := m[f].(float64)
			if !ok {
				continue
			}
			key := "sum_" + f
			prev, _ := sum[key].(float64)
			sum[key] = prev + n
		}
	}
}

func isTotalField(k string) bool {
	k = strings.ToLower(k)
	for _, f := range totalFields {
		if k == f || strings.HasSuffix(k, "_"+f) {
			return true
		}
	}
	return false
}
