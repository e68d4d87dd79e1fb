package worker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/loomworks/loom/model"
)

// maxValueBytes caps the rendered size of any single context value
// attached to an event.
const maxValueBytes = 10 * 1024

var credentialKey = regexp.MustCompile(`(?i)password|secret|token|credential`)

// Sanitize builds the context snapshot attached to worker events from a
// job's rendered action context. The snapshot keeps workload and vars
// for debugging but never raw step results, oversized values, or
// credential material:
//
//   - underscore keys are dropped, except _step_results which is reduced
//     to per-step {has_data, status, data_type}
//   - values whose JSON rendering exceeds 10 KiB are replaced with
//     {_truncated: true, _size}
//   - values under keys matching password|secret|token|credential are
//     replaced with "[redacted]"
func Sanitize(raw map[string]any, executionID, jobID string) model.JSONMap {
	out := model.JSONMap{
		"execution_id": executionID,
		"job_id":       jobID,
	}
	for k, v := range raw {
		switch {
		case k == "_step_results":
			out[k] = summarizeSteps(v)
		case strings.HasPrefix(k, "_"):
			continue
		case k == "execution_id" || k == "job_id":
			continue
		default:
			out[k] = sanitizeValue(k, v)
		}
	}
	return out
}

func sanitizeValue(key string, v any) any {
	if key != "" && credentialKey.MatchString(key) {
		return "[redacted]"
	}
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, child := range t {
			if strings.HasPrefix(k, "_") {
				continue
			}
			m[k] = sanitizeValue(k, child)
		}
		return capSize(m)
	case model.JSONMap:
		return sanitizeValue(key, map[string]any(t))
	case []any:
		s := make([]any, len(t))
		for i, child := range t {
			s[i] = sanitizeValue("", child)
		}
		return capSize(s)
	default:
		return capSize(v)
	}
}

// capSize replaces values too large to attach with a size marker.
func capSize(v any) any {
	enc, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	if len(enc) > maxValueBytes {
		return map[string]any{"_truncated": true, "_size": len(enc)}
	}
	return v
}

// summarizeSteps reduces sibling step results to metadata. Full results
// stay in the event log; the snapshot only answers "did this step
// produce data and of what shape".
func summarizeSteps(v any) map[string]any {
	steps := asMap(v)
	out := make(map[string]any, len(steps))
	for name, sv := range steps {
		entry := map[string]any{
			"has_data":  false,
			"status":    "",
			"data_type": "null",
		}
		if m := asMap(sv); m != nil {
			res := m["result"]
			entry["has_data"] = res != nil
			entry["data_type"] = dataType(res)
			if s, ok := m["status"].(string); ok {
				entry["status"] = s
			}
		}
		out[name] = entry
	}
	return out
}

func asMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case model.JSONMap:
		return t
	default:
		return nil
	}
}

func dataType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any, model.JSONMap:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32, json.Number:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
