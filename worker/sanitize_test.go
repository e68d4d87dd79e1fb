package worker

import (
	"strings"
	"testing"
)

func TestSanitizeRedactsCredentials(t *testing.T) {
	out := Sanitize(map[string]any{
		"vars": map[string]any{
			"api_token":   "tok-123",
			"DB_PASSWORD": "hunter2",
			"SecretKey":   "shh",
			"credentials": map[string]any{"user": "svc"},
			"region":      "eu",
		},
	}, "1", "2")

	vars, _ := out["vars"].(map[string]any)
	if vars == nil {
		t.Fatal("vars missing")
	}
	for _, key := range []string{"api_token", "DB_PASSWORD", "SecretKey", "credentials"} {
		if vars[key] != "[redacted]" {
			t.Errorf("%s = %v, want redacted", key, vars[key])
		}
	}
	if vars["region"] != "eu" {
		t.Errorf("region = %v", vars["region"])
	}
}

func TestSanitizeDropsUnderscoreKeys(t *testing.T) {
	out := Sanitize(map[string]any{
		"_internal": map[string]any{"cursor": 7},
		"workload":  map[string]any{"_hidden": true, "city": "Oslo"},
	}, "1", "2")

	if _, ok := out["_internal"]; ok {
		t.Error("_internal survived")
	}
	wl, _ := out["workload"].(map[string]any)
	if _, ok := wl["_hidden"]; ok {
		t.Error("nested _hidden survived")
	}
	if wl["city"] != "Oslo" {
		t.Errorf("city = %v", wl["city"])
	}
}

func TestSanitizeSummarizesStepResults(t *testing.T) {
	out := Sanitize(map[string]any{
		"_step_results": map[string]any{
			"fetch": map[string]any{
				"result": map[string]any{"rows": []any{1, 2}},
				"status": "done",
			},
			"probe": map[string]any{
				"result": nil,
				"status": "error",
			},
		},
	}, "1", "2")

	steps, _ := out["_step_results"].(map[string]any)
	if steps == nil {
		t.Fatal("_step_results missing")
	}
	fetch, _ := steps["fetch"].(map[string]any)
	if fetch["has_data"] != true || fetch["status"] != "done" || fetch["data_type"] != "object" {
		t.Errorf("fetch summary = %v", fetch)
	}
	if raw, ok := fetch["result"]; ok {
		t.Errorf("raw result leaked: %v", raw)
	}
	probe, _ := steps["probe"].(map[string]any)
	if probe["has_data"] != false || probe["status"] != "error" || probe["data_type"] != "null" {
		t.Errorf("probe summary = %v", probe)
	}
}

func TestSanitizeTruncatesOversizedValues(t *testing.T) {
	big := strings.Repeat("x", maxValueBytes+100)
	out := Sanitize(map[string]any{
		"vars": map[string]any{"blob": big, "small": "ok"},
	}, "1", "2")

	vars, _ := out["vars"].(map[string]any)
	marker, _ := vars["blob"].(map[string]any)
	if marker == nil || marker["_truncated"] != true {
		t.Fatalf("blob = %T %v", vars["blob"], vars["blob"])
	}
	if size, _ := marker["_size"].(int); size <= maxValueBytes {
		t.Errorf("_size = %v", marker["_size"])
	}
	if vars["small"] != "ok" {
		t.Errorf("small = %v", vars["small"])
	}
}

func TestSanitizeStampsIdentity(t *testing.T) {
	out := Sanitize(map[string]any{
		"execution_id": "spoofed",
		"workload":     map[string]any{"n": 1},
	}, "77", "88")

	if out["execution_id"] != "77" {
		t.Errorf("execution_id = %v", out["execution_id"])
	}
	if out["job_id"] != "88" {
		t.Errorf("job_id = %v", out["job_id"])
	}
}

func TestSanitizeNilContext(t *testing.T) {
	out := Sanitize(nil, "1", "2")
	if out["execution_id"] != "1" || out["job_id"] != "2" {
		t.Errorf("identity missing: %v", out)
	}
}
