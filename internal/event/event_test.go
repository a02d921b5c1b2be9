package event

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewPopulatesEnvelope(t *testing.T) {
	ev := New(TypeAgentStarted)
	if ev.Type != TypeAgentStarted {
		t.Fatalf("unexpected type: %s", ev.Type)
	}
	if ev.EventID == "" {
		t.Fatalf("expected event id")
	}
	if ev.Timestamp <= 0 {
		t.Fatalf("expected positive timestamp, got %f", ev.Timestamp)
	}
}

func TestNewGeneratesUniqueEventIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		ev := New(TypePing)
		if seen[ev.EventID] {
			t.Fatalf("duplicate event id: %s", ev.EventID)
		}
		seen[ev.EventID] = true
	}
}

func TestMarshalToolCompletedAlwaysHasResultsKey(t *testing.T) {
	ev := New(TypeToolCompleted)
	ev.ToolName = "search"

	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := decoded["results"]; !present {
		t.Fatalf("expected results key in tool_completed payload, got %s", raw)
	}
	if decoded["results"] != nil {
		t.Fatalf("expected null results, got %v", decoded["results"])
	}
}

func TestMarshalOtherTypesOmitEmptyResults(t *testing.T) {
	ev := New(TypeAgentStarted)
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), `"results"`) {
		t.Fatalf("did not expect results key for agent_started, got %s", raw)
	}
}

func TestCloneDoesNotAliasMaps(t *testing.T) {
	ev := New(TypeAgentCompleted)
	ev.Data = map[string]any{"answer": 42, "nested": map[string]any{"k": "v"}}

	clone := ev.Clone()
	clone.Data["answer"] = 0
	clone.Data["nested"].(map[string]any)["k"] = "changed"

	if ev.Data["answer"] != 42 {
		t.Fatalf("clone mutation leaked into original data")
	}
	if ev.Data["nested"].(map[string]any)["k"] != "v" {
		t.Fatalf("clone mutation leaked into nested map")
	}
}

func TestValidateSchemaValidEvent(t *testing.T) {
	raw := map[string]any{
		"type":      "agent_started",
		"timestamp": 1700000000.5,
		"event_id":  "evt_1",
	}
	if errs := ValidateSchema(raw, TypeAgentStarted); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestValidateSchemaToolCompletedRequiresResultsKey(t *testing.T) {
	raw := map[string]any{
		"type":      "tool_completed",
		"timestamp": 1700000000.5,
		"event_id":  "evt_1",
		"tool_name": "search",
	}
	errs := ValidateSchema(raw, TypeToolCompleted)
	if len(errs) == 0 {
		t.Fatalf("expected errors for missing results key")
	}
	found := false
	for _, e := range errs {
		if strings.Contains(e, "results") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an error mentioning results, got %v", errs)
	}

	// Null is an acceptable value as long as the key exists.
	raw["results"] = nil
	if errs := ValidateSchema(raw, TypeToolCompleted); len(errs) != 0 {
		t.Fatalf("expected no errors with null results, got %v", errs)
	}
}

func TestValidateSchemaToolEventsRequireToolName(t *testing.T) {
	raw := map[string]any{
		"type":      "tool_executing",
		"timestamp": 1700000000.0,
		"event_id":  "evt_2",
	}
	errs := ValidateSchema(raw, TypeToolExecuting)
	if len(errs) == 0 {
		t.Fatalf("expected errors for missing tool_name")
	}
}

func TestValidateSchemaCollectsAllProblems(t *testing.T) {
	errs := ValidateSchema(map[string]any{}, TypeAgentStarted)
	if len(errs) < 3 {
		t.Fatalf("expected at least 3 errors for empty event, got %v", errs)
	}
}

func TestValidateSchemaTypeMismatch(t *testing.T) {
	raw := map[string]any{
		"type":      "agent_completed",
		"timestamp": 1.0,
		"event_id":  "evt_3",
	}
	errs := ValidateSchema(raw, TypeAgentStarted)
	if len(errs) != 1 || !strings.Contains(errs[0], "mismatch") {
		t.Fatalf("expected a single mismatch error, got %v", errs)
	}
}
