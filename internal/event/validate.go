package event

import (
	"fmt"
	"strings"
)

// ValidateSchema checks a decoded wire event against the envelope contract.
// It collects problems instead of failing on the first one and never panics;
// an empty slice means the event is valid.
func ValidateSchema(raw map[string]any, expected Type) []string {
	var errs []string
	if raw == nil {
		return []string{"event is nil"}
	}

	gotType, ok := stringField(raw, "type")
	if !ok || strings.TrimSpace(gotType) == "" {
		errs = append(errs, "type is required")
	} else if expected != "" && Type(gotType) != expected {
		errs = append(errs, fmt.Sprintf("type mismatch: expected %q, got %q", expected, gotType))
	}

	if !numericField(raw, "timestamp") {
		errs = append(errs, "timestamp is required and must be numeric")
	}

	if id, ok := stringField(raw, "event_id"); !ok || strings.TrimSpace(id) == "" {
		errs = append(errs, "event_id is required")
	}

	switch Type(gotType) {
	case TypeToolExecuting, TypeToolCompleted:
		if name, ok := stringField(raw, "tool_name"); !ok || strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Sprintf("tool_name is required for %s", gotType))
		}
	}

	if Type(gotType) == TypeToolCompleted {
		// The key must exist even when the value is null.
		if _, present := raw["results"]; !present {
			errs = append(errs, "results key is required for tool_completed (null is allowed)")
		}
	}

	return errs
}

func stringField(raw map[string]any, key string) (string, bool) {
	v, ok := raw[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func numericField(raw map[string]any, key string) bool {
	v, ok := raw[key]
	if !ok {
		return false
	}
	switch v.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return true
	default:
		return false
	}
}
