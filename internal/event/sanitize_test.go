package event

import "testing"

func TestSanitizeStripsSecretKeys(t *testing.T) {
	ev := New(TypeToolCompleted)
	ev.Data = map[string]any{
		"query":          "weather in oslo",
		"api_key":        "sk-live-123",
		"openai_api_key": "sk-abc",
		"Authorization":  "Bearer xyz",
	}
	ev.Metadata = map[string]any{
		"trace":    "t1",
		"password": "hunter2",
		"nested": map[string]any{
			"refresh_token": "rt-1",
			"kept":          "yes",
		},
	}

	clean := Sanitize(ev)

	if _, ok := clean.Data["api_key"]; ok {
		t.Fatalf("api_key survived sanitization")
	}
	if _, ok := clean.Data["openai_api_key"]; ok {
		t.Fatalf("openai_api_key survived sanitization")
	}
	if _, ok := clean.Data["Authorization"]; ok {
		t.Fatalf("Authorization survived sanitization")
	}
	if clean.Data["query"] != "weather in oslo" {
		t.Fatalf("non-secret data was lost")
	}
	if _, ok := clean.Metadata["password"]; ok {
		t.Fatalf("password survived sanitization")
	}
	nested := clean.Metadata["nested"].(map[string]any)
	if _, ok := nested["refresh_token"]; ok {
		t.Fatalf("nested refresh_token survived sanitization")
	}
	if nested["kept"] != "yes" {
		t.Fatalf("nested non-secret data was lost")
	}
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	ev := New(TypeAgentCompleted)
	ev.Data = map[string]any{"api_key": "sk-1", "kept": true}

	_ = Sanitize(ev)

	if _, ok := ev.Data["api_key"]; !ok {
		t.Fatalf("sanitize mutated the input event")
	}
}

func TestSanitizeNilMaps(t *testing.T) {
	ev := New(TypePing)
	clean := Sanitize(ev)
	if clean.Data != nil || clean.Metadata != nil {
		t.Fatalf("expected nil maps to stay nil")
	}
}
