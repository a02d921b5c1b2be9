package event

import "strings"

// Keys matching any of these fragments are stripped from outbound payloads
// before they reach the wire.
var secretKeyFragments = []string{
	"api_key",
	"apikey",
	"access_token",
	"refresh_token",
	"token",
	"secret",
	"password",
	"passwd",
	"authorization",
	"credential",
	"private_key",
}

// Sanitize returns a copy of the event with secret-like fields removed from
// data, results, and metadata. The input event is not mutated.
func Sanitize(e Event) Event {
	out := e.Clone()
	out.Data = stripSecrets(out.Data)
	out.Results = stripSecrets(out.Results)
	out.Metadata = stripSecrets(out.Metadata)
	return out
}

func stripSecrets(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	for k, v := range m {
		if isSecretKey(k) {
			delete(m, k)
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			m[k] = stripSecrets(nested)
		}
	}
	return m
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range secretKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
