// ABOUTME: Recursive redaction of sensitive fields before anything is recorded or published
// ABOUTME: Walks nested maps and slices; the input is never modified

package observe

import (
	"encoding/json"
	"strings"
)

// Redacted replaces the value of every sensitive key.
const Redacted = "[REDACTED]"

var sensitiveKeys = map[string]bool{
	"user_id":       true,
	"email":         true,
	"phone":         true,
	"address":       true,
	"name":          true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"password":      true,
	"secret":        true,
	"authorization": true,
}

// IsSensitive reports whether key is redacted. Matching ignores case.
func IsSensitive(key string) bool {
	return sensitiveKeys[strings.ToLower(key)]
}

// Sanitize returns a deep copy of v with sensitive keys redacted at any depth.
// Values that are not maps or slices of generic JSON are normalized through
// JSON first so struct results are covered too.
func Sanitize(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if IsSensitive(k) {
				out[k] = Redacted
				continue
			}
			out[k] = Sanitize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Sanitize(val)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if IsSensitive(k) {
				out[k] = Redacted
				continue
			}
			out[k] = val
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	default:
		generic, ok := toGeneric(v)
		if !ok {
			return Redacted
		}
		return Sanitize(generic)
	}
}

// SanitizeArgs is Sanitize for argument maps.
func SanitizeArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	return Sanitize(args).(map[string]any)
}

// toGeneric round-trips v through JSON into maps and slices.
func toGeneric(v any) (any, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	return out, true
}
