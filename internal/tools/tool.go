// ABOUTME: Tool metadata, handler signature and the input passed to handlers
// ABOUTME: Tools declare write access, user-id injection and collaborator needs up front

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fcp-dev/fcp-server/internal/deps"
)

// Handler executes a tool. The returned value must be JSON-serializable.
type Handler func(ctx context.Context, in Input) (any, error)

// Tool describes one registered capability.
type Tool struct {
	// Name is globally unique, dotted by convention (dev.fcp.nutrition.add_meal).
	Name        string
	Description string
	// InputSchema is a JSON Schema object. Empty means {"type":"object"}.
	InputSchema json.RawMessage
	Handler     Handler

	RequiresWrite bool
	// InjectUserID makes the dispatcher set user_id from the caller's identity.
	InjectUserID bool
	Category     string
	Needs        deps.Need
	// ExposeErrors lets raw handler error text reach the client.
	ExposeErrors bool
}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// ShortName returns the last dotted segment of the name.
func (t *Tool) ShortName() string {
	return ShortName(t.Name)
}

// Schema returns the input schema, defaulting to an empty object schema.
func (t *Tool) Schema() json.RawMessage {
	if len(t.InputSchema) == 0 {
		return emptySchema
	}
	return t.InputSchema
}

// ShortName returns the segment after the last dot.
func ShortName(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func (t *Tool) validate() error {
	if t == nil {
		return fmt.Errorf("tool is nil")
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if strings.HasSuffix(t.Name, ".") {
		return fmt.Errorf("tool %q: name must not end with a dot", t.Name)
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", t.Name)
	}
	if len(t.InputSchema) > 0 && !json.Valid(t.InputSchema) {
		return fmt.Errorf("tool %q: input schema is not valid JSON", t.Name)
	}
	return nil
}

// Pack is a group of tools exported by one handler-defining package.
type Pack struct {
	ID    string
	Tools []*Tool
}

// Input is what a handler receives.
type Input struct {
	// Args are the call arguments. user_id is present only for tools with InjectUserID.
	Args map[string]any
	// UserID is the caller's identity, set only for tools with InjectUserID.
	UserID string
	// Deps holds only the collaborators the tool declared in Needs.
	Deps *deps.Container
}

// Decode converts Args into v through JSON. Failures are invalid-input errors.
func (in Input) Decode(v any) error {
	data, err := json.Marshal(in.Args)
	if err != nil {
		return InvalidInput("arguments are not serializable")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return InvalidInput("%s", describeDecodeError(err))
	}
	return nil
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Sprintf("field %q must be %s", typeErr.Field, typeErr.Type.String())
	}
	return "arguments do not match the input schema"
}

// String returns a string argument or "".
func (in Input) String(key string) string {
	s, _ := in.Args[key].(string)
	return s
}

// RequireString returns a non-empty string argument or an invalid-input error.
func (in Input) RequireString(key string) (string, error) {
	s := strings.TrimSpace(in.String(key))
	if s == "" {
		return "", InvalidInput("%s is required", key)
	}
	return s, nil
}

// Int returns a numeric argument or def. JSON numbers arrive as float64.
func (in Input) Int(key string, def int) int {
	switch v := in.Args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// Bool returns a boolean argument or false.
func (in Input) Bool(key string) bool {
	b, _ := in.Args[key].(bool)
	return b
}
