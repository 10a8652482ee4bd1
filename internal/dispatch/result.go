// ABOUTME: Transport-agnostic envelope returned by every dispatch
// ABOUTME: Serializes as {"status":"success","result":...} or {"status":"error","error":...}

package dispatch

import (
	"encoding/json"

	"github.com/fcp-dev/fcp-server/internal/tools"
)

// Status is the outcome of a dispatch.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// GenericFailureMessage is what clients see when a handler error is not public.
const GenericFailureMessage = "tool execution failed"

// Result is the outcome of one dispatch. It is never persisted.
type Result struct {
	Status Status
	Result any
	// Error is present iff Status is StatusError.
	Error string
	// Message is optional human guidance accompanying Error.
	Message string

	// Kind classifies errors for transports. Not serialized.
	Kind tools.ErrorKind
	// Tool is the resolved full tool name, empty for unknown tools.
	Tool string
	// Args are the arguments handed to the handler after user_id injection.
	// Not serialized. Nil when the call was rejected before that point.
	Args map[string]any
}

// OK reports whether the dispatch succeeded.
func (r *Result) OK() bool { return r.Status == StatusSuccess }

func success(tool string, v any) *Result {
	return &Result{Status: StatusSuccess, Result: v, Tool: tool}
}

func failure(tool string, kind tools.ErrorKind, msg string) *Result {
	return &Result{Status: StatusError, Error: msg, Kind: kind, Tool: tool}
}

type successEnvelope struct {
	Status Status `json:"status"`
	Result any    `json:"result"`
}

type errorEnvelope struct {
	Status  Status `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// MarshalJSON emits only the fields that belong to the status.
func (r *Result) MarshalJSON() ([]byte, error) {
	if r.Status == StatusSuccess {
		return json.Marshal(successEnvelope{Status: r.Status, Result: r.Result})
	}
	return json.Marshal(errorEnvelope{Status: StatusError, Error: r.Error, Message: r.Message})
}
