// ABOUTME: Error taxonomy shared by handlers, the dispatcher and transports
// ABOUTME: PublicError carries text that is safe to show to clients

package tools

import (
	"errors"
	"fmt"
)

// ErrToolCollision indicates a tool name is already registered.
var ErrToolCollision = errors.New("tool name collision")

// ErrorKind classifies a failed dispatch for transports.
type ErrorKind string

const (
	KindUnknownTool      ErrorKind = "unknown_tool"
	KindPermissionDenied ErrorKind = "write_permission_denied"
	KindInvalidInput     ErrorKind = "invalid_input"
	KindNotFound         ErrorKind = "not_found"
	KindUnavailable      ErrorKind = "unavailable"
	KindInternal         ErrorKind = "internal"
)

// PublicError is a handler error whose message may be shown to the client.
type PublicError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PublicError) Error() string { return e.Message }

func (e *PublicError) Unwrap() error { return e.Err }

// InvalidInput reports bad arguments. The message is prefixed with "invalid input: ".
func InvalidInput(format string, args ...any) error {
	return &PublicError{Kind: KindInvalidInput, Message: "invalid input: " + fmt.Sprintf(format, args...)}
}

// NotFound reports a missing user resource.
func NotFound(format string, args ...any) error {
	return &PublicError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Unavailable reports a collaborator that is not configured or not reachable.
func Unavailable(message string, err error) error {
	return &PublicError{Kind: KindUnavailable, Message: message, Err: err}
}

// AsPublic extracts a PublicError from err's chain.
func AsPublic(err error) (*PublicError, bool) {
	var pub *PublicError
	if errors.As(err, &pub) {
		return pub, true
	}
	return nil, false
}
