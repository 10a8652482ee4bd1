// ABOUTME: Audit log and tool-call recording types shared by every backend
// ABOUTME: Records denied writes and sanitized tool invocations for later review

package store

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditWriteDenied AuditAction = "write_denied"
	AuditAuthFailed  AuditAction = "auth_failed"
	AuditTokenIssued AuditAction = "token_issued"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditWriteDenied,
	AuditAuthFailed,
	AuditTokenIssued,
}

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID           string
	UserID       string      // identity that attempted the action
	Action       AuditAction // what happened
	ResourceType string      // tool category, or "tool"
	ResourceID   string      // tool name or record id
	Reason       string
	Timestamp    time.Time
	Detail       map[string]any
}

// AuditFilter narrows ListAuditLog results.
type AuditFilter struct {
	UserID *string
	Action *AuditAction
	Limit  int // default 100, max 1000
}

// Recording is a sanitized snapshot of one tool call.
type Recording struct {
	ID         string
	Tool       string
	Role       string
	Status     string
	Args       map[string]any
	Result     any
	DurationMS int64
	CreatedAt  time.Time
}

func newID() string {
	return uuid.New().String()
}

func prepareAuditEntry(e *AuditEntry) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

func prepareRecording(r *Recording) {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
