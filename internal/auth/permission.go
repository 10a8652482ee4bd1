// ABOUTME: Write permission gate applied before any write tool runs
// ABOUTME: Denials are audited, counted, and surfaced as write_permission_denied

package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fcp-dev/fcp-server/internal/store"
	"github.com/fcp-dev/fcp-server/internal/telemetry"
)

// CodeWritePermissionDenied is the error code clients see on a denied write.
const CodeWritePermissionDenied = "write_permission_denied"

// WriteDeniedMessage is the human-readable explanation sent with the code.
const WriteDeniedMessage = "Write operations require authentication. Demo users have read-only access."

// ErrWritePermissionDenied is returned by WriteGate.Check for demo identities.
var ErrWritePermissionDenied = errors.New(CodeWritePermissionDenied)

// AuditLogger is the slice of the store the gate writes to.
type AuditLogger interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Resource names what a write would have touched.
type Resource struct {
	Type string
	ID   string
}

// WriteGate enforces CanWrite for write operations.
type WriteGate struct {
	audit   AuditLogger
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewWriteGate creates a gate. audit and metrics may be nil.
func NewWriteGate(audit AuditLogger, metrics *telemetry.Metrics, logger *slog.Logger) *WriteGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &WriteGate{
		audit:   audit,
		metrics: metrics,
		logger:  logger.With("component", "permission"),
	}
}

// Check returns nil when id may write, and ErrWritePermissionDenied otherwise.
// A failing audit write is logged and does not change the outcome.
func (g *WriteGate) Check(ctx context.Context, id Identity, res Resource) error {
	if id.CanWrite() {
		return nil
	}

	g.logger.Info("write denied",
		"user_id", id.UserID,
		"resource_type", res.Type,
		"resource_id", res.ID,
	)
	g.metrics.RecordWriteDenied(ctx, res.ID)

	if g.audit != nil {
		entry := &store.AuditEntry{
			UserID:       id.UserID,
			Action:       store.AuditWriteDenied,
			ResourceType: res.Type,
			ResourceID:   res.ID,
			Reason:       "demo identity cannot write",
		}
		if err := g.audit.AppendAuditLog(context.WithoutCancel(ctx), entry); err != nil {
			g.logger.Error("failed to audit write denial", "error", err)
		}
	}
	return ErrWritePermissionDenied
}
