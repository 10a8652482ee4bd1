// ABOUTME: Tests for the write gate: allow, deny, audit entry contents and metric
// ABOUTME: Audit failures must not turn a denial into an allow

package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcp-dev/fcp-server/internal/store"
)

func TestWriteGate_AllowsAuthenticated(t *testing.T) {
	audit := store.NewMockStore()
	gate := NewWriteGate(audit, nil, nil)

	err := gate.Check(context.Background(), AuthenticatedIdentity("u1"), Resource{Type: "nutrition", ID: "dev.fcp.nutrition.add_meal"})
	require.NoError(t, err)

	entries, err := audit.ListAuditLog(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteGate_DeniesDemo(t *testing.T) {
	audit := store.NewMockStore()
	metrics, reader := newMetrics(t)
	gate := NewWriteGate(audit, metrics, nil)

	err := gate.Check(context.Background(), DemoIdentity("demo-1"), Resource{Type: "pantry", ID: "dev.fcp.pantry.add_item"})
	require.ErrorIs(t, err, ErrWritePermissionDenied)
	assert.Equal(t, CodeWritePermissionDenied, err.Error())

	entries, err := audit.ListAuditLog(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditWriteDenied, entries[0].Action)
	assert.Equal(t, "demo-1", entries[0].UserID)
	assert.Equal(t, "pantry", entries[0].ResourceType)
	assert.Equal(t, "dev.fcp.pantry.add_item", entries[0].ResourceID)
	assert.NotEmpty(t, entries[0].Reason)

	assert.Equal(t, int64(1), counterValue(t, reader, "fcp.auth.write_denied"))
}

func TestWriteGate_AuditFailureStillDenies(t *testing.T) {
	audit := store.NewMockStore()
	audit.Err = errors.New("disk full")
	gate := NewWriteGate(audit, nil, nil)

	err := gate.Check(context.Background(), DemoIdentity("demo-1"), Resource{Type: "tool", ID: "x"})
	assert.ErrorIs(t, err, ErrWritePermissionDenied)
}

func TestWriteGate_NilAudit(t *testing.T) {
	gate := NewWriteGate(nil, nil, nil)
	err := gate.Check(context.Background(), DemoIdentity("d"), Resource{Type: "tool", ID: "x"})
	assert.ErrorIs(t, err, ErrWritePermissionDenied)
}
