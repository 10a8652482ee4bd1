// ABOUTME: Tests for audit log filtering, ordering and limits
// ABOUTME: Runs against every available backend

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAuditLog_FillsGeneratedFields(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		ctx := context.Background()

		e := &AuditEntry{UserID: "demo-1", Action: AuditAuthFailed, ResourceType: "auth"}
		before := time.Now().UTC()
		require.NoError(t, db.AppendAuditLog(ctx, e))

		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.Before(before.Add(-time.Second)))

		entries, err := db.ListAuditLog(ctx, AuditFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, e.ID, entries[0].ID)
		assert.Nil(t, entries[0].Detail)
	})
}

func TestListAuditLog_Filters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		seed := []AuditEntry{
			{UserID: "alice", Action: AuditTokenIssued, Timestamp: base},
			{UserID: "demo", Action: AuditWriteDenied, ResourceID: "dev.fcp.nutrition.add_meal", Timestamp: base.Add(time.Minute)},
			{UserID: "demo", Action: AuditWriteDenied, ResourceID: "dev.fcp.pantry.add_item", Timestamp: base.Add(2 * time.Minute)},
			{UserID: "alice", Action: AuditAuthFailed, Timestamp: base.Add(3 * time.Minute)},
		}
		for i := range seed {
			require.NoError(t, db.AppendAuditLog(ctx, &seed[i]))
		}

		user := "demo"
		byUser, err := db.ListAuditLog(ctx, AuditFilter{UserID: &user})
		require.NoError(t, err)
		require.Len(t, byUser, 2)
		assert.Equal(t, "dev.fcp.pantry.add_item", byUser[0].ResourceID, "newest first")
		assert.Equal(t, "dev.fcp.nutrition.add_meal", byUser[1].ResourceID)

		alice := "alice"
		action := AuditAuthFailed
		both, err := db.ListAuditLog(ctx, AuditFilter{UserID: &alice, Action: &action})
		require.NoError(t, err)
		require.Len(t, both, 1)
		assert.Equal(t, AuditAuthFailed, both[0].Action)

		nobody := "nobody"
		none, err := db.ListAuditLog(ctx, AuditFilter{UserID: &nobody})
		require.NoError(t, err)
		assert.Empty(t, none)
		assert.NotNil(t, none)
	})
}

func TestListAuditLog_Limit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

		for i := 0; i < 5; i++ {
			require.NoError(t, db.AppendAuditLog(ctx, &AuditEntry{
				UserID:     "u1",
				Action:     AuditWriteDenied,
				ResourceID: fmt.Sprintf("tool-%d", i),
				Timestamp:  base.Add(time.Duration(i) * time.Second),
			}))
		}

		entries, err := db.ListAuditLog(ctx, AuditFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "tool-4", entries[0].ResourceID)
		assert.Equal(t, "tool-3", entries[1].ResourceID)
	})
}

func TestNormalizeAuditLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 100},
		{-5, 100},
		{50, 50},
		{1000, 1000},
		{5000, 1000},
	}
	for _, tt := range tests {
		if got := normalizeAuditLimit(tt.in); got != tt.want {
			t.Errorf("normalizeAuditLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestValidAuditActions(t *testing.T) {
	seen := map[AuditAction]bool{}
	for _, a := range ValidAuditActions {
		if seen[a] {
			t.Errorf("duplicate action %q", a)
		}
		seen[a] = true
	}
	for _, a := range []AuditAction{AuditWriteDenied, AuditAuthFailed, AuditTokenIssued} {
		if !seen[a] {
			t.Errorf("ValidAuditActions missing %q", a)
		}
	}
}
