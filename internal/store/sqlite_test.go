// ABOUTME: SQLite-specific tests: schema migrations, in-memory mode and file layout
// ABOUTME: Behavior shared with other backends lives in store_test.go

package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore_CreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "fcp.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Ping(context.Background()))
	assert.FileExists(t, path)
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	// a second pooled connection would see an empty database
	require.NoError(t, s.AddMeal(ctx, &Meal{UserID: "u1", Description: "apple"}))
	meals, err := s.ListMeals(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, meals, 1)
}

func TestSQLiteStore_MigratesOldRecipesTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	// recipes table as written by builds that predate tags
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = raw.Exec(`
		CREATE TABLE recipes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			ingredients_json TEXT,
			instructions TEXT NOT NULL DEFAULT '',
			servings INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO recipes (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`,
		"legacy", "u1", "Old Soup", "2025-01-01T00:00:00.000000000Z")
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	legacy, err := s.GetRecipe(ctx, "u1", "legacy")
	require.NoError(t, err)
	require.NotNil(t, legacy)
	assert.Equal(t, "Old Soup", legacy.Name)
	assert.Nil(t, legacy.Tags)

	require.NoError(t, s.SaveRecipe(ctx, &Recipe{UserID: "u1", Name: "New Stew", Tags: []string{"winter"}}))
	recipes, err := s.ListRecipes(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, recipes, 2)
	assert.Equal(t, []string{"winter"}, recipes[0].Tags)
}

func TestSQLiteStore_MigrationsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.runMigrations())
	require.NoError(t, s.runMigrations())
}

func TestSQLiteStore_SaveRecipe_OtherUserCannotOverwrite(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := &Recipe{UserID: "u1", Name: "Pesto"}
	require.NoError(t, s.SaveRecipe(ctx, r))

	require.NoError(t, s.SaveRecipe(ctx, &Recipe{ID: r.ID, UserID: "u2", Name: "Hijacked"}))

	got, err := s.GetRecipe(ctx, "u1", r.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Pesto", got.Name)
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	a, err := time.Parse(time.RFC3339Nano, "2026-01-02T03:04:05.1Z")
	require.NoError(t, err)
	b, err := time.Parse(time.RFC3339Nano, "2026-01-02T03:04:05.01Z")
	require.NoError(t, err)

	if fa, fb := formatTime(a), formatTime(b); !(fb < fa) {
		t.Errorf("expected %q < %q", fb, fa)
	}
	back, err := parseTime(formatTime(a))
	require.NoError(t, err)
	assert.True(t, back.Equal(a))
}
