// Package store provides persistent storage for fcp-server.
//
// # Architecture
//
// Database is composed of small interfaces, one per record family:
//
//   - MealStore: logged meals
//   - PantryStore: ingredients on hand
//   - RecipeStore: saved recipes
//   - PreferenceStore: dietary preferences
//   - AuditStore: denied writes, auth failures and token issuance
//   - RecordingStore: sanitized tool-call snapshots
//
// Every user-data call takes a user ID and never returns another user's
// records. Lookups of absent records return nil, nil. Deletes of absent
// records return ErrNotFound.
//
// # Backends
//
// Open picks a backend by name:
//
//   - sqlite (default): SQLiteStore on modernc.org/sqlite, one table per family
//   - postgres: PostgresStore on pgx, JSONB documents keyed by collection
//
// SQLite runs in WAL mode with a busy timeout. The file lives at
// ~/.local/share/fcp/fcp.db unless configured otherwise. ":memory:" works
// for tests.
//
// # Migrations
//
// The SQLite schema is created on open with CREATE TABLE IF NOT EXISTS.
// Columns added after the first release are applied by runMigrations, which
// checks pragma_table_info first so it can run on every start.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	db := store.NewMockStore()
//	db.SetErr(errors.New("down")) // every call now fails
//
// Backend-agnostic tests run against SQLite and the mock, plus Postgres when
// FCP_TEST_DATABASE_URL is set.
package store
