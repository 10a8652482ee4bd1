// ABOUTME: SQLite implementation of the Database interface using modernc.org/sqlite
// ABOUTME: Default backend; creates its schema on open and runs idempotent migrations

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// SQLiteStore implements Database using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
// Parent directories are created if needed. ":memory:" is accepted for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "backend", "sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// each pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS meals (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			description TEXT NOT NULL,
			meal_type   TEXT NOT NULL DEFAULT '',
			calories    INTEGER NOT NULL DEFAULT 0,
			tags_json   TEXT,
			logged_at   TEXT NOT NULL,
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_meals_user_logged ON meals(user_id, logged_at DESC);

		CREATE TABLE IF NOT EXISTS pantry_items (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			name       TEXT NOT NULL,
			quantity   REAL NOT NULL DEFAULT 0,
			unit       TEXT NOT NULL DEFAULT '',
			expires_at TEXT,
			added_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pantry_user ON pantry_items(user_id, name);

		CREATE TABLE IF NOT EXISTS recipes (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			name             TEXT NOT NULL,
			ingredients_json TEXT,
			instructions     TEXT NOT NULL DEFAULT '',
			servings         INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_recipes_user ON recipes(user_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS preferences (
			user_id    TEXT PRIMARY KEY,
			data_json  TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id      TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			action        TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id   TEXT NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			ts            TEXT NOT NULL,
			detail_json   TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id);

		CREATE TABLE IF NOT EXISTS recordings (
			id          TEXT PRIMARY KEY,
			tool        TEXT NOT NULL,
			role        TEXT NOT NULL,
			status      TEXT NOT NULL,
			args_json   TEXT,
			result_json TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_recordings_tool ON recordings(tool, created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies column additions for databases created by older builds.
// These are idempotent.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{"recipes", "tags_json", `ALTER TABLE recipes ADD COLUMN tags_json TEXT`},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Ping checks the connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// encodeJSON marshals v to a nullable TEXT column value.
func encodeJSON(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	str := string(data)
	return &str, nil
}

func decodeJSON(raw *string, v any) error {
	if raw == nil || *raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(*raw), v)
}

// AddMeal inserts a meal, generating ID and timestamps when unset.
func (s *SQLiteStore) AddMeal(ctx context.Context, m *Meal) error {
	prepareMeal(m)
	tags, err := encodeJSON(m.Tags)
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meals (id, user_id, description, meal_type, calories, tags_json, logged_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Description, m.MealType, m.Calories, tags,
		formatTime(m.LoggedAt), formatTime(m.CreatedAt),
	)
	if isConstraintViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting meal: %w", err)
	}
	s.logger.Debug("added meal", "id", m.ID, "user_id", m.UserID)
	return nil
}

const mealColumns = `id, user_id, description, meal_type, calories, tags_json, logged_at, created_at`

func scanMeal(scanner interface{ Scan(dest ...any) error }) (*Meal, error) {
	var m Meal
	var tags *string
	var loggedAt, createdAt string
	if err := scanner.Scan(&m.ID, &m.UserID, &m.Description, &m.MealType, &m.Calories, &tags, &loggedAt, &createdAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(tags, &m.Tags); err != nil {
		return nil, fmt.Errorf("unmarshaling tags: %w", err)
	}
	var err error
	if m.LoggedAt, err = parseTime(loggedAt); err != nil {
		return nil, fmt.Errorf("parsing logged_at: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &m, nil
}

// ListMeals returns the user's most recent meals.
func (s *SQLiteStore) ListMeals(ctx context.Context, userID string, limit int) ([]*Meal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mealColumns+` FROM meals
		WHERE user_id = ?
		ORDER BY logged_at DESC, created_at DESC
		LIMIT ?`, userID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying meals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	meals := []*Meal{}
	for rows.Next() {
		m, err := scanMeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning meal: %w", err)
		}
		meals = append(meals, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating meals: %w", err)
	}
	return meals, nil
}

// GetMeal returns the meal or nil when it does not belong to the user.
func (s *SQLiteStore) GetMeal(ctx context.Context, userID, id string) (*Meal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mealColumns+` FROM meals WHERE user_id = ? AND id = ?`, userID, id)
	m, err := scanMeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying meal: %w", err)
	}
	return m, nil
}

// DeleteMeal removes a meal. Returns ErrNotFound if the user has no such meal.
func (s *SQLiteStore) DeleteMeal(ctx context.Context, userID, id string) error {
	return s.deleteOwned(ctx, "meals", userID, id)
}

func (s *SQLiteStore) deleteOwned(ctx context.Context, table, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("deleting from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddPantryItem inserts a pantry item.
func (s *SQLiteStore) AddPantryItem(ctx context.Context, p *PantryItem) error {
	preparePantryItem(p)
	var expires *string
	if p.ExpiresAt != nil {
		e := formatTime(*p.ExpiresAt)
		expires = &e
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pantry_items (id, user_id, name, quantity, unit, expires_at, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Name, p.Quantity, p.Unit, expires, formatTime(p.AddedAt),
	)
	if isConstraintViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting pantry item: %w", err)
	}
	return nil
}

// ListPantry returns the user's pantry ordered by name.
func (s *SQLiteStore) ListPantry(ctx context.Context, userID string) ([]*PantryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, quantity, unit, expires_at, added_at
		FROM pantry_items WHERE user_id = ?
		ORDER BY name COLLATE NOCASE, added_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying pantry: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := []*PantryItem{}
	for rows.Next() {
		var p PantryItem
		var expires *string
		var addedAt string
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Quantity, &p.Unit, &expires, &addedAt); err != nil {
			return nil, fmt.Errorf("scanning pantry item: %w", err)
		}
		if expires != nil {
			t, err := parseTime(*expires)
			if err != nil {
				return nil, fmt.Errorf("parsing expires_at: %w", err)
			}
			p.ExpiresAt = &t
		}
		if p.AddedAt, err = parseTime(addedAt); err != nil {
			return nil, fmt.Errorf("parsing added_at: %w", err)
		}
		items = append(items, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pantry: %w", err)
	}
	return items, nil
}

// DeletePantryItem removes a pantry item owned by the user.
func (s *SQLiteStore) DeletePantryItem(ctx context.Context, userID, id string) error {
	return s.deleteOwned(ctx, "pantry_items", userID, id)
}

// SaveRecipe inserts or replaces a recipe.
func (s *SQLiteStore) SaveRecipe(ctx context.Context, r *Recipe) error {
	prepareRecipe(r)
	ingredients, err := encodeJSON(r.Ingredients)
	if err != nil {
		return fmt.Errorf("marshaling ingredients: %w", err)
	}
	tags, err := encodeJSON(r.Tags)
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recipes (id, user_id, name, ingredients_json, instructions, servings, tags_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			ingredients_json = excluded.ingredients_json,
			instructions = excluded.instructions,
			servings = excluded.servings,
			tags_json = excluded.tags_json
		WHERE recipes.user_id = excluded.user_id`,
		r.ID, r.UserID, r.Name, ingredients, r.Instructions, r.Servings, tags, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving recipe: %w", err)
	}
	return nil
}

const recipeColumns = `id, user_id, name, ingredients_json, instructions, servings, tags_json, created_at`

func scanRecipe(scanner interface{ Scan(dest ...any) error }) (*Recipe, error) {
	var r Recipe
	var ingredients, tags *string
	var createdAt string
	if err := scanner.Scan(&r.ID, &r.UserID, &r.Name, &ingredients, &r.Instructions, &r.Servings, &tags, &createdAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(ingredients, &r.Ingredients); err != nil {
		return nil, fmt.Errorf("unmarshaling ingredients: %w", err)
	}
	if err := decodeJSON(tags, &r.Tags); err != nil {
		return nil, fmt.Errorf("unmarshaling tags: %w", err)
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &r, nil
}

// ListRecipes returns the user's recipes, newest first.
func (s *SQLiteStore) ListRecipes(ctx context.Context, userID string) ([]*Recipe, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recipeColumns+` FROM recipes WHERE user_id = ?
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying recipes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	recipes := []*Recipe{}
	for rows.Next() {
		r, err := scanRecipe(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning recipe: %w", err)
		}
		recipes = append(recipes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recipes: %w", err)
	}
	return recipes, nil
}

// GetRecipe returns the recipe or nil when absent.
func (s *SQLiteStore) GetRecipe(ctx context.Context, userID, id string) (*Recipe, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recipeColumns+` FROM recipes WHERE user_id = ? AND id = ?`, userID, id)
	r, err := scanRecipe(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying recipe: %w", err)
	}
	return r, nil
}

// GetPreferences returns the user's preferences or nil.
func (s *SQLiteStore) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	var raw, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT data_json, updated_at FROM preferences WHERE user_id = ?`, userID,
	).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying preferences: %w", err)
	}

	p := &Preferences{UserID: userID}
	if err := json.Unmarshal([]byte(raw), &p.Data); err != nil {
		return nil, fmt.Errorf("unmarshaling preferences: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

// SetPreferences replaces the user's preferences.
func (s *SQLiteStore) SetPreferences(ctx context.Context, p *Preferences) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	if p.Data == nil {
		p.Data = map[string]any{}
	}
	data, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("marshaling preferences: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO preferences (user_id, data_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET data_json = excluded.data_json, updated_at = excluded.updated_at`,
		p.UserID, string(data), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving preferences: %w", err)
	}
	return nil
}

// AppendAuditLog appends a new entry to the audit log.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	prepareAuditEntry(e)
	detail, err := encodeJSON(e.Detail)
	if err != nil {
		return fmt.Errorf("marshaling audit detail: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, user_id, action, resource_type, resource_id, reason, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Action, e.ResourceType, e.ResourceID, e.Reason, formatTime(e.Timestamp), detail,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"user_id", e.UserID,
		"action", e.Action,
		"resource", e.ResourceType+"/"+e.ResourceID,
	)
	return nil
}

// ListAuditLog returns audit entries newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var action *string
	if f.Action != nil {
		a := string(*f.Action)
		action = &a
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, user_id, action, resource_type, resource_id, reason, ts, detail_json
		FROM audit_log
		WHERE (? IS NULL OR user_id = ?)
		  AND (? IS NULL OR action = ?)
		ORDER BY ts DESC
		LIMIT ?`,
		f.UserID, f.UserID, action, action, normalizeAuditLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var actionStr, ts string
		var detail *string
		if err := rows.Scan(&e.ID, &e.UserID, &actionStr, &e.ResourceType, &e.ResourceID, &e.Reason, &ts, &detail); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = AuditAction(actionStr)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if err := decodeJSON(detail, &e.Detail); err != nil {
			return nil, fmt.Errorf("unmarshaling detail: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

// SaveRecording stores a sanitized tool-call recording.
func (s *SQLiteStore) SaveRecording(ctx context.Context, r *Recording) error {
	prepareRecording(r)
	args, err := encodeJSON(r.Args)
	if err != nil {
		return fmt.Errorf("marshaling args: %w", err)
	}
	result, err := encodeJSON(r.Result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recordings (id, tool, role, status, args_json, result_json, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Tool, r.Role, r.Status, args, result, r.DurationMS, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting recording: %w", err)
	}
	return nil
}

// ListRecordings returns recordings newest first. An empty tool matches all.
func (s *SQLiteStore) ListRecordings(ctx context.Context, tool string, limit int) ([]Recording, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool, role, status, args_json, result_json, duration_ms, created_at
		FROM recordings
		WHERE (? = '' OR tool = ?)
		ORDER BY created_at DESC
		LIMIT ?`, tool, tool, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying recordings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	recs := []Recording{}
	for rows.Next() {
		var r Recording
		var args, result *string
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Tool, &r.Role, &r.Status, &args, &result, &r.DurationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning recording: %w", err)
		}
		if err := decodeJSON(args, &r.Args); err != nil {
			return nil, fmt.Errorf("unmarshaling args: %w", err)
		}
		if err := decodeJSON(result, &r.Result); err != nil {
			return nil, fmt.Errorf("unmarshaling result: %w", err)
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recordings: %w", err)
	}
	return recs, nil
}

// isConstraintViolation checks if the error is a SQLite constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}
