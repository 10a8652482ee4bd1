// ABOUTME: PostgreSQL implementation of the Database interface using a pgx connection pool
// ABOUTME: User records live as JSONB documents keyed by collection; audit and recordings get tables

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	collectionMeals       = "meals"
	collectionPantry      = "pantry"
	collectionRecipes     = "recipes"
	collectionPreferences = "preferences"
)

// PostgresStore implements Database on PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to databaseURL, verifies connectivity and creates the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store", "backend", "postgres")

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS fcp_documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			sort_key   TIMESTAMPTZ NOT NULL,
			data       JSONB NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fcp_documents_user
			ON fcp_documents (collection, user_id, sort_key DESC)`,
		`CREATE TABLE IF NOT EXISTS fcp_audit_log (
			audit_id      TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			action        TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id   TEXT NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			ts            TIMESTAMPTZ NOT NULL,
			detail        JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fcp_audit_ts ON fcp_audit_log (ts DESC)`,
		`CREATE TABLE IF NOT EXISTS fcp_recordings (
			id          TEXT PRIMARY KEY,
			tool        TEXT NOT NULL,
			role        TEXT NOT NULL,
			status      TEXT NOT NULL,
			args        JSONB,
			result      JSONB,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fcp_recordings_tool ON fcp_recordings (tool, created_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks the pool.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// insertDoc adds a new document, failing with ErrDuplicate on ID reuse.
func (s *PostgresStore) insertDoc(ctx context.Context, collection, userID, id string, sortKey time.Time, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s document: %w", collection, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO fcp_documents (collection, id, user_id, sort_key, data) VALUES ($1, $2, $3, $4, $5)`,
		collection, id, userID, sortKey, data)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting %s document: %w", collection, err)
	}
	return nil
}

// upsertDoc replaces a document owned by the same user.
func (s *PostgresStore) upsertDoc(ctx context.Context, collection, userID, id string, sortKey time.Time, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s document: %w", collection, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fcp_documents (collection, id, user_id, sort_key, data) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, sort_key = EXCLUDED.sort_key
		WHERE fcp_documents.user_id = EXCLUDED.user_id`,
		collection, id, userID, sortKey, data)
	if err != nil {
		return fmt.Errorf("saving %s document: %w", collection, err)
	}
	return nil
}

// getDoc decodes a document into v. Returns false when absent.
func (s *PostgresStore) getDoc(ctx context.Context, collection, userID, id string, v any) (bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM fcp_documents WHERE collection = $1 AND user_id = $2 AND id = $3`,
		collection, userID, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying %s document: %w", collection, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("unmarshaling %s document: %w", collection, err)
	}
	return true, nil
}

func (s *PostgresStore) deleteDoc(ctx context.Context, collection, userID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM fcp_documents WHERE collection = $1 AND user_id = $2 AND id = $3`,
		collection, userID, id)
	if err != nil {
		return fmt.Errorf("deleting %s document: %w", collection, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// listDocs decodes every document in a collection for a user.
// orderBy is a trusted constant, never user input.
func listDocs[T any](ctx context.Context, s *PostgresStore, collection, userID, orderBy string, limit int) ([]*T, error) {
	query := `SELECT data FROM fcp_documents WHERE collection = $1 AND user_id = $2 ORDER BY ` + orderBy
	args := []any{collection, userID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}
	defer rows.Close()

	out := []*T{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning %s document: %w", collection, err)
		}
		v := new(T)
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("unmarshaling %s document: %w", collection, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", collection, err)
	}
	return out, nil
}

// AddMeal inserts a meal document.
func (s *PostgresStore) AddMeal(ctx context.Context, m *Meal) error {
	prepareMeal(m)
	return s.insertDoc(ctx, collectionMeals, m.UserID, m.ID, m.LoggedAt, m)
}

// ListMeals returns the user's meals, newest first.
func (s *PostgresStore) ListMeals(ctx context.Context, userID string, limit int) ([]*Meal, error) {
	return listDocs[Meal](ctx, s, collectionMeals, userID, "sort_key DESC", normalizeLimit(limit))
}

// GetMeal returns the meal or nil.
func (s *PostgresStore) GetMeal(ctx context.Context, userID, id string) (*Meal, error) {
	var m Meal
	ok, err := s.getDoc(ctx, collectionMeals, userID, id, &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

// DeleteMeal removes a meal owned by the user.
func (s *PostgresStore) DeleteMeal(ctx context.Context, userID, id string) error {
	return s.deleteDoc(ctx, collectionMeals, userID, id)
}

// AddPantryItem inserts a pantry document.
func (s *PostgresStore) AddPantryItem(ctx context.Context, p *PantryItem) error {
	preparePantryItem(p)
	return s.insertDoc(ctx, collectionPantry, p.UserID, p.ID, p.AddedAt, p)
}

// ListPantry returns the user's pantry ordered by name.
func (s *PostgresStore) ListPantry(ctx context.Context, userID string) ([]*PantryItem, error) {
	return listDocs[PantryItem](ctx, s, collectionPantry, userID, "lower(data->>'name'), sort_key", 0)
}

// DeletePantryItem removes a pantry item owned by the user.
func (s *PostgresStore) DeletePantryItem(ctx context.Context, userID, id string) error {
	return s.deleteDoc(ctx, collectionPantry, userID, id)
}

// SaveRecipe inserts or replaces a recipe.
func (s *PostgresStore) SaveRecipe(ctx context.Context, r *Recipe) error {
	prepareRecipe(r)
	return s.upsertDoc(ctx, collectionRecipes, r.UserID, r.ID, r.CreatedAt, r)
}

// ListRecipes returns the user's recipes, newest first.
func (s *PostgresStore) ListRecipes(ctx context.Context, userID string) ([]*Recipe, error) {
	return listDocs[Recipe](ctx, s, collectionRecipes, userID, "sort_key DESC", 0)
}

// GetRecipe returns the recipe or nil.
func (s *PostgresStore) GetRecipe(ctx context.Context, userID, id string) (*Recipe, error) {
	var r Recipe
	ok, err := s.getDoc(ctx, collectionRecipes, userID, id, &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

// GetPreferences returns the user's preferences or nil.
func (s *PostgresStore) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	var p Preferences
	ok, err := s.getDoc(ctx, collectionPreferences, userID, userID, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

// SetPreferences replaces the user's preferences.
func (s *PostgresStore) SetPreferences(ctx context.Context, p *Preferences) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	if p.Data == nil {
		p.Data = map[string]any{}
	}
	return s.upsertDoc(ctx, collectionPreferences, p.UserID, p.UserID, p.UpdatedAt, p)
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// AppendAuditLog appends a new entry to the audit log.
func (s *PostgresStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	prepareAuditEntry(e)
	var detail []byte
	if e.Detail != nil {
		var err error
		if detail, err = json.Marshal(e.Detail); err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO fcp_audit_log (audit_id, user_id, action, resource_type, resource_id, reason, ts, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.UserID, string(e.Action), e.ResourceType, e.ResourceID, e.Reason, e.Timestamp, detail)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAuditLog returns audit entries newest first.
func (s *PostgresStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var action *string
	if f.Action != nil {
		a := string(*f.Action)
		action = &a
	}

	rows, err := s.pool.Query(ctx, `
		SELECT audit_id, user_id, action, resource_type, resource_id, reason, ts, detail
		FROM fcp_audit_log
		WHERE ($1::text IS NULL OR user_id = $1)
		  AND ($2::text IS NULL OR action = $2)
		ORDER BY ts DESC
		LIMIT $3`,
		f.UserID, action, normalizeAuditLimit(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var actionStr string
		var detail []byte
		if err := rows.Scan(&e.ID, &e.UserID, &actionStr, &e.ResourceType, &e.ResourceID, &e.Reason, &e.Timestamp, &detail); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = AuditAction(actionStr)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

// SaveRecording stores a sanitized tool-call recording.
func (s *PostgresStore) SaveRecording(ctx context.Context, r *Recording) error {
	prepareRecording(r)
	args, err := marshalNullable(r.Args)
	if err != nil {
		return fmt.Errorf("marshaling args: %w", err)
	}
	result, err := marshalNullable(r.Result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO fcp_recordings (id, tool, role, status, args, result, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.Tool, r.Role, r.Status, args, result, r.DurationMS, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting recording: %w", err)
	}
	return nil
}

// ListRecordings returns recordings newest first. An empty tool matches all.
func (s *PostgresStore) ListRecordings(ctx context.Context, tool string, limit int) ([]Recording, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tool, role, status, args, result, duration_ms, created_at
		FROM fcp_recordings
		WHERE ($1 = '' OR tool = $1)
		ORDER BY created_at DESC
		LIMIT $2`, tool, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying recordings: %w", err)
	}
	defer rows.Close()

	recs := []Recording{}
	for rows.Next() {
		var r Recording
		var args, result []byte
		if err := rows.Scan(&r.ID, &r.Tool, &r.Role, &r.Status, &args, &result, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning recording: %w", err)
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &r.Args); err != nil {
				return nil, fmt.Errorf("unmarshaling args: %w", err)
			}
		}
		if len(result) > 0 {
			if err := json.Unmarshal(result, &r.Result); err != nil {
				return nil, fmt.Errorf("unmarshaling result: %w", err)
			}
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recordings: %w", err)
	}
	return recs, nil
}
