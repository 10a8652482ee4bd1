// ABOUTME: Database interface and record types for per-user food logging data
// ABOUTME: Meals, pantry items, recipes, preferences, audit entries and tool-call recordings

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a delete targets a record that does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert reuses an existing ID.
var ErrDuplicate = errors.New("already exists")

// Meal is a single logged meal.
type Meal struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Description string    `json:"description"`
	MealType    string    `json:"meal_type,omitempty"` // breakfast, lunch, dinner, snack
	Calories    int       `json:"calories,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	LoggedAt    time.Time `json:"logged_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// PantryItem is an ingredient the user has on hand.
type PantryItem struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	Quantity  float64    `json:"quantity,omitempty"`
	Unit      string     `json:"unit,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	AddedAt   time.Time  `json:"added_at"`
}

// Recipe is a saved recipe. Instructions are markdown.
type Recipe struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	Ingredients  []string  `json:"ingredients,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	Servings     int       `json:"servings,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Preferences holds free-form dietary preferences for a user.
type Preferences struct {
	UserID    string         `json:"user_id"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MealStore persists meals. Every call is scoped to a user.
type MealStore interface {
	AddMeal(ctx context.Context, meal *Meal) error
	// ListMeals returns the user's meals, newest first.
	ListMeals(ctx context.Context, userID string, limit int) ([]*Meal, error)
	// GetMeal returns nil, nil when the meal does not exist for the user.
	GetMeal(ctx context.Context, userID, id string) (*Meal, error)
	DeleteMeal(ctx context.Context, userID, id string) error
}

// PantryStore persists pantry items.
type PantryStore interface {
	AddPantryItem(ctx context.Context, item *PantryItem) error
	// ListPantry returns the user's items ordered by name.
	ListPantry(ctx context.Context, userID string) ([]*PantryItem, error)
	DeletePantryItem(ctx context.Context, userID, id string) error
}

// RecipeStore persists recipes.
type RecipeStore interface {
	SaveRecipe(ctx context.Context, recipe *Recipe) error
	ListRecipes(ctx context.Context, userID string) ([]*Recipe, error)
	// GetRecipe returns nil, nil when absent.
	GetRecipe(ctx context.Context, userID, id string) (*Recipe, error)
}

// PreferenceStore persists user preferences.
type PreferenceStore interface {
	// GetPreferences returns nil, nil when the user has none.
	GetPreferences(ctx context.Context, userID string) (*Preferences, error)
	SetPreferences(ctx context.Context, prefs *Preferences) error
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// RecordingStore persists sanitized tool-call recordings.
type RecordingStore interface {
	SaveRecording(ctx context.Context, r *Recording) error
	ListRecordings(ctx context.Context, tool string, limit int) ([]Recording, error)
}

// Database is the full persistence surface handed to tool handlers.
type Database interface {
	MealStore
	PantryStore
	RecipeStore
	PreferenceStore
	AuditStore
	RecordingStore

	Ping(ctx context.Context) error
	Close() error
}

// Open selects a backend by name. SQLite uses path; Postgres uses url.
func Open(ctx context.Context, backend, path, url string) (Database, error) {
	switch backend {
	case "", "sqlite":
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgresStore(ctx, url)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database backend: %s", backend)
	}
}

// normalizeLimit applies a default of 20 and a cap of 500.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 20
	case limit > 500:
		return 500
	default:
		return limit
	}
}

// prepareMeal fills in generated fields shared by every backend.
func prepareMeal(m *Meal) {
	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.LoggedAt.IsZero() {
		m.LoggedAt = m.CreatedAt
	}
}

func preparePantryItem(p *PantryItem) {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.AddedAt.IsZero() {
		p.AddedAt = time.Now().UTC()
	}
}

func prepareRecipe(r *Recipe) {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}
