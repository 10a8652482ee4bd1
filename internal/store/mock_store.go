// ABOUTME: In-memory Database implementation for tests
// ABOUTME: Mirrors the SQLite ordering rules without touching disk

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Database implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	meals       map[string]*Meal       // keyed by meal ID
	pantry      map[string]*PantryItem // keyed by item ID
	recipes     map[string]*Recipe     // keyed by recipe ID
	preferences map[string]*Preferences
	audit       []AuditEntry
	recordings  []Recording

	// Err, when set, is returned by every call.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		meals:       make(map[string]*Meal),
		pantry:      make(map[string]*PantryItem),
		recipes:     make(map[string]*Recipe),
		preferences: make(map[string]*Preferences),
	}
}

var _ Database = (*MockStore)(nil)

// SetErr sets Err under the lock, for tests that flip it while serving.
func (m *MockStore) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// AddMeal stores a copy of the meal.
func (m *MockStore) AddMeal(ctx context.Context, meal *Meal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	prepareMeal(meal)
	if _, ok := m.meals[meal.ID]; ok {
		return ErrDuplicate
	}
	c := *meal
	m.meals[c.ID] = &c
	return nil
}

// ListMeals returns the user's meals, newest first.
func (m *MockStore) ListMeals(ctx context.Context, userID string, limit int) ([]*Meal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	out := []*Meal{}
	for _, meal := range m.meals {
		if meal.UserID == userID {
			c := *meal
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LoggedAt.Equal(out[j].LoggedAt) {
			return out[i].LoggedAt.After(out[j].LoggedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetMeal returns a copy of the meal or nil.
func (m *MockStore) GetMeal(ctx context.Context, userID, id string) (*Meal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	meal, ok := m.meals[id]
	if !ok || meal.UserID != userID {
		return nil, nil
	}
	c := *meal
	return &c, nil
}

// DeleteMeal removes the meal or returns ErrNotFound.
func (m *MockStore) DeleteMeal(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	meal, ok := m.meals[id]
	if !ok || meal.UserID != userID {
		return ErrNotFound
	}
	delete(m.meals, id)
	return nil
}

// AddPantryItem stores a copy of the item.
func (m *MockStore) AddPantryItem(ctx context.Context, item *PantryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	preparePantryItem(item)
	if _, ok := m.pantry[item.ID]; ok {
		return ErrDuplicate
	}
	c := *item
	m.pantry[c.ID] = &c
	return nil
}

// ListPantry returns the user's pantry ordered by name.
func (m *MockStore) ListPantry(ctx context.Context, userID string) ([]*PantryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	out := []*PantryItem{}
	for _, item := range m.pantry {
		if item.UserID == userID {
			c := *item
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out, nil
}

// DeletePantryItem removes the item or returns ErrNotFound.
func (m *MockStore) DeletePantryItem(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	item, ok := m.pantry[id]
	if !ok || item.UserID != userID {
		return ErrNotFound
	}
	delete(m.pantry, id)
	return nil
}

// SaveRecipe inserts or replaces a recipe owned by the same user.
func (m *MockStore) SaveRecipe(ctx context.Context, r *Recipe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	prepareRecipe(r)
	if existing, ok := m.recipes[r.ID]; ok && existing.UserID != r.UserID {
		return nil
	}
	c := *r
	m.recipes[c.ID] = &c
	return nil
}

// ListRecipes returns the user's recipes, newest first.
func (m *MockStore) ListRecipes(ctx context.Context, userID string) ([]*Recipe, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	out := []*Recipe{}
	for _, r := range m.recipes {
		if r.UserID == userID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetRecipe returns a copy of the recipe or nil.
func (m *MockStore) GetRecipe(ctx context.Context, userID, id string) (*Recipe, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	r, ok := m.recipes[id]
	if !ok || r.UserID != userID {
		return nil, nil
	}
	c := *r
	return &c, nil
}

// GetPreferences returns a copy of the user's preferences or nil.
func (m *MockStore) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	p, ok := m.preferences[userID]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

// SetPreferences replaces the user's preferences.
func (m *MockStore) SetPreferences(ctx context.Context, p *Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	c := *p
	m.preferences[c.UserID] = &c
	return nil
}

// AppendAuditLog records an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	prepareAuditEntry(e)
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching entries newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	out := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if f.UserID != nil && e.UserID != *f.UserID {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		out = append(out, e)
		if len(out) == normalizeAuditLimit(f.Limit) {
			break
		}
	}
	return out, nil
}

// SaveRecording records a tool call.
func (m *MockStore) SaveRecording(ctx context.Context, r *Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	prepareRecording(r)
	m.recordings = append(m.recordings, *r)
	return nil
}

// ListRecordings returns recordings newest first.
func (m *MockStore) ListRecordings(ctx context.Context, tool string, limit int) ([]Recording, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	out := []Recording{}
	for i := len(m.recordings) - 1; i >= 0; i-- {
		r := m.recordings[i]
		if tool != "" && r.Tool != tool {
			continue
		}
		out = append(out, r)
		if len(out) == normalizeLimit(limit) {
			break
		}
	}
	return out, nil
}

// Ping always succeeds unless Err is set.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Err
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
