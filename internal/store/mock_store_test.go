// ABOUTME: Tests for MockStore behavior that the backend-agnostic suite does not cover
// ABOUTME: Copy isolation, injected errors and duplicate detection

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_AddMeal_Duplicate(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	require.NoError(t, m.AddMeal(ctx, &Meal{ID: "meal-1", UserID: "u1", Description: "toast"}))
	err := m.AddMeal(ctx, &Meal{ID: "meal-1", UserID: "u2", Description: "soup"})
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := m.GetMeal(ctx, "u1", "meal-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "toast", got.Description)
}

func TestMockStore_StoresCopies(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	meal := &Meal{UserID: "u1", Description: "oatmeal"}
	require.NoError(t, m.AddMeal(ctx, meal))
	meal.Description = "changed after insert"

	got, err := m.GetMeal(ctx, "u1", meal.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "oatmeal", got.Description)

	got.Description = "changed after read"
	again, err := m.GetMeal(ctx, "u1", meal.ID)
	require.NoError(t, err)
	assert.Equal(t, "oatmeal", again.Description)
}

func TestMockStore_OtherUserCannotSee(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	meal := &Meal{UserID: "u1", Description: "private"}
	require.NoError(t, m.AddMeal(ctx, meal))

	got, err := m.GetMeal(ctx, "u2", meal.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.ErrorIs(t, m.DeleteMeal(ctx, "u2", meal.ID), ErrNotFound)
}

func TestMockStore_SetErr(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	boom := errors.New("boom")

	m.SetErr(boom)
	assert.ErrorIs(t, m.Ping(ctx), boom)
	_, err := m.ListMeals(ctx, "u1", 10)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, m.AppendAuditLog(ctx, &AuditEntry{UserID: "u1", Action: AuditAuthFailed}), boom)

	m.SetErr(nil)
	assert.NoError(t, m.Ping(ctx))
}

func TestMockStore_ListMeals_TieBreaksOnCreatedAt(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	logged := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, m.AddMeal(ctx, &Meal{
		ID: "first", UserID: "u1", LoggedAt: logged, CreatedAt: logged.Add(time.Minute),
	}))
	require.NoError(t, m.AddMeal(ctx, &Meal{
		ID: "second", UserID: "u1", LoggedAt: logged, CreatedAt: logged.Add(2 * time.Minute),
	}))

	meals, err := m.ListMeals(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, meals, 2)
	assert.Equal(t, "second", meals[0].ID)
	assert.Equal(t, "first", meals[1].ID)
}

func TestMockStore_Close(t *testing.T) {
	if err := NewMockStore().Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
