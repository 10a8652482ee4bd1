// ABOUTME: Tests for tool registration, collision handling and lookup
// ABOUTME: Covers atomic pack registration and short-name ambiguity

package tools

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopHandler(context.Context, Input) (any, error) { return nil, nil }

func newTool(name string) *Tool {
	return &Tool{Name: name, Description: name, Handler: nopHandler}
}

func TestRegistryRegisterPack(t *testing.T) {
	t.Run("registers pack successfully", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		err := reg.RegisterPack(Pack{ID: "nutrition", Tools: []*Tool{
			newTool("dev.fcp.nutrition.add_meal"),
			newTool("dev.fcp.nutrition.get_recent_meals"),
		}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if reg.Len() != 2 {
			t.Errorf("expected 2 tools, got %d", reg.Len())
		}
	})

	t.Run("collision fails and registers nothing", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		require.NoError(t, reg.Register(newTool("dev.fcp.pantry.add_item")))

		err := reg.RegisterPack(Pack{ID: "other", Tools: []*Tool{
			newTool("dev.fcp.other.fresh"),
			newTool("dev.fcp.pantry.add_item"),
		}})
		if !errors.Is(err, ErrToolCollision) {
			t.Fatalf("expected ErrToolCollision, got %v", err)
		}
		if reg.Get("dev.fcp.other.fresh") != nil {
			t.Error("expected pack registration to be all-or-nothing")
		}
	})

	t.Run("duplicate within pack", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		err := reg.RegisterPack(Pack{ID: "dup", Tools: []*Tool{newTool("a.b"), newTool("a.b")}})
		assert.ErrorIs(t, err, ErrToolCollision)
		assert.Equal(t, 0, reg.Len())
	})

	t.Run("invalid tools rejected", func(t *testing.T) {
		reg := NewRegistry(nil)
		assert.Error(t, reg.Register(&Tool{Name: "", Handler: nopHandler}))
		assert.Error(t, reg.Register(&Tool{Name: "x.y"}))
		assert.Error(t, reg.Register(&Tool{Name: "x.", Handler: nopHandler}))
		assert.Error(t, reg.Register(&Tool{Name: "x.y", Handler: nopHandler, InputSchema: []byte("{")}))
		assert.Error(t, reg.Register(nil))
	})
}

func TestRegistryReplaceAndUnregister(t *testing.T) {
	reg := NewRegistry(slog.Default())
	first := newTool("dev.fcp.recipes.list_recipes")
	require.NoError(t, reg.Register(first))

	second := newTool("dev.fcp.recipes.list_recipes")
	second.Description = "v2"
	require.NoError(t, reg.Replace(second))
	assert.Same(t, second, reg.Get("dev.fcp.recipes.list_recipes"))
	assert.Same(t, second, reg.GetByShortName("list_recipes"))
	assert.Equal(t, 1, reg.Len())

	assert.True(t, reg.Unregister("dev.fcp.recipes.list_recipes"))
	assert.False(t, reg.Unregister("dev.fcp.recipes.list_recipes"))
	assert.Nil(t, reg.Get("dev.fcp.recipes.list_recipes"))
	assert.Nil(t, reg.GetByShortName("list_recipes"))

	// the name is free again
	require.NoError(t, reg.Register(first))
}

func TestRegistryShortNames(t *testing.T) {
	reg := NewRegistry(slog.Default())
	require.NoError(t, reg.Register(newTool("dev.fcp.nutrition.get_recent_meals")))

	assert.Equal(t, "dev.fcp.nutrition.get_recent_meals", reg.GetByShortName("get_recent_meals").Name)
	assert.Same(t, reg.Get("dev.fcp.nutrition.get_recent_meals"), reg.Lookup("get_recent_meals"))
	assert.Nil(t, reg.GetByShortName("nutrition"))

	t.Run("ambiguous short name does not resolve", func(t *testing.T) {
		require.NoError(t, reg.Register(newTool("dev.fcp.legacy.get_recent_meals")))
		assert.Nil(t, reg.GetByShortName("get_recent_meals"))
		assert.Nil(t, reg.Lookup("get_recent_meals"))

		// exact names still work
		assert.NotNil(t, reg.Lookup("dev.fcp.legacy.get_recent_meals"))

		reg.Unregister("dev.fcp.legacy.get_recent_meals")
		assert.NotNil(t, reg.GetByShortName("get_recent_meals"))
	})

	t.Run("exact match beats short name", func(t *testing.T) {
		plain := newTool("echo")
		require.NoError(t, reg.Register(plain))
		require.NoError(t, reg.Register(newTool("dev.fcp.debug.echo")))
		assert.Same(t, plain, reg.Lookup("echo"))
	})
}

func TestRegistryListTools(t *testing.T) {
	reg := NewRegistry(slog.Default())
	require.NoError(t, reg.RegisterPack(Pack{ID: "b", Tools: []*Tool{newTool("c.z"), newTool("c.a")}}))
	require.NoError(t, reg.RegisterPack(Pack{ID: "a", Tools: []*Tool{newTool("c.m")}}))

	var names []string
	for _, tool := range reg.ListTools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"c.a", "c.m", "c.z"}, names)

	packs := reg.ListPacks()
	require.Len(t, packs, 2)
	assert.Equal(t, "a", packs[0].ID)
	assert.Equal(t, []string{"c.a", "c.z"}, packs[1].ToolNames)
}

func TestRegistryConcurrentReads(t *testing.T) {
	reg := NewRegistry(slog.Default())
	require.NoError(t, reg.Register(newTool("dev.fcp.x.read")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.Lookup("read")
			_ = reg.ListTools()
		}()
	}
	wg.Wait()
}
