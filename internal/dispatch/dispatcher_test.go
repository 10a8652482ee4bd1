// ABOUTME: Tests for dispatch semantics: lookup, write gate, identity injection and error containment
// ABOUTME: Uses call-count spies and an in-memory store for the audit trail

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcp-dev/fcp-server/internal/ai"
	"github.com/fcp-dev/fcp-server/internal/auth"
	"github.com/fcp-dev/fcp-server/internal/deps"
	"github.com/fcp-dev/fcp-server/internal/store"
	"github.com/fcp-dev/fcp-server/internal/tools"
)

var (
	demo = auth.DemoIdentity("demo-1")
	user = auth.AuthenticatedIdentity("u1")
)

type spy struct {
	calls atomic.Int32
	last  tools.Input
	fn    func(tools.Input) (any, error)
}

func (s *spy) handle(_ context.Context, in tools.Input) (any, error) {
	s.calls.Add(1)
	s.last = in
	if s.fn != nil {
		return s.fn(in)
	}
	return map[string]any{"ok": true}, nil
}

type fixture struct {
	reg  *tools.Registry
	db   *store.MockStore
	deps *deps.Resolver
	disp *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := store.NewMockStore()
	reg := tools.NewRegistry(slog.Default())
	resolver := deps.Static(&deps.Container{Database: db})
	return &fixture{
		reg:  reg,
		db:   db,
		deps: resolver,
		disp: New(Config{
			Registry: reg,
			Deps:     resolver,
			Gate:     auth.NewWriteGate(db, nil, slog.Default()),
		}),
	}
}

func (f *fixture) register(t *testing.T, tool *tools.Tool) {
	t.Helper()
	require.NoError(t, f.reg.Register(tool))
}

func TestDispatch_UnknownTool(t *testing.T) {
	f := newFixture(t)
	names := []string{"nope", "dev.fcp.missing.tool", "", "名前"}

	for _, name := range names {
		for _, id := range []auth.Identity{demo, user, {}} {
			res, err := f.disp.Dispatch(context.Background(), name, map[string]any{}, id)
			require.NoError(t, err)
			assert.Equal(t, StatusError, res.Status)
			assert.Contains(t, res.Error, name)
			assert.Equal(t, "Unknown tool: "+name, res.Error)
			assert.Equal(t, tools.KindUnknownTool, res.Kind)
		}
	}
}

func TestDispatch_WriteGate(t *testing.T) {
	f := newFixture(t)
	s := &spy{}
	f.register(t, &tools.Tool{
		Name:          "dev.fcp.nutrition.add_meal",
		Handler:       s.handle,
		RequiresWrite: true,
		InjectUserID:  true,
		Category:      "nutrition",
	})
	args := map[string]any{"description": "oatmeal"}

	t.Run("demo is denied without invoking handler", func(t *testing.T) {
		for _, id := range []auth.Identity{demo, {}, {UserID: "x", Role: "guest"}} {
			res, err := f.disp.Dispatch(context.Background(), "dev.fcp.nutrition.add_meal", args, id)
			require.NoError(t, err)
			assert.Equal(t, StatusError, res.Status)
			assert.Equal(t, "write_permission_denied", res.Error)
			assert.Equal(t, auth.WriteDeniedMessage, res.Message)
			assert.Equal(t, tools.KindPermissionDenied, res.Kind)
		}
		assert.Equal(t, int32(0), s.calls.Load())

		entries, err := f.db.ListAuditLog(context.Background(), store.AuditFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, store.AuditWriteDenied, entries[0].Action)
		assert.Equal(t, "nutrition", entries[0].ResourceType)
		assert.Equal(t, "dev.fcp.nutrition.add_meal", entries[0].ResourceID)
	})

	t.Run("short name is gated too", func(t *testing.T) {
		res, err := f.disp.Dispatch(context.Background(), "add_meal", args, demo)
		require.NoError(t, err)
		assert.Equal(t, "write_permission_denied", res.Error)
		assert.Equal(t, int32(0), s.calls.Load())
	})

	t.Run("authenticated invokes handler once", func(t *testing.T) {
		res, err := f.disp.Dispatch(context.Background(), "dev.fcp.nutrition.add_meal", args, user)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, map[string]any{"ok": true}, res.Result)
		assert.Equal(t, int32(1), s.calls.Load())
	})
}

func TestDispatch_ReadToolAllowsDemo(t *testing.T) {
	f := newFixture(t)
	s := &spy{}
	f.register(t, &tools.Tool{Name: "dev.fcp.nutrition.get_recent_meals", Handler: s.handle})

	res, err := f.disp.Dispatch(context.Background(), "dev.fcp.nutrition.get_recent_meals", nil, demo)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestDispatch_IdentityOverridesUserID(t *testing.T) {
	f := newFixture(t)
	s := &spy{}
	f.register(t, &tools.Tool{Name: "dev.fcp.profile.get_preferences", Handler: s.handle, InjectUserID: true})

	args := map[string]any{"user_id": "attacker", "k": "v"}
	res, err := f.disp.Dispatch(context.Background(), "dev.fcp.profile.get_preferences", args, user)
	require.NoError(t, err)
	require.True(t, res.OK())

	assert.Equal(t, "u1", s.last.Args["user_id"])
	assert.Equal(t, "u1", s.last.UserID)
	assert.Equal(t, "v", s.last.Args["k"])
	// caller's map is untouched
	assert.Equal(t, "attacker", args["user_id"])
}

func TestDispatch_UserIDStrippedWhenNotInjected(t *testing.T) {
	f := newFixture(t)
	s := &spy{}
	f.register(t, &tools.Tool{Name: "dev.fcp.research.grounded_search", Handler: s.handle})

	_, err := f.disp.Dispatch(context.Background(), "grounded_search", map[string]any{"user_id": "someone", "query": "q"}, user)
	require.NoError(t, err)
	_, present := s.last.Args["user_id"]
	assert.False(t, present)
	assert.Empty(t, s.last.UserID)
	assert.Equal(t, "q", s.last.Args["query"])
}

func TestDispatch_ResultCarriesReceivedArgs(t *testing.T) {
	f := newFixture(t)
	s := &spy{fn: func(in tools.Input) (any, error) {
		in.Args["scratch"] = true
		return nil, nil
	}}
	f.register(t, &tools.Tool{Name: "dev.fcp.nutrition.add_meal", Handler: s.handle, RequiresWrite: true, InjectUserID: true})

	args := map[string]any{"description": "soup"}
	res, err := f.disp.Dispatch(context.Background(), "add_meal", args, user)
	require.NoError(t, err)
	require.True(t, res.OK())

	assert.Equal(t, map[string]any{"description": "soup", "user_id": "u1"}, res.Args)
	_, present := args["user_id"]
	assert.False(t, present, "caller's map gains no user_id")

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "u1")
}

func TestDispatch_RejectedCallsHaveNoArgs(t *testing.T) {
	f := newFixture(t)
	f.register(t, &tools.Tool{Name: "dev.fcp.nutrition.add_meal", Handler: (&spy{}).handle, RequiresWrite: true, InjectUserID: true})

	res, err := f.disp.Dispatch(context.Background(), "add_meal", map[string]any{"description": "soup"}, demo)
	require.NoError(t, err)
	assert.Nil(t, res.Args)

	res, err = f.disp.Dispatch(context.Background(), "nope", map[string]any{"a": 1}, user)
	require.NoError(t, err)
	assert.Nil(t, res.Args)
}

func TestDispatch_ShortNameFallback(t *testing.T) {
	f := newFixture(t)
	s := &spy{fn: func(in tools.Input) (any, error) {
		return map[string]any{"user": in.UserID, "limit": in.Int("limit", 20)}, nil
	}}
	f.register(t, &tools.Tool{Name: "dev.fcp.nutrition.get_recent_meals", Handler: s.handle, InjectUserID: true})

	args := map[string]any{"limit": float64(5)}
	full, err := f.disp.Dispatch(context.Background(), "dev.fcp.nutrition.get_recent_meals", args, user)
	require.NoError(t, err)
	short, err := f.disp.Dispatch(context.Background(), "get_recent_meals", args, user)
	require.NoError(t, err)

	assert.Equal(t, full, short)
	assert.Equal(t, "dev.fcp.nutrition.get_recent_meals", short.Tool)
}

func TestDispatch_HandlerErrorContained(t *testing.T) {
	f := newFixture(t)
	f.register(t, &tools.Tool{Name: "boom", Handler: func(context.Context, tools.Input) (any, error) {
		return nil, errors.New("boom: dial tcp 10.0.0.3:5432: connection refused")
	}})

	res, err := f.disp.Dispatch(context.Background(), "boom", nil, user)
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, GenericFailureMessage, res.Error)
	assert.NotContains(t, res.Error, "10.0.0.3")
	assert.Equal(t, tools.KindInternal, res.Kind)
}

func TestDispatch_PublicAndExposedErrors(t *testing.T) {
	f := newFixture(t)
	f.register(t, &tools.Tool{Name: "validate", Handler: func(context.Context, tools.Input) (any, error) {
		return nil, fmt.Errorf("adding meal: %w", tools.InvalidInput("description is required"))
	}})
	f.register(t, &tools.Tool{Name: "exposed", ExposeErrors: true, Handler: func(context.Context, tools.Input) (any, error) {
		return nil, errors.New("upstream said no")
	}})

	res, err := f.disp.Dispatch(context.Background(), "validate", nil, user)
	require.NoError(t, err)
	assert.Equal(t, "invalid input: description is required", res.Error)
	assert.Equal(t, tools.KindInvalidInput, res.Kind)

	res, err = f.disp.Dispatch(context.Background(), "exposed", nil, user)
	require.NoError(t, err)
	assert.Equal(t, "upstream said no", res.Error)
}

func TestDispatch_PanicRecovered(t *testing.T) {
	f := newFixture(t)
	f.register(t, &tools.Tool{Name: "panics", ExposeErrors: true, Handler: func(context.Context, tools.Input) (any, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	}})

	res, err := f.disp.Dispatch(context.Background(), "panics", nil, user)
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, GenericFailureMessage, res.Error)
}

func TestDispatch_CancellationPropagates(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	f.register(t, &tools.Tool{Name: "slow", Handler: func(ctx context.Context, _ tools.Input) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := f.disp.Dispatch(ctx, "slow", nil, user)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}

func TestDispatch_TimeoutIsErrorResult(t *testing.T) {
	f := newFixture(t)
	f.register(t, &tools.Tool{Name: "slow", Handler: func(ctx context.Context, _ tools.Input) (any, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("calling model: %w", ctx.Err())
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := f.disp.Dispatch(ctx, "slow", nil, user)
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "tool execution timed out", res.Error)
}

func TestDispatch_DependencyInjection(t *testing.T) {
	f := newFixture(t)
	var got *deps.Container
	f.register(t, &tools.Tool{Name: "needs-db", Needs: deps.NeedDatabase, Handler: func(_ context.Context, in tools.Input) (any, error) {
		got = in.Deps
		return nil, nil
	}})
	f.register(t, &tools.Tool{Name: "needs-ai", Needs: deps.NeedAI, Handler: func(context.Context, tools.Input) (any, error) {
		t.Error("handler must not run without its dependencies")
		return nil, nil
	}})

	res, err := f.disp.Dispatch(context.Background(), "needs-db", nil, user)
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Same(t, f.db, got.Database)
	assert.Nil(t, got.AI)

	res, err = f.disp.Dispatch(context.Background(), "needs-ai", nil, user)
	require.NoError(t, err)
	assert.Equal(t, tools.KindUnavailable, res.Kind)

	// a test container swapped in takes effect for the next dispatch
	fake := &ai.Fake{}
	restore := f.deps.Override(&deps.Container{AI: fake})
	defer restore()
	f.reg.Unregister("needs-ai")
	f.register(t, &tools.Tool{Name: "needs-ai", Needs: deps.NeedAI, Handler: func(ctx context.Context, in tools.Input) (any, error) {
		return in.Deps.AI.GenerateText(ctx, "hi")
	}})
	res, err = f.disp.Dispatch(context.Background(), "needs-ai", nil, user)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 1, fake.Calls())
}

func TestDispatch_EchoEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.register(t, &tools.Tool{
		Name:         "echo",
		InjectUserID: true,
		Handler: func(_ context.Context, in tools.Input) (any, error) {
			var args struct {
				UserID string `json:"user_id"`
				Text   string `json:"text"`
			}
			if err := in.Decode(&args); err != nil {
				return nil, err
			}
			return map[string]any{"user": args.UserID, "echo": args.Text}, nil
		},
	})

	res, err := f.disp.Dispatch(context.Background(), "echo", map[string]any{"text": "hi"}, auth.AuthenticatedIdentity("u1"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, map[string]any{"user": "u1", "echo": "hi"}, res.Result)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","result":{"user":"u1","echo":"hi"}}`, string(data))
}

func TestResultJSON(t *testing.T) {
	denied := failure("t", tools.KindPermissionDenied, "write_permission_denied")
	denied.Message = "sign in"
	data, err := json.Marshal(denied)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"error","error":"write_permission_denied","message":"sign in"}`, string(data))

	data, err = json.Marshal(success("t", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","result":null}`, string(data))
}
