// ABOUTME: Observability wrapper around the dispatcher
// ABOUTME: Emits metrics, records allowlisted calls and publishes events without affecting outcomes

package observe

import (
	"context"
	"log/slog"
	"time"

	"github.com/fcp-dev/fcp-server/internal/auth"
	"github.com/fcp-dev/fcp-server/internal/dispatch"
	"github.com/fcp-dev/fcp-server/internal/events"
	"github.com/fcp-dev/fcp-server/internal/store"
	"github.com/fcp-dev/fcp-server/internal/telemetry"
)

// StatusCanceled labels dispatches the caller abandoned.
const StatusCanceled = "canceled"

// RecordingConfig selects which tool calls are persisted.
type RecordingConfig struct {
	Enabled bool
	// Tools is the allowlist, by full or short name.
	Tools []string
}

// Config contains the collaborators of an Observer. Everything but Inner is optional.
type Config struct {
	Inner     dispatch.Invoker
	Metrics   *telemetry.Metrics
	Store     store.RecordingStore
	Recording RecordingConfig
	Events    events.Publisher
	Logger    *slog.Logger
}

// Observer wraps an Invoker. Its side effects never change the wrapped outcome.
type Observer struct {
	inner     dispatch.Invoker
	metrics   *telemetry.Metrics
	store     store.RecordingStore
	recording bool
	allow     map[string]bool
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

var _ dispatch.Invoker = (*Observer)(nil)

// New creates an Observer.
func New(cfg Config) *Observer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allow := make(map[string]bool, len(cfg.Recording.Tools))
	for _, name := range cfg.Recording.Tools {
		allow[name] = true
	}
	return &Observer{
		inner:     cfg.Inner,
		metrics:   cfg.Metrics,
		store:     cfg.Store,
		recording: cfg.Recording.Enabled && cfg.Store != nil,
		allow:     allow,
		events:    cfg.Events,
		logger:    logger.With("component", "observe"),
		now:       time.Now,
	}
}

// Dispatch calls the wrapped Invoker and then observes the outcome.
func (o *Observer) Dispatch(ctx context.Context, name string, args map[string]any, id auth.Identity) (*dispatch.Result, error) {
	start := o.now()
	res, err := o.inner.Dispatch(ctx, name, args, id)
	o.Observe(ctx, name, args, id, res, o.now().Sub(start))
	return res, err
}

// Observe records one finished dispatch. res is nil when the caller canceled.
// It never panics and never returns an error.
func (o *Observer) Observe(ctx context.Context, name string, args map[string]any, id auth.Identity, res *dispatch.Result, elapsed time.Duration) {
	tool, status := label(res)
	role := id.RoleLabel()
	// side effects outlive a canceled request
	ctx = context.WithoutCancel(ctx)

	o.safely("metrics", func() {
		o.metrics.RecordToolCall(ctx, tool, status, role, elapsed)
	})

	if res == nil {
		return
	}
	callArgs := args
	if res.Args != nil {
		callArgs = res.Args
	}

	if o.shouldRecord(name, res.Tool) {
		o.safely("recording", func() {
			rec := &store.Recording{
				Tool:       res.Tool,
				Role:       role,
				Status:     status,
				Args:       SanitizeArgs(callArgs),
				Result:     Sanitize(recordedResult(res)),
				DurationMS: elapsed.Milliseconds(),
			}
			if err := o.store.SaveRecording(ctx, rec); err != nil {
				o.logger.Warn("failed to save recording", "tool", res.Tool, "error", err)
			}
		})
	}

	if o.events != nil {
		o.safely("events", func() {
			e := &events.ToolExecuted{
				Type:       events.TypeToolExecuted,
				Tool:       tool,
				Status:     status,
				Role:       role,
				DurationMS: elapsed.Milliseconds(),
				Args:       SanitizeArgs(callArgs),
				Timestamp:  o.now().UTC(),
			}
			if err := o.events.Publish(ctx, e); err != nil {
				o.logger.Warn("failed to publish event", "tool", tool, "error", err)
			}
		})
	}
}

func (o *Observer) shouldRecord(requested, resolved string) bool {
	if !o.recording || resolved == "" {
		return false
	}
	return o.allow[resolved] || o.allow[requested]
}

// safely runs fn, logging instead of propagating a panic.
func (o *Observer) safely(what string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("observability side effect panicked", "what", what, "panic", rec)
		}
	}()
	fn()
}

// label maps a result to bounded metric labels. Unknown tool names are not
// used as labels so arbitrary input cannot grow cardinality.
func label(res *dispatch.Result) (tool, status string) {
	if res == nil {
		return "unknown", StatusCanceled
	}
	tool = res.Tool
	if tool == "" {
		tool = "unknown"
	}
	return tool, string(res.Status)
}

func recordedResult(res *dispatch.Result) any {
	if res.OK() {
		return res.Result
	}
	return map[string]any{"error": res.Error}
}
