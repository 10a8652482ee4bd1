// ABOUTME: Single entry point that looks up a tool, gates writes, injects identity and dependencies
// ABOUTME: Handler failures become sanitized error results; caller cancellation propagates

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fcp-dev/fcp-server/internal/auth"
	"github.com/fcp-dev/fcp-server/internal/deps"
	"github.com/fcp-dev/fcp-server/internal/tools"
)

// UserIDArg is the argument key overwritten with the caller's identity.
const UserIDArg = "user_id"

// Invoker is what transports call. Dispatcher and the observability wrapper implement it.
type Invoker interface {
	Dispatch(ctx context.Context, name string, args map[string]any, id auth.Identity) (*Result, error)
}

// Config contains the collaborators of a Dispatcher.
type Config struct {
	Registry *tools.Registry
	Deps     *deps.Resolver
	Gate     *auth.WriteGate
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

// Dispatcher executes tools. It holds no per-call state and is safe for concurrent use.
type Dispatcher struct {
	registry *tools.Registry
	deps     *deps.Resolver
	gate     *auth.WriteGate
	logger   *slog.Logger
	tracer   trace.Tracer
}

var _ Invoker = (*Dispatcher)(nil)

// New creates a Dispatcher. Registry is required.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/fcp-dev/fcp-server/internal/dispatch")
	}
	gate := cfg.Gate
	if gate == nil {
		gate = auth.NewWriteGate(nil, nil, logger)
	}
	resolver := cfg.Deps
	if resolver == nil {
		resolver = deps.Static(&deps.Container{})
	}
	return &Dispatcher{
		registry: cfg.Registry,
		deps:     resolver,
		gate:     gate,
		logger:   logger.With("component", "dispatch"),
		tracer:   tracer,
	}
}

// Dispatch runs the named tool for id. The returned error is non-nil only when
// ctx was canceled by the caller; every other failure is an error Result.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any, id auth.Identity) (*Result, error) {
	ctx, span := d.tracer.Start(ctx, "tool.dispatch", trace.WithAttributes(
		attribute.String("tool.requested", name),
		attribute.String("fcp.role", id.RoleLabel()),
	))
	defer span.End()

	tool := d.registry.Lookup(name)
	if tool == nil {
		d.logger.Debug("unknown tool", "tool", name)
		span.SetStatus(codes.Error, "unknown tool")
		return failure("", tools.KindUnknownTool, "Unknown tool: "+name), nil
	}
	span.SetAttributes(attribute.String("tool.name", tool.Name))

	if tool.RequiresWrite {
		res := auth.Resource{Type: tool.Category, ID: tool.Name}
		if res.Type == "" {
			res.Type = "tool"
		}
		if err := d.gate.Check(ctx, id, res); err != nil {
			span.SetStatus(codes.Error, auth.CodeWritePermissionDenied)
			r := failure(tool.Name, tools.KindPermissionDenied, auth.CodeWritePermissionDenied)
			r.Message = auth.WriteDeniedMessage
			return r, nil
		}
	}

	in := tools.Input{Args: callArgs(tool, args, id)}
	if tool.InjectUserID {
		in.UserID = id.UserID
	}
	// the handler may mutate in.Args, so observers get their own copy
	received := maps.Clone(in.Args)

	container, err := d.deps.Resolve(tool.Needs)
	if err != nil {
		d.logger.Error("resolving tool dependencies", "tool", tool.Name, "needs", tool.Needs.String(), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "dependencies unavailable")
		r := failure(tool.Name, tools.KindUnavailable, "tool dependencies unavailable")
		r.Args = received
		return r, nil
	}
	in.Deps = container

	value, err := d.invoke(ctx, tool, in)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			d.logger.Debug("dispatch canceled by caller", "tool", tool.Name)
			span.SetStatus(codes.Error, "canceled")
			return nil, ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		r := d.handlerFailure(tool, id, err)
		r.Args = received
		return r, nil
	}

	r := success(tool.Name, value)
	r.Args = received
	return r, nil
}

// callArgs copies args and applies the identity rule for user_id.
func callArgs(tool *tools.Tool, args map[string]any, id auth.Identity) map[string]any {
	out := make(map[string]any, len(args)+1)
	maps.Copy(out, args)
	if tool.InjectUserID {
		out[UserIDArg] = id.UserID
	} else {
		delete(out, UserIDArg)
	}
	return out
}

// panicError carries a recovered panic and its stack.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.value) }

func (d *Dispatcher) invoke(ctx context.Context, tool *tools.Tool, in tools.Input) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{value: rec, stack: debug.Stack()}
		}
	}()
	return tool.Handler(ctx, in)
}

func (d *Dispatcher) handlerFailure(tool *tools.Tool, id auth.Identity, err error) *Result {
	attrs := []any{"tool", tool.Name, "user_id", id.UserID, "error", err}
	var pe *panicError
	if errors.As(err, &pe) {
		attrs = append(attrs, "stack", string(pe.stack))
	}

	if pub, ok := tools.AsPublic(err); ok {
		d.logger.Warn("tool returned error", attrs...)
		return failure(tool.Name, pub.Kind, pub.Message)
	}

	d.logger.Error("tool handler failed", attrs...)
	switch {
	case tool.ExposeErrors && pe == nil:
		return failure(tool.Name, tools.KindInternal, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return failure(tool.Name, tools.KindInternal, "tool execution timed out")
	default:
		return failure(tool.Name, tools.KindInternal, GenericFailureMessage)
	}
}
