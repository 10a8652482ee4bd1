// ABOUTME: Tool execution events and the publisher interface
// ABOUTME: NoOp and callback publishers for in-process use and tests

package events

import (
	"context"
	"time"
)

// TypeToolExecuted is emitted after every dispatch.
const TypeToolExecuted = "tool.executed"

// ToolExecuted describes a finished dispatch. Args are sanitized before publishing.
type ToolExecuted struct {
	Type       string         `json:"type"`
	Tool       string         `json:"tool"`
	Status     string         `json:"status"`
	Role       string         `json:"role"`
	DurationMS int64          `json:"duration_ms"`
	Args       map[string]any `json:"args,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Publisher sends events somewhere. Publish must not block for long.
type Publisher interface {
	Publish(ctx context.Context, e *ToolExecuted) error
	Close() error
}

// NoOpPublisher drops every event.
type NoOpPublisher struct{}

func (NoOpPublisher) Publish(context.Context, *ToolExecuted) error { return nil }
func (NoOpPublisher) Close() error                                 { return nil }

// CallbackPublisher hands events to a function.
type CallbackPublisher struct {
	callback func(ctx context.Context, e *ToolExecuted) error
}

// NewCallbackPublisher creates a CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, e *ToolExecuted) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

func (p *CallbackPublisher) Publish(ctx context.Context, e *ToolExecuted) error {
	return p.callback(ctx, e)
}

func (p *CallbackPublisher) Close() error { return nil }
