// ABOUTME: NATS publisher for tool execution events
// ABOUTME: Publishes JSON to <prefix>.<tool> and drains the connection on close

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "fcp.tool.executed"

// NATSPublisher publishes events to NATS subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

var _ Publisher = (*NATSPublisher)(nil)

// ConnectNATS dials url and returns a publisher owning the connection.
func ConnectNATS(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events")

	nc, err := nats.Connect(url,
		nats.Name("fcp-server"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	logger.Info("connected to nats", "url", nc.ConnectedUrl())
	return NewNATSPublisher(nc, prefix, logger), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event for tool is published on.
func (p *NATSPublisher) Subject(tool string) string {
	if tool == "" {
		tool = "unknown"
	}
	// NATS tokens are dot separated; tool names keep their dots as subject tokens.
	return p.prefix + "." + strings.ReplaceAll(tool, " ", "_")
}

// Publish encodes e as JSON and publishes it.
func (p *NATSPublisher) Publish(_ context.Context, e *ToolExecuted) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	subject := p.Subject(e.Tool)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	p.logger.Debug("published event", "subject", subject)
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	return p.nc.Drain()
}
