// Package auditbridge best-effort mirrors AuditEvents to a JetStream
// stream for external consumers. The audit table in Postgres remains the
// source of truth and is never read back through this path; a bridge
// outage degrades to "external consumers miss events" rather than
// blocking the worker, since the bridge publish happens after the
// finishing transaction has already committed. Adapted from the teacher's
// internal/nats.Client (Connect, Publish, reconnect handlers, Drain/Close)
// plus the events/dispatch worker's publish-after-commit shape.
package auditbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/fulcrumbus/commandbus/internal/command"
)

// Client wraps a NATS connection with JetStream publish support,
// reconnect handling, and graceful drain/close.
type Client struct {
	cfg     Config
	conn    *natsgo.Conn
	js      jetstream.JetStream
	log     *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	closed bool
}

// NewClient creates an audit bridge client but does not connect. Call
// Connect to establish the connection.
func NewClient(cfg Config, log *slog.Logger, metrics *Metrics) *Client {
	return &Client{cfg: cfg, log: log.With(slog.String("component", "audit_bridge")), metrics: metrics}
}

// Connect establishes the NATS connection, initializes JetStream, and
// creates or updates the configured audit stream.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("auditbridge config: %w", err)
	}

	opts := []natsgo.Option{
		natsgo.Name("commandbus-auditbridge"),
		natsgo.Timeout(c.cfg.ConnectTimeout),
		natsgo.ReconnectWait(c.cfg.ReconnectWait),
		natsgo.MaxReconnects(c.cfg.MaxReconnects),
		natsgo.DisconnectErrHandler(c.onDisconnect),
		natsgo.ReconnectHandler(c.onReconnect),
		natsgo.ClosedHandler(c.onClosed),
		natsgo.ErrorHandler(c.onError),
	}
	if c.cfg.Token != "" {
		opts = append(opts, natsgo.Token(c.cfg.Token))
	}

	conn, err := natsgo.Connect(c.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("nats connect to %s: %w", c.cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("jetstream init: %w", err)
	}

	if err := EnsureStream(ctx, js, c.cfg, c.log); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(1)
	}
	c.log.Info("connected to audit bridge", slog.String("url", c.cfg.URL), slog.String("server_id", conn.ConnectedServerId()))
	return nil
}

// PublishAuditEvent marshals an audit event and publishes it to
// "<domain>.audit". Called after the finishing transaction that produced
// the event has already committed; failures are logged, never retried
// inline, and never reopen that transaction.
func (c *Client) PublishAuditEvent(ctx context.Context, domain string, event command.EventType, commandID fmt.Stringer, details json.RawMessage) error {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()
	if js == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(map[string]any{
		"domain":      domain,
		"command_id":  commandID.String(),
		"event_type":  event,
		"ts":          time.Now().UTC(),
		"details":     details,
	})
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	subject := domain + ".audit"
	start := time.Now()
	pubCtx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()
	_, err = js.Publish(pubCtx, subject, payload)
	duration := time.Since(start)

	if c.metrics != nil {
		c.metrics.PublishDuration.WithLabelValues(domain).Observe(duration.Seconds())
		if err != nil {
			c.metrics.PublishTotal.WithLabelValues(domain, "error").Inc()
			c.metrics.PublishErrors.WithLabelValues(domain).Inc()
		} else {
			c.metrics.PublishTotal.WithLabelValues(domain, "success").Inc()
		}
	}
	if err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// IsConnected reports whether the underlying NATS connection is live.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Drain gracefully stops accepting new publishes and waits for in-flight
// ones to finish, bounded by timeout.
func (c *Client) Drain(timeout time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.log.Info("draining audit bridge", slog.Duration("timeout", timeout))
	if err := conn.Drain(); err != nil {
		return fmt.Errorf("auditbridge drain: %w", err)
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			conn.Close()
			return ErrDrainTimeout
		case <-ticker.C:
			if conn.IsClosed() {
				return nil
			}
		}
	}
}

// Close immediately closes the connection without draining.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
	}
	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(0)
	}
}

func (c *Client) onDisconnect(conn *natsgo.Conn, err error) {
	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(0)
		c.metrics.DisconnectionTotal.Inc()
	}
	c.log.Warn("audit bridge disconnected", slog.Any("error", err))
}

func (c *Client) onReconnect(conn *natsgo.Conn) {
	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(1)
		c.metrics.ReconnectionTotal.Inc()
	}
	c.log.Info("audit bridge reconnected", slog.String("url", conn.ConnectedUrl()))
}

func (c *Client) onClosed(conn *natsgo.Conn) {
	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(0)
	}
	c.log.Info("audit bridge connection closed")
}

func (c *Client) onError(conn *natsgo.Conn, sub *natsgo.Subscription, err error) {
	if c.metrics != nil {
		c.metrics.ConnectionErrorTotal.Inc()
	}
	c.log.Error("audit bridge async error", slog.Any("error", err))
}
