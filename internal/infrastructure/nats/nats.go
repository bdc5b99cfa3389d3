// Package nats publishes fleet events and alerts to a NATS server.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/config"
)

const (
	defaultReconnectWait = time.Second
	defaultConnectName   = "fleetd"
)

// Sentinel errors; check with errors.Is.
var (
	ErrDisabled       = errors.New("nats: disabled in configuration")
	ErrNotConnected   = errors.New("nats: not connected")
	ErrInvalidSubject = errors.New("nats: invalid subject")
)

// Client is a publish-only NATS connection with a subject prefix.
type Client struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials cfg.URL with unlimited reconnects. Extra options (for
// example disconnect handlers) are appended to the defaults.
func Connect(cfg config.NATSConfig, opts ...nats.Option) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	defaults := []nats.Option{
		nats.Name(defaultConnectName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(defaultReconnectWait),
	}
	nc, err := nats.Connect(cfg.URL, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	return &Client{conn: nc, prefix: cfg.SubjectPrefix}, nil
}

// Subject joins tokens under the configured prefix. Empty tokens are
// skipped; '/' separators in a token become '.' so MQTT-style topics map
// onto subject hierarchies.
//
//	c.Subject("alerts", "posture.violation") // fleet.alerts.posture.violation
func (c *Client) Subject(tokens ...string) string {
	parts := make([]string, 0, len(tokens)+1)
	if c.prefix != "" {
		parts = append(parts, c.prefix)
	}
	for _, t := range tokens {
		t = strings.Trim(strings.ReplaceAll(t, "/", "."), ".")
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, ".")
}

// Publish sends data and flushes, so a nil error means the server accepted
// the message.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flushing %s: %w", subject, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it.
func (c *Client) PublishJSON(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	return c.Publish(ctx, subject, data)
}

// IsConnected reports the connection status.
func (c *Client) IsConnected() bool {
	return c != nil && c.conn != nil && c.conn.IsConnected()
}

// HealthCheck returns ErrNotConnected while the link is down.
func (c *Client) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close closes the connection. Publish flushes, so nothing is pending.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	c.conn.Close()
	return nil
}
