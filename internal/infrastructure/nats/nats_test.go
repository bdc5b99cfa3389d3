package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/config"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.NATSConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestSubject(t *testing.T) {
	c := &Client{prefix: "fleet"}
	tests := []struct {
		tokens []string
		want   string
	}{
		{[]string{"alerts", "posture.violation"}, "fleet.alerts.posture.violation"},
		{[]string{"events", "devices/thg-1/telemetry"}, "fleet.events.devices.thg-1.telemetry"},
		{[]string{"", "x"}, "fleet.x"},
	}
	for _, tt := range tests {
		if got := c.Subject(tt.tokens...); got != tt.want {
			t.Errorf("Subject(%v) = %q, want %q", tt.tokens, got, tt.want)
		}
	}
	if got := (&Client{}).Subject("a", "b"); got != "a.b" {
		t.Errorf("Subject() without prefix = %q", got)
	}
}

func TestPublish_Validation(t *testing.T) {
	var c *Client
	if err := c.Publish(context.Background(), "a.b", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() on nil client error = %v, want ErrNotConnected", err)
	}
	if err := c.Publish(context.Background(), "has space", nil); !errors.Is(err, ErrInvalidSubject) {
		t.Errorf("Publish(bad subject) error = %v, want ErrInvalidSubject", err)
	}
}

func TestPublishJSON_ReachesSubscriber(t *testing.T) {
	url := startTestNATS(t)

	client, err := Connect(config.NATSConfig{Enabled: true, URL: url, SubjectPrefix: "fleet"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	sub, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("subscriber connect: %v", err)
	}
	defer sub.Close()

	msgs := make(chan *nats.Msg, 1)
	if _, err := sub.ChanSubscribe("fleet.alerts.>", msgs); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	subject := client.Subject("alerts", "delivery.dead_letter")
	if err := client.PublishJSON(context.Background(), subject, map[string]string{"rule_id": "r1"}); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Subject != "fleet.alerts.delivery.dead_letter" {
			t.Errorf("subject = %q", msg.Subject)
		}
		if string(msg.Data) != `{"rule_id":"r1"}` {
			t.Errorf("data = %s", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
