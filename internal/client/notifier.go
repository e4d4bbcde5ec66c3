package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ictgov/be-access-requests/internal/notification"
	"github.com/ictgov/be-access-requests/internal/workflow"
)

// NATSNotifier publishes approval workflow events to NATS for consumption
// by the platform notification service (which owns the actual SMS/email
// delivery to the recipient).
//
// Subject convention: notifications.access.<event_type>
// Event types: pending_review, stage_approved, rejected, access_granted.
type NATSNotifier struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	Recipient    notification.Recipient `json:"recipient"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNATSNotifier connects to NATS and returns a notifier.
func NewNATSNotifier(url string, log zerolog.Logger) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.Name("be-access-requests"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &NATSNotifier{nc: nc, log: log}, nil
}

// Close drains the underlying connection.
func (n *NATSNotifier) Close() {
	if n.nc != nil {
		n.nc.Drain() //nolint:errcheck
	}
}

// Send publishes one notification event. Subject: notifications.access.<event>.
func (n *NATSNotifier) Send(ctx context.Context, rcpt notification.Recipient, event workflow.EventKind, payload map[string]interface{}) error {
	resourceID, _ := payload["request_id"].(string)

	evt := &NotificationEvent{
		EventType:    string(event),
		Recipient:    rcpt,
		ResourceType: "access_request",
		ResourceID:   resourceID,
		Severity:     "info",
		Category:     "access_approval",
		Payload:      payload,
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal notification event: %w", err)
	}

	subject := fmt.Sprintf("notifications.access.%s", event)
	if err := n.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	n.log.Debug().
		Str("subject", subject).
		Str("recipient", rcpt.UserID).
		Msg("notification event published")
	return nil
}

// NoopNotifier drops every notification. Used when no NATS URL is
// configured; approval decisions still commit normally.
type NoopNotifier struct{}

// Send discards the notification.
func (NoopNotifier) Send(ctx context.Context, rcpt notification.Recipient, event workflow.EventKind, payload map[string]interface{}) error {
	return nil
}
