package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const DefaultSubjectPrefix = "marketplace"

// natsConn is the subset of *nats.Conn the publisher needs.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes JSON events on core NATS subjects of the form
// <prefix>.<type>.<recipient_id>.
type NATSPublisher struct {
	conn   natsConn
	prefix string
}

// DialNATS connects to url and returns a publisher over the connection.
func DialNATS(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("klear-market"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewNATSPublisher(conn, prefix)
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn natsConn, prefix string) (*NATSPublisher, error) {
	if conn == nil {
		return nil, errors.New("nats connection cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(event Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, event.Type, event.RecipientID)
}

func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := p.Subject(event)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Str("delivery_id", event.DeliveryID).
		Msg("published delivery event")
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
