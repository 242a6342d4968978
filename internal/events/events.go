// Package events publishes delivery notifications to the game server.
// Notifications are wake-up hints only; the delivery table stays the source
// of truth and is always read through the poll endpoint.
package events

import (
	"context"
	"errors"
	"time"
)

const (
	TypeDeliveryCreated      = "delivery.created"
	TypeDeliveryAcknowledged = "delivery.acknowledged"
)

var ErrPublisherClosed = errors.New("publisher is closed")

// Event describes a change to a delivery.
type Event struct {
	Type          string    `json:"type" msgpack:"type"`
	DeliveryID    string    `json:"delivery_id" msgpack:"delivery_id"`
	ListingID     string    `json:"listing_id" msgpack:"listing_id"`
	RecipientID   string    `json:"recipient_id" msgpack:"recipient_id"`
	RecipientName string    `json:"recipient_name" msgpack:"recipient_name"`
	OccurredAt    time.Time `json:"occurred_at" msgpack:"occurred_at"`
}

// Publisher delivers events to an external transport.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close() error { return nil }
