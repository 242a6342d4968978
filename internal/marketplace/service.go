// Package marketplace runs listings, bids and trade settlement. Every state
// change goes through the transaction coordinator so the ledger, the listing
// and the delivery queue move together.
package marketplace

import (
	"context"
	"time"

	"github.com/ksred/klear-market/internal/bid"
	"github.com/ksred/klear-market/internal/delivery"
	"github.com/ksred/klear-market/internal/events"
	"github.com/ksred/klear-market/internal/ledger"
	"github.com/ksred/klear-market/internal/listing"
	"github.com/ksred/klear-market/internal/txn"
	"github.com/rs/zerolog/log"
)

type Service struct {
	coordinator *txn.Coordinator
	listings    *listing.Database
	bids        *bid.Database
	ledger      *ledger.Database
	deliveries  *delivery.Database
	publisher   events.Publisher
	limits      Limits
	now         func() time.Time
}

type Option func(*Service)

// WithClock replaces the wall clock used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = func() time.Time { return now().UTC() }
	}
}

// WithPublisher sets where delivery notifications go.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

func NewService(coordinator *txn.Coordinator, limits Limits, opts ...Option) *Service {
	if limits.MinBidIncrement < 1 {
		limits.MinBidIncrement = 1
	}

	db := coordinator.DB()
	s := &Service{
		coordinator: coordinator,
		listings:    listing.NewDatabase(db),
		bids:        bid.NewDatabase(db),
		ledger:      ledger.NewDatabase(db),
		deliveries:  delivery.NewDatabase(db),
		publisher:   events.Noop{},
		limits:      limits,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Limits() Limits {
	return s.limits
}

// notify publishes best effort; the delivery row is already committed.
func (s *Service) notify(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Warn().
			Err(err).
			Str("event", event.Type).
			Str("delivery_id", event.DeliveryID).
			Msg("failed to publish delivery event")
	}
}
