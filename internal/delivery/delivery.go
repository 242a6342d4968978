package delivery

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-market/internal/events"
	"github.com/ksred/klear-market/internal/txn"
	"github.com/ksred/klear-market/internal/types"
	"github.com/ksred/klear-market/pkg/middleware"
	"github.com/ksred/klear-market/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service is the gateway the game server polls to learn which items to
// grant. Polling never removes anything; a record leaves the pending set only
// when it is acknowledged.
type Service struct {
	db          *Database
	coordinator *txn.Coordinator
	publisher   events.Publisher
	now         func() time.Time
}

func NewService(coordinator *txn.Coordinator, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{
		db:          NewDatabase(coordinator.DB()),
		coordinator: coordinator,
		publisher:   publisher,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// FetchPending returns every undelivered record, oldest first. A record is
// returned on every poll until it is acknowledged. A positive limit caps the
// page; continue with FetchPendingAfter.
func (s *Service) FetchPending(ctx context.Context, recipientID string, limit int) ([]PendingDelivery, error) {
	return s.db.Pending(ctx, recipientID, "", limit)
}

// FetchPendingAfter returns the pending records created after afterID.
func (s *Service) FetchPendingAfter(ctx context.Context, recipientID, afterID string, limit int) ([]PendingDelivery, error) {
	return s.db.Pending(ctx, recipientID, afterID, limit)
}

// Acknowledge marks a delivery as granted. Acknowledging twice is a no-op
// that returns the already delivered record.
func (s *Service) Acknowledge(ctx context.Context, deliveryID string) (*PendingDelivery, error) {
	logger := log.With().
		Str("delivery_id", deliveryID).
		Str("service", "delivery").
		Logger()

	var (
		delivery    *PendingDelivery
		transitions bool
	)
	err := s.coordinator.RunAtomic(ctx, "acknowledge_delivery", func(tx *gorm.DB) error {
		store := s.db.WithTx(tx)

		current, err := store.Get(ctx, deliveryID)
		if err != nil {
			return err
		}
		if current.IsDelivered() {
			delivery = current
			transitions = false
			return nil
		}

		at := s.now()
		changed, err := store.MarkDelivered(ctx, deliveryID, at)
		if err != nil {
			return err
		}
		if changed {
			current.Status = StatusDelivered
			current.DeliveredAt = &at
		} else if current, err = store.Get(ctx, deliveryID); err != nil {
			return err
		}
		delivery = current
		transitions = changed
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !transitions {
		logger.Debug().Msg("delivery already acknowledged")
		return delivery, nil
	}

	logger.Info().
		Str("listing_id", delivery.ListingID).
		Str("recipient_id", delivery.RecipientID).
		Msg("delivery acknowledged")

	event := events.Event{
		Type:          events.TypeDeliveryAcknowledged,
		DeliveryID:    delivery.DeliveryID,
		ListingID:     delivery.ListingID,
		RecipientID:   delivery.RecipientID,
		RecipientName: delivery.RecipientName,
		OccurredAt:    *delivery.DeliveredAt,
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.Warn().Err(err).Msg("failed to publish acknowledgement")
	}
	return delivery, nil
}

func (s *Service) Get(ctx context.Context, deliveryID string) (*PendingDelivery, error) {
	return s.db.Get(ctx, deliveryID)
}

// ListForRecipient returns every delivery addressed to playerID.
func (s *Service) ListForRecipient(ctx context.Context, playerID string, limit int) ([]PendingDelivery, error) {
	if playerID == "" {
		return nil, types.NewValidationError("player_id", "is required")
	}
	return s.db.ListByRecipient(ctx, playerID, limit)
}

// GinHandlers contains HTTP handlers for delivery endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// FetchPendingHandler serves the game server's poll.
func (h *GinHandlers) FetchPendingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))

		deliveries, err := h.service.FetchPendingAfter(c.Request.Context(), c.Query("recipient_id"), c.Query("after_id"), limit)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		page := PendingResponse{
			Deliveries: deliveries,
			Count:      len(deliveries),
		}
		if limit > 0 && len(deliveries) == min(limit, maxPendingPage) {
			page.NextAfterID = deliveries[len(deliveries)-1].DeliveryID
		}
		response.Success(c, page)
	}
}

func (h *GinHandlers) AcknowledgeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		delivery, err := h.service.Acknowledge(c.Request.Context(), c.Param("delivery_id"))
		response.Handle(c, delivery, err)
	}
}

func (h *GinHandlers) GetDeliveryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		delivery, err := h.service.Get(c.Request.Context(), c.Param("delivery_id"))
		response.Handle(c, delivery, err)
	}
}

// ListMineHandler lists deliveries for the authenticated player.
func (h *GinHandlers) ListMineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		player, ok := middleware.CurrentPlayer(c)
		if !ok {
			response.Unauthorized(c, "Missing player identity")
			return
		}

		limit, _ := strconv.Atoi(c.Query("limit"))
		deliveries, err := h.service.ListForRecipient(c.Request.Context(), player.ID, limit)
		response.Handle(c, deliveries, err)
	}
}
