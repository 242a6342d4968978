package delivery

import (
	"time"

	"github.com/ksred/klear-market/internal/types"
)

const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
)

// PendingDelivery is the handoff record the game server polls for after a
// trade settles. One exists per sold listing.
type PendingDelivery struct {
	ID            uint               `gorm:"primarykey" json:"-"`
	DeliveryID    string             `gorm:"uniqueIndex;not null" json:"delivery_id"`
	ListingID     string             `gorm:"uniqueIndex;not null" json:"listing_id"`
	RecipientID   string             `gorm:"index;not null" json:"recipient_id"`
	RecipientName string             `json:"recipient_name"`
	Item          types.ItemSnapshot `gorm:"serializer:json" json:"item"`
	Price         int64              `json:"price"`
	Status        string             `gorm:"index;not null" json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	DeliveredAt   *time.Time         `json:"delivered_at,omitempty"`
}

func (d *PendingDelivery) IsDelivered() bool {
	return d.Status == StatusDelivered
}

type PendingResponse struct {
	Deliveries  []PendingDelivery `json:"deliveries"`
	Count       int               `json:"count"`
	NextAfterID string            `json:"next_after_id,omitempty"`
}
