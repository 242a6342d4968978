package marketplace

import (
	"time"
)

const idempotencyTTL = 24 * time.Hour

const resourceTypePurchase = "purchase"

// IdempotencyRecord remembers which delivery a purchase key produced so a
// retried request replays the receipt instead of buying twice.
type IdempotencyRecord struct {
	ID             uint      `gorm:"primarykey" json:"-"`
	IdempotencyKey string    `gorm:"uniqueIndex;not null" json:"idempotency_key"`
	PlayerID       string    `gorm:"index;not null" json:"player_id"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Limits bound what sellers and bidders may submit.
type Limits struct {
	MinPrice           int64
	MaxPrice           int64
	MinAuctionDuration time.Duration
	MaxAuctionDuration time.Duration
	MinBidIncrement    int64
}

func DefaultLimits() Limits {
	return Limits{
		MinPrice:           1,
		MaxPrice:           1_000_000_000,
		MinAuctionDuration: time.Minute,
		MaxAuctionDuration: 7 * 24 * time.Hour,
		MinBidIncrement:    1,
	}
}

// CreateListingRequest is the seller's offer. Price applies to direct sales;
// StartingBid and DurationSeconds to auctions.
type CreateListingRequest struct {
	ItemID          string            `json:"item_id" binding:"required"`
	Kind            string            `json:"kind"`
	Name            string            `json:"name"`
	Attributes      map[string]string `json:"attributes"`
	SaleMethod      string            `json:"sale_method" binding:"required"`
	Price           int64             `json:"price"`
	StartingBid     int64             `json:"starting_bid"`
	DurationSeconds int64             `json:"duration_seconds"`
}

func (r CreateListingRequest) Duration() time.Duration {
	return time.Duration(r.DurationSeconds) * time.Second
}

type PlaceBidRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// SweepResult counts what one sweeper pass did.
type SweepResult struct {
	Expired   int `json:"expired"`
	Resolved  int `json:"resolved"`
	Defaulted int `json:"defaulted"`
	Failed    int `json:"failed"`
}
