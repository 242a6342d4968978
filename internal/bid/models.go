package bid

import "time"

// Bid is an immutable offer against an auction listing.
type Bid struct {
	ID         uint      `gorm:"primarykey" json:"-"`
	BidID      string    `gorm:"uniqueIndex;not null" json:"bid_id"`
	ListingID  string    `gorm:"index;not null" json:"listing_id"`
	BidderID   string    `gorm:"index;not null" json:"bidder_id"`
	BidderName string    `json:"bidder_name"`
	Amount     int64     `gorm:"not null" json:"amount"`
	PlacedAt   time.Time `gorm:"not null" json:"placed_at"`
}
