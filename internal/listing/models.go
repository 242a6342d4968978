package listing

import (
	"time"

	"github.com/ksred/klear-market/internal/types"
)

const (
	SaleMethodDirect  = "direct"
	SaleMethodAuction = "auction"
)

const (
	StatusActive    = "active"
	StatusSold      = "sold"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Close reasons recorded on terminal listings.
const (
	CloseReasonPurchased     = "purchased"
	CloseReasonAuctionWon    = "auction_won"
	CloseReasonCancelled     = "cancelled"
	CloseReasonNoBids        = "no_bids"
	CloseReasonWinnerDefault = "winner_insufficient_funds"
)

// Listing is an offer to trade one item for currency, either at a fixed
// price or by auction.
type Listing struct {
	ID                uint               `gorm:"primarykey" json:"-"`
	ListingID         string             `gorm:"uniqueIndex;not null" json:"listing_id"`
	SellerID          string             `gorm:"index;not null" json:"seller_id"`
	SellerName        string             `json:"seller_name"`
	ItemID            string             `gorm:"not null" json:"item_id"`
	Item              types.ItemSnapshot `gorm:"serializer:json" json:"item"`
	SaleMethod        string             `gorm:"not null" json:"sale_method"`
	Price             int64              `json:"price,omitempty"`
	StartingBid       int64              `json:"starting_bid,omitempty"`
	CurrentBid        *int64             `json:"current_bid,omitempty"`
	HighestBidderID   *string            `json:"highest_bidder_id,omitempty"`
	HighestBidderName string             `json:"highest_bidder_name,omitempty"`
	BidCount          int                `gorm:"not null;default:0" json:"bid_count"`
	ExpiresAt         *time.Time         `gorm:"index" json:"expires_at,omitempty"`
	Status            string             `gorm:"index;not null" json:"status"`
	BuyerID           *string            `json:"buyer_id,omitempty"`
	SoldPrice         *int64             `json:"sold_price,omitempty"`
	SoldAt            *time.Time         `json:"sold_at,omitempty"`
	ClosedAt          *time.Time         `json:"closed_at,omitempty"`
	CloseReason       string             `json:"close_reason,omitempty"`
	Version           int64              `gorm:"not null;default:0" json:"-"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

func (l *Listing) IsAuction() bool {
	return l.SaleMethod == SaleMethodAuction
}

func (l *Listing) IsActive() bool {
	return l.Status == StatusActive
}

func (l *Listing) HasBids() bool {
	return l.HighestBidderID != nil
}

// HasEnded reports whether an auction's deadline has passed at now.
func (l *Listing) HasEnded(now time.Time) bool {
	return l.IsAuction() && l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// BidFloor is the amount the next bid is measured against.
func (l *Listing) BidFloor() int64 {
	if l.CurrentBid != nil {
		return *l.CurrentBid
	}
	return l.StartingBid
}

// InactiveError maps a non-active status onto the matching domain error.
func (l *Listing) InactiveError() error {
	switch l.Status {
	case StatusSold:
		return types.ErrListingAlreadySold
	case StatusExpired:
		return types.ErrListingExpired
	default:
		return types.ErrListingNotActive
	}
}

// Filter narrows ListActive results.
type Filter struct {
	SaleMethod string
	SellerID   string
	// OpenAt, when set, leaves out auctions whose deadline is at or before it.
	OpenAt time.Time
	Limit  int
}
