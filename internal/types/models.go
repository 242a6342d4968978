package types

import "time"

// Player is the verified identity handed to the core by the identity
// collaborator.
type Player struct {
	ID          string `json:"player_id"`
	DisplayName string `json:"display_name"`
}

// ItemSnapshot is the immutable copy of a traded item taken at listing time.
// It is what gets delivered, regardless of later changes to the live item.
type ItemSnapshot struct {
	ItemID     string            `json:"item_id" msgpack:"item_id"`
	Kind       string            `json:"kind" msgpack:"kind"`
	Name       string            `json:"name" msgpack:"name"`
	Attributes map[string]string `json:"attributes,omitempty" msgpack:"attributes,omitempty"`
}

// SettlementReceipt is returned for every completed trade.
type SettlementReceipt struct {
	ListingID  string    `json:"listing_id"`
	DeliveryID string    `json:"delivery_id"`
	SellerID   string    `json:"seller_id"`
	BuyerID    string    `json:"buyer_id"`
	Price      int64     `json:"price"`
	SaleMethod string    `json:"sale_method"`
	SettledAt  time.Time `json:"settled_at"`
	Replayed   bool      `json:"replayed,omitempty"`
}
