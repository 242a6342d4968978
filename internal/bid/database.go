package bid

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// WithTx returns a Database bound to the given transaction.
func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

// Insert appends a bid. Bids are never updated or deleted.
func (d *Database) Insert(ctx context.Context, bid *Bid) error {
	if err := d.db.WithContext(ctx).Create(bid).Error; err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// ListByListing returns a listing's bid history in placement order.
func (d *Database) ListByListing(ctx context.Context, listingID string) ([]Bid, error) {
	var bids []Bid
	if err := d.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("placed_at ASC, id ASC").
		Find(&bids).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch bids: %w", err)
	}
	return bids, nil
}

// Highest returns the latest accepted bid on a listing, or nil.
func (d *Database) Highest(ctx context.Context, listingID string) (*Bid, error) {
	var bid Bid
	err := d.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("amount DESC, id DESC").
		First(&bid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch highest bid: %w", err)
	}
	return &bid, nil
}
