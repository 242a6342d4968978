package listing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-market/internal/types"
	"gorm.io/gorm"
)

const maxListLimit = 200

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

func (d *Database) Create(ctx context.Context, listing *Listing) error {
	return d.db.WithContext(ctx).Create(listing).Error
}

// Get returns the listing or types.ErrListingNotFound.
func (d *Database) Get(ctx context.Context, listingID string) (*Listing, error) {
	var listing Listing
	if err := d.db.WithContext(ctx).Where("listing_id = ?", listingID).First(&listing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrListingNotFound
		}
		return nil, fmt.Errorf("failed to fetch listing: %w", err)
	}
	return &listing, nil
}

// ActiveForItem returns the active listing backed by itemID, if any.
func (d *Database) ActiveForItem(ctx context.Context, itemID string) (*Listing, error) {
	var listing Listing
	err := d.db.WithContext(ctx).
		Where("item_id = ? AND status = ?", itemID, StatusActive).
		First(&listing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to check active listing for item: %w", err)
	}
	return &listing, nil
}

// Update persists changes to an active listing. The write only lands if the
// row still carries the version that was read; otherwise another
// transaction got there first and the caller sees a transient conflict.
func (d *Database) Update(ctx context.Context, listing *Listing, updates map[string]interface{}) error {
	updates["version"] = listing.Version + 1
	updates["updated_at"] = time.Now().UTC()

	result := d.db.WithContext(ctx).Model(&Listing{}).
		Where("listing_id = ? AND version = ? AND status = ?", listing.ListingID, listing.Version, StatusActive).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update listing: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("listing %s version %d: %w", listing.ListingID, listing.Version, types.ErrTransientConflict)
	}

	listing.Version++
	return nil
}

// ListActive returns active listings, newest first.
func (d *Database) ListActive(ctx context.Context, filter Filter) ([]Listing, error) {
	limit := filter.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	query := d.db.WithContext(ctx).Where("status = ?", StatusActive)
	if filter.SaleMethod != "" {
		query = query.Where("sale_method = ?", filter.SaleMethod)
	}
	if filter.SellerID != "" {
		query = query.Where("seller_id = ?", filter.SellerID)
	}
	if !filter.OpenAt.IsZero() {
		query = query.Where("(expires_at IS NULL OR expires_at > ?)", filter.OpenAt)
	}

	var listings []Listing
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&listings).Error; err != nil {
		return nil, fmt.Errorf("failed to list active listings: %w", err)
	}
	return listings, nil
}

// DueAuctions returns active auctions whose deadline is at or before now,
// oldest deadline first.
func (d *Database) DueAuctions(ctx context.Context, now time.Time, limit int) ([]Listing, error) {
	var listings []Listing
	if err := d.db.WithContext(ctx).
		Where("status = ? AND sale_method = ? AND expires_at <= ?", StatusActive, SaleMethodAuction, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&listings).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch due auctions: %w", err)
	}
	return listings, nil
}

// ListBySeller returns the seller's listings in every status, newest first.
func (d *Database) ListBySeller(ctx context.Context, sellerID string, limit int) ([]Listing, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	var listings []Listing
	if err := d.db.WithContext(ctx).
		Where("seller_id = ?", sellerID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&listings).Error; err != nil {
		return nil, fmt.Errorf("failed to list seller listings: %w", err)
	}
	return listings, nil
}
