package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-market/internal/types"
	"gorm.io/gorm"
)

const (
	DefaultListLimit = 100
	maxListLimit     = 500
	maxPendingPage   = 500
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

func (d *Database) Create(ctx context.Context, delivery *PendingDelivery) error {
	if err := d.db.WithContext(ctx).Create(delivery).Error; err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

// Get returns the delivery or types.ErrDeliveryNotFound.
func (d *Database) Get(ctx context.Context, deliveryID string) (*PendingDelivery, error) {
	var delivery PendingDelivery
	if err := d.db.WithContext(ctx).Where("delivery_id = ?", deliveryID).First(&delivery).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("failed to fetch delivery: %w", err)
	}
	return &delivery, nil
}

// GetByListing returns the delivery created when listingID sold.
func (d *Database) GetByListing(ctx context.Context, listingID string) (*PendingDelivery, error) {
	var delivery PendingDelivery
	if err := d.db.WithContext(ctx).Where("listing_id = ?", listingID).First(&delivery).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("failed to fetch delivery: %w", err)
	}
	return &delivery, nil
}

// Pending returns undelivered records in creation order, optionally for a
// single recipient. A limit of zero or less returns every pending record.
// afterID resumes after that delivery so paged polls reach the whole set.
func (d *Database) Pending(ctx context.Context, recipientID, afterID string, limit int) ([]PendingDelivery, error) {
	query := d.db.WithContext(ctx).Where("status = ?", StatusPending)
	if recipientID != "" {
		query = query.Where("recipient_id = ?", recipientID)
	}
	if afterID != "" {
		cursor, err := d.Get(ctx, afterID)
		if err != nil {
			return nil, err
		}
		query = query.Where("(created_at > ? OR (created_at = ? AND id > ?))",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	if limit > 0 {
		query = query.Limit(min(limit, maxPendingPage))
	}

	var deliveries []PendingDelivery
	if err := query.Order("created_at ASC, id ASC").Find(&deliveries).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch pending deliveries: %w", err)
	}
	return deliveries, nil
}

// MarkDelivered flips a pending delivery to delivered. It reports false when
// the row was already delivered.
func (d *Database) MarkDelivered(ctx context.Context, deliveryID string, at time.Time) (bool, error) {
	result := d.db.WithContext(ctx).Model(&PendingDelivery{}).
		Where("delivery_id = ? AND status = ?", deliveryID, StatusPending).
		Updates(map[string]interface{}{
			"status":       StatusDelivered,
			"delivered_at": at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark delivery delivered: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListByRecipient returns every delivery addressed to the player, newest first.
func (d *Database) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]PendingDelivery, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = DefaultListLimit
	}

	var deliveries []PendingDelivery
	if err := d.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&deliveries).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch deliveries: %w", err)
	}
	return deliveries, nil
}
