package marketplace

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ksred/klear-market/internal/delivery"
	"github.com/ksred/klear-market/internal/events"
	"github.com/ksred/klear-market/internal/ledger"
	"github.com/ksred/klear-market/internal/listing"
	"github.com/ksred/klear-market/internal/txn"
	"github.com/ksred/klear-market/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Purchase buys a direct-sale listing at its price. With a non-empty
// idempotencyKey a repeated request from the same buyer returns the original
// receipt instead of settling again.
func (s *Service) Purchase(ctx context.Context, listingID string, buyer types.Player, idempotencyKey string) (*types.SettlementReceipt, error) {
	if buyer.ID == "" {
		return nil, types.NewValidationError("buyer_id", "is required")
	}

	logger := log.With().
		Str("listing_id", listingID).
		Str("buyer_id", buyer.ID).
		Str("service", "marketplace").
		Logger()

	var receipt *types.SettlementReceipt
	err := s.coordinator.RunAtomic(ctx, "purchase", func(tx *gorm.DB) error {
		receipt = nil

		if idempotencyKey != "" {
			replayed, err := s.replayPurchase(ctx, tx, idempotencyKey, listingID, buyer)
			if err != nil {
				return err
			}
			if replayed != nil {
				receipt = replayed
				return nil
			}
		}

		l, err := s.listings.WithTx(tx).Get(ctx, listingID)
		if err != nil {
			return err
		}
		if !l.IsActive() {
			return l.InactiveError()
		}
		if l.IsAuction() {
			return types.NewValidationError("listing_id", "is an auction; place a bid instead")
		}
		if l.SellerID == buyer.ID {
			return types.ErrSelfTrade
		}

		settled, err := s.settle(ctx, tx, l, buyer, l.Price, listing.CloseReasonPurchased)
		if err != nil {
			return err
		}

		if idempotencyKey != "" {
			if err := s.rememberPurchase(ctx, tx, idempotencyKey, buyer, settled.DeliveryID); err != nil {
				return err
			}
		}
		receipt = settled
		return nil
	})
	if err != nil {
		logger.Info().Err(err).Msg("purchase rejected")
		return nil, err
	}

	if receipt.Replayed {
		logger.Info().Str("delivery_id", receipt.DeliveryID).Msg("purchase replayed")
		return receipt, nil
	}

	logger.Info().
		Str("delivery_id", receipt.DeliveryID).
		Int64("price", receipt.Price).
		Msg("purchase settled")
	s.notifyCreated(ctx, receipt)
	return receipt, nil
}

// settle moves price from buyer to seller, marks the listing sold and queues
// the item for delivery. It must run inside the caller's transaction.
func (s *Service) settle(ctx context.Context, tx *gorm.DB, l *listing.Listing, buyer types.Player, price int64, reason string) (*types.SettlementReceipt, error) {
	accounts := s.ledger.WithTx(tx)

	account, err := accounts.GetAccount(ctx, buyer.ID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.Balance < price {
		return nil, types.ErrInsufficientFunds
	}

	buyerAfter, err := accounts.Debit(ctx, buyer.ID, price)
	if err != nil {
		return nil, err
	}
	if err := accounts.AppendEntry(ctx, buyer.ID, -price, buyerAfter, ledger.ReasonPurchase, l.ListingID); err != nil {
		return nil, err
	}

	sellerAfter, err := accounts.Credit(ctx, l.SellerID, l.SellerName, price)
	if err != nil {
		return nil, err
	}
	if err := accounts.AppendEntry(ctx, l.SellerID, price, sellerAfter, ledger.ReasonSale, l.ListingID); err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.listings.WithTx(tx).Update(ctx, l, map[string]interface{}{
		"status":       listing.StatusSold,
		"buyer_id":     buyer.ID,
		"sold_price":   price,
		"sold_at":      now,
		"closed_at":    now,
		"close_reason": reason,
	}); err != nil {
		return nil, err
	}

	d := &delivery.PendingDelivery{
		DeliveryID:    "DLV_" + uuid.New().String(),
		ListingID:     l.ListingID,
		RecipientID:   buyer.ID,
		RecipientName: buyer.DisplayName,
		Item:          l.Item,
		Price:         price,
		Status:        delivery.StatusPending,
		CreatedAt:     now,
	}
	if err := s.deliveries.WithTx(tx).Create(ctx, d); err != nil {
		if txn.IsUniqueViolation(err) {
			return nil, fmt.Errorf("delivery for %s already exists: %w", l.ListingID, types.ErrListingAlreadySold)
		}
		return nil, err
	}

	return &types.SettlementReceipt{
		ListingID:  l.ListingID,
		DeliveryID: d.DeliveryID,
		SellerID:   l.SellerID,
		BuyerID:    buyer.ID,
		Price:      price,
		SaleMethod: l.SaleMethod,
		SettledAt:  now,
	}, nil
}

// replayPurchase returns the receipt recorded under key, or nil when the key
// is unused or has lapsed. A live key only replays for the listing it bought.
func (s *Service) replayPurchase(ctx context.Context, tx *gorm.DB, key, listingID string, buyer types.Player) (*types.SettlementReceipt, error) {
	var record IdempotencyRecord
	err := tx.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch idempotency record: %w", err)
	}

	if !record.ExpiresAt.After(s.now()) {
		if err := tx.WithContext(ctx).Delete(&record).Error; err != nil {
			return nil, fmt.Errorf("failed to drop lapsed idempotency record: %w", err)
		}
		return nil, nil
	}
	if record.PlayerID != buyer.ID || record.ResourceType != resourceTypePurchase {
		return nil, types.NewValidationError("idempotency_key", "is already in use")
	}

	d, err := s.deliveries.WithTx(tx).Get(ctx, record.ResourceID)
	if err != nil {
		return nil, err
	}
	if d.ListingID != listingID {
		return nil, types.NewValidationError("idempotency_key", "was used for another listing")
	}
	l, err := s.listings.WithTx(tx).Get(ctx, d.ListingID)
	if err != nil {
		return nil, err
	}

	settledAt := d.CreatedAt
	if l.SoldAt != nil {
		settledAt = *l.SoldAt
	}
	return &types.SettlementReceipt{
		ListingID:  l.ListingID,
		DeliveryID: d.DeliveryID,
		SellerID:   l.SellerID,
		BuyerID:    d.RecipientID,
		Price:      d.Price,
		SaleMethod: l.SaleMethod,
		SettledAt:  settledAt,
		Replayed:   true,
	}, nil
}

// rememberPurchase records key in the settling transaction. A concurrent
// request that claimed the same key first makes this attempt retry, and the
// retry replays that request's receipt.
func (s *Service) rememberPurchase(ctx context.Context, tx *gorm.DB, key string, buyer types.Player, deliveryID string) error {
	now := s.now()
	record := &IdempotencyRecord{
		IdempotencyKey: key,
		PlayerID:       buyer.ID,
		ResourceID:     deliveryID,
		ResourceType:   resourceTypePurchase,
		ExpiresAt:      now.Add(idempotencyTTL),
		CreatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(record).Error; err != nil {
		if txn.IsUniqueViolation(err) {
			return fmt.Errorf("idempotency key %s claimed concurrently: %w", key, types.ErrTransientConflict)
		}
		return fmt.Errorf("failed to create idempotency record: %w", err)
	}
	return nil
}

func (s *Service) notifyCreated(ctx context.Context, receipt *types.SettlementReceipt) {
	d, err := s.deliveries.Get(ctx, receipt.DeliveryID)
	if err != nil {
		log.Warn().Err(err).Str("delivery_id", receipt.DeliveryID).Msg("failed to load delivery for notification")
		return
	}
	s.notify(ctx, events.Event{
		Type:          events.TypeDeliveryCreated,
		DeliveryID:    d.DeliveryID,
		ListingID:     d.ListingID,
		RecipientID:   d.RecipientID,
		RecipientName: d.RecipientName,
		OccurredAt:    receipt.SettledAt,
	})
}
