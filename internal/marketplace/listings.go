package marketplace

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-market/internal/bid"
	"github.com/ksred/klear-market/internal/listing"
	"github.com/ksred/klear-market/internal/txn"
	"github.com/ksred/klear-market/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

func (s *Service) validateListing(seller types.Player, req CreateListingRequest) error {
	if seller.ID == "" {
		return types.NewValidationError("seller_id", "is required")
	}
	if req.ItemID == "" {
		return types.NewValidationError("item_id", "is required")
	}

	switch req.SaleMethod {
	case listing.SaleMethodDirect:
		if req.Price < s.limits.MinPrice || req.Price > s.limits.MaxPrice {
			return types.NewValidationError("price", "must be between %d and %d", s.limits.MinPrice, s.limits.MaxPrice)
		}
	case listing.SaleMethodAuction:
		if req.StartingBid < s.limits.MinPrice || req.StartingBid > s.limits.MaxPrice {
			return types.NewValidationError("starting_bid", "must be between %d and %d", s.limits.MinPrice, s.limits.MaxPrice)
		}
		d := req.Duration()
		if d < s.limits.MinAuctionDuration || d > s.limits.MaxAuctionDuration {
			return types.NewValidationError("duration_seconds", "must be between %s and %s", s.limits.MinAuctionDuration, s.limits.MaxAuctionDuration)
		}
	default:
		return types.NewValidationError("sale_method", "must be %q or %q", listing.SaleMethodDirect, listing.SaleMethodAuction)
	}
	return nil
}

// CreateListing puts an item up for direct sale or auction. An item may back
// only one active listing at a time.
func (s *Service) CreateListing(ctx context.Context, seller types.Player, req CreateListingRequest) (*listing.Listing, error) {
	if err := s.validateListing(seller, req); err != nil {
		return nil, err
	}

	logger := log.With().
		Str("seller_id", seller.ID).
		Str("item_id", req.ItemID).
		Str("sale_method", req.SaleMethod).
		Str("service", "marketplace").
		Logger()

	now := s.now()
	l := &listing.Listing{
		ListingID:  "LST_" + uuid.New().String(),
		SellerID:   seller.ID,
		SellerName: seller.DisplayName,
		ItemID:     req.ItemID,
		Item: types.ItemSnapshot{
			ItemID:     req.ItemID,
			Kind:       req.Kind,
			Name:       req.Name,
			Attributes: req.Attributes,
		},
		SaleMethod: req.SaleMethod,
		Status:     listing.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if l.IsAuction() {
		expiresAt := now.Add(req.Duration())
		l.StartingBid = req.StartingBid
		l.ExpiresAt = &expiresAt
	} else {
		l.Price = req.Price
	}

	err := s.coordinator.RunAtomic(ctx, "create_listing", func(tx *gorm.DB) error {
		store := s.listings.WithTx(tx)

		existing, err := store.ActiveForItem(ctx, req.ItemID)
		if err != nil {
			return err
		}
		if existing != nil {
			return types.ErrItemAlreadyListed
		}

		if err := store.Create(ctx, l); err != nil {
			if txn.IsUniqueViolation(err) {
				return types.ErrItemAlreadyListed
			}
			return fmt.Errorf("failed to create listing: %w", err)
		}
		return nil
	})
	if err != nil {
		logger.Debug().Err(err).Msg("listing rejected")
		return nil, err
	}

	logger.Info().Str("listing_id", l.ListingID).Msg("listing created")
	return l, nil
}

// CancelListing withdraws a listing. Only the seller may cancel, and an
// auction can no longer be withdrawn once it has received a bid.
func (s *Service) CancelListing(ctx context.Context, listingID string, requester types.Player) (*listing.Listing, error) {
	logger := log.With().
		Str("listing_id", listingID).
		Str("requester_id", requester.ID).
		Str("service", "marketplace").
		Logger()

	var (
		result  *listing.Listing
		expired bool
	)
	err := s.coordinator.RunAtomic(ctx, "cancel_listing", func(tx *gorm.DB) error {
		expired = false
		store := s.listings.WithTx(tx)

		l, err := store.Get(ctx, listingID)
		if err != nil {
			return err
		}
		if l.SellerID != requester.ID {
			return types.ErrNotListingOwner
		}
		if !l.IsActive() {
			return l.InactiveError()
		}
		if l.IsAuction() && l.HasBids() {
			return types.ErrAuctionHasBids
		}

		now := s.now()
		if l.HasEnded(now) {
			expired = true
			return s.closeInTx(ctx, store, l, listing.StatusExpired, listing.CloseReasonNoBids, now)
		}
		result = l
		return s.closeInTx(ctx, store, l, listing.StatusCancelled, listing.CloseReasonCancelled, now)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		logger.Info().Msg("auction expired during cancel")
		return nil, types.ErrListingExpired
	}

	logger.Info().Msg("listing cancelled")
	return result, nil
}

// ExpireAuction closes an ended auction that never received a bid. Calling it
// on a listing that is already closed returns the listing unchanged.
func (s *Service) ExpireAuction(ctx context.Context, listingID string) (*listing.Listing, error) {
	var result *listing.Listing
	err := s.coordinator.RunAtomic(ctx, "expire_auction", func(tx *gorm.DB) error {
		store := s.listings.WithTx(tx)

		l, err := store.Get(ctx, listingID)
		if err != nil {
			return err
		}
		result = l
		if !l.IsActive() {
			return nil
		}
		if !l.IsAuction() {
			return types.NewValidationError("listing_id", "is not an auction")
		}
		if l.HasBids() {
			return types.ErrAuctionHasBids
		}

		now := s.now()
		if !l.HasEnded(now) {
			return types.ErrAuctionNotEnded
		}
		return s.closeInTx(ctx, store, l, listing.StatusExpired, listing.CloseReasonNoBids, now)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("listing_id", listingID).
		Str("status", result.Status).
		Str("service", "marketplace").
		Msg("auction expiry checked")
	return result, nil
}

// GetListing returns the listing, expiring it first if it is an unbid
// auction whose deadline has passed.
func (s *Service) GetListing(ctx context.Context, listingID string) (*listing.Listing, error) {
	l, err := s.listings.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if s.lapsed(l) {
		return s.ExpireAuction(ctx, listingID)
	}
	return l, nil
}

// ListActive returns listings open to buyers. Auctions whose deadline has
// passed are left out even if the sweeper has not reached them yet.
func (s *Service) ListActive(ctx context.Context, filter listing.Filter) ([]listing.Listing, error) {
	filter.OpenAt = s.now()
	return s.listings.ListActive(ctx, filter)
}

// ListBySeller returns the seller's listings in every state.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, limit int) ([]listing.Listing, error) {
	if sellerID == "" {
		return nil, types.NewValidationError("seller_id", "is required")
	}
	return s.listings.ListBySeller(ctx, sellerID, limit)
}

// BidHistory returns a listing's bids in the order they were accepted.
func (s *Service) BidHistory(ctx context.Context, listingID string) ([]bid.Bid, error) {
	if _, err := s.listings.Get(ctx, listingID); err != nil {
		return nil, err
	}
	return s.bids.ListByListing(ctx, listingID)
}

// lapsed reports whether l is an active auction past its deadline with no
// bid, i.e. one that should already be expired.
func (s *Service) lapsed(l *listing.Listing) bool {
	return l.IsActive() && l.IsAuction() && !l.HasBids() && l.HasEnded(s.now())
}

func (s *Service) closeInTx(ctx context.Context, store *listing.Database, l *listing.Listing, status, reason string, at time.Time) error {
	if err := store.Update(ctx, l, map[string]interface{}{
		"status":       status,
		"close_reason": reason,
		"closed_at":    at,
	}); err != nil {
		return err
	}
	l.Status = status
	l.CloseReason = reason
	l.ClosedAt = &at
	return nil
}
