package marketplace

import (
	"context"

	"github.com/google/uuid"
	"github.com/ksred/klear-market/internal/bid"
	"github.com/ksred/klear-market/internal/listing"
	"github.com/ksred/klear-market/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// PlaceBid records a bid on an open auction. The bid must beat the current
// bid (or the starting bid) by the minimum increment. No currency moves; the
// balance check here is advisory and repeated at settlement.
func (s *Service) PlaceBid(ctx context.Context, listingID string, bidder types.Player, amount int64) (*bid.Bid, error) {
	if bidder.ID == "" {
		return nil, types.NewValidationError("bidder_id", "is required")
	}
	if amount <= 0 {
		return nil, types.NewValidationError("amount", "must be positive")
	}

	logger := log.With().
		Str("listing_id", listingID).
		Str("bidder_id", bidder.ID).
		Int64("amount", amount).
		Str("service", "marketplace").
		Logger()

	var (
		placed  *bid.Bid
		expired bool
	)
	err := s.coordinator.RunAtomic(ctx, "place_bid", func(tx *gorm.DB) error {
		expired = false
		listings := s.listings.WithTx(tx)

		l, err := listings.Get(ctx, listingID)
		if err != nil {
			return err
		}
		if !l.IsActive() {
			return l.InactiveError()
		}
		if !l.IsAuction() {
			return types.NewValidationError("listing_id", "is not an auction")
		}

		now := s.now()
		if l.HasEnded(now) {
			if l.HasBids() {
				return types.ErrListingExpired
			}
			expired = true
			return s.closeInTx(ctx, listings, l, listing.StatusExpired, listing.CloseReasonNoBids, now)
		}
		if l.SellerID == bidder.ID {
			return types.ErrSelfTrade
		}

		minimum := l.BidFloor() + s.limits.MinBidIncrement
		if amount < minimum {
			return types.NewValidationError("amount", "must be at least %d", minimum)
		}

		account, err := s.ledger.WithTx(tx).GetAccount(ctx, bidder.ID)
		if err != nil {
			return err
		}
		if account == nil || account.Balance < amount {
			return types.ErrInsufficientFunds
		}

		b := &bid.Bid{
			BidID:      "BID_" + uuid.New().String(),
			ListingID:  l.ListingID,
			BidderID:   bidder.ID,
			BidderName: bidder.DisplayName,
			Amount:     amount,
			PlacedAt:   now,
		}
		if err := s.bids.WithTx(tx).Insert(ctx, b); err != nil {
			return err
		}

		if err := listings.Update(ctx, l, map[string]interface{}{
			"current_bid":         amount,
			"highest_bidder_id":   bidder.ID,
			"highest_bidder_name": bidder.DisplayName,
			"bid_count":           l.BidCount + 1,
		}); err != nil {
			return err
		}

		placed = b
		return nil
	})
	if err != nil {
		logger.Debug().Err(err).Msg("bid rejected")
		return nil, err
	}
	if expired {
		logger.Info().Msg("auction expired before bid")
		return nil, types.ErrListingExpired
	}

	logger.Info().Str("bid_id", placed.BidID).Msg("bid placed")
	return placed, nil
}
