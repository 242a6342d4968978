package marketplace

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-market/internal/listing"
	"github.com/ksred/klear-market/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ResolveAuction settles an ended auction with its highest bidder. An auction
// that ended without bids is expired instead and ErrListingExpired returned.
// If the winner can no longer cover the bid the call fails with
// ErrInsufficientFunds and leaves the listing untouched.
func (s *Service) ResolveAuction(ctx context.Context, listingID string) (*types.SettlementReceipt, error) {
	logger := log.With().
		Str("listing_id", listingID).
		Str("service", "marketplace").
		Logger()

	var (
		receipt *types.SettlementReceipt
		expired bool
	)
	err := s.coordinator.RunAtomic(ctx, "resolve_auction", func(tx *gorm.DB) error {
		receipt, expired = nil, false
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
		if !l.HasEnded(now) {
			return types.ErrAuctionNotEnded
		}
		if !l.HasBids() {
			expired = true
			return s.closeInTx(ctx, listings, l, listing.StatusExpired, listing.CloseReasonNoBids, now)
		}

		winner := types.Player{ID: *l.HighestBidderID, DisplayName: l.HighestBidderName}
		price := *l.CurrentBid

		top, err := s.bids.WithTx(tx).Highest(ctx, l.ListingID)
		if err != nil {
			return err
		}
		if top != nil && (top.BidderID != winner.ID || top.Amount != price) {
			logger.Error().
				Str("bid_id", top.BidID).
				Int64("current_bid", price).
				Msg("listing disagrees with bid history")
			return fmt.Errorf("listing %s current bid does not match bid %s", l.ListingID, top.BidID)
		}

		receipt, err = s.settle(ctx, tx, l, winner, price, listing.CloseReasonAuctionWon)
		return err
	})
	if err != nil {
		if errors.Is(err, types.ErrInsufficientFunds) {
			logger.Warn().Msg("auction winner cannot cover the winning bid")
		}
		return nil, err
	}
	if expired {
		logger.Info().Msg("auction ended without bids")
		return nil, types.ErrListingExpired
	}

	logger.Info().
		Str("buyer_id", receipt.BuyerID).
		Str("delivery_id", receipt.DeliveryID).
		Int64("price", receipt.Price).
		Msg("auction settled")
	s.notifyCreated(ctx, receipt)
	return receipt, nil
}

// CloseDefaultedAuction expires an ended auction whose winner cannot pay, so
// the seller can relist the item. No currency moves and the next highest
// bidder is not offered the item.
func (s *Service) CloseDefaultedAuction(ctx context.Context, listingID string) (*listing.Listing, error) {
	var result *listing.Listing
	err := s.coordinator.RunAtomic(ctx, "close_defaulted_auction", func(tx *gorm.DB) error {
		listings := s.listings.WithTx(tx)

		l, err := listings.Get(ctx, listingID)
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

		now := s.now()
		if !l.HasEnded(now) {
			return types.ErrAuctionNotEnded
		}
		if !l.HasBids() {
			return s.closeInTx(ctx, listings, l, listing.StatusExpired, listing.CloseReasonNoBids, now)
		}

		account, err := s.ledger.WithTx(tx).GetAccount(ctx, *l.HighestBidderID)
		if err != nil {
			return err
		}
		if account != nil && account.Balance >= *l.CurrentBid {
			return types.NewValidationError("listing_id", "winning bidder can cover the bid; resolve the auction instead")
		}
		return s.closeInTx(ctx, listings, l, listing.StatusExpired, listing.CloseReasonWinnerDefault, now)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("listing_id", listingID).
		Str("status", result.Status).
		Str("close_reason", result.CloseReason).
		Str("service", "marketplace").
		Msg("defaulted auction closed")
	return result, nil
}
