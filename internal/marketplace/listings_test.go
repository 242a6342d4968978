package marketplace_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ksred/klear-market/internal/listing"
	"github.com/ksred/klear-market/internal/marketplace"
	"github.com/ksred/klear-market/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateListing_Validation(t *testing.T) {
	limits := marketplace.DefaultLimits()
	limits.MinPrice = 10
	limits.MaxPrice = 10_000
	h := newHarness(t, limits)

	tests := []struct {
		name  string
		req   marketplace.CreateListingRequest
		field string
	}{
		{"missing item", marketplace.CreateListingRequest{SaleMethod: listing.SaleMethodDirect, Price: 100}, "item_id"},
		{"unknown method", marketplace.CreateListingRequest{ItemID: "i", SaleMethod: "barter", Price: 100}, "sale_method"},
		{"price too low", marketplace.CreateListingRequest{ItemID: "i", SaleMethod: listing.SaleMethodDirect, Price: 5}, "price"},
		{"price too high", marketplace.CreateListingRequest{ItemID: "i", SaleMethod: listing.SaleMethodDirect, Price: 10_001}, "price"},
		{"starting bid too low", marketplace.CreateListingRequest{ItemID: "i", SaleMethod: listing.SaleMethodAuction, StartingBid: 1, DurationSeconds: 3600}, "starting_bid"},
		{"auction too short", marketplace.CreateListingRequest{ItemID: "i", SaleMethod: listing.SaleMethodAuction, StartingBid: 100, DurationSeconds: 10}, "duration_seconds"},
		{"auction too long", marketplace.CreateListingRequest{ItemID: "i", SaleMethod: listing.SaleMethodAuction, StartingBid: 100, DurationSeconds: int64((8 * 24 * time.Hour) / time.Second)}, "duration_seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.market.CreateListing(context.Background(), seller, tt.req)
			var ve *types.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	_, err := h.market.CreateListing(context.Background(), types.Player{}, marketplace.CreateListingRequest{ItemID: "i", SaleMethod: listing.SaleMethodDirect, Price: 100})
	assert.True(t, types.IsValidation(err))
}

func TestCreateListing_Fields(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())

	direct := h.listDirect(t, "item-1", 250)
	assert.Contains(t, direct.ListingID, "LST_")
	assert.Equal(t, listing.StatusActive, direct.Status)
	assert.Equal(t, int64(250), direct.Price)
	assert.Nil(t, direct.ExpiresAt)
	assert.Equal(t, "Brock", direct.SellerName)

	auction := h.listAuction(t, "item-2", 1000, 2*time.Hour)
	require.NotNil(t, auction.ExpiresAt)
	assert.True(t, auction.ExpiresAt.Equal(h.clock.Now().Add(2*time.Hour)))
	assert.Equal(t, int64(1000), auction.StartingBid)
	assert.Nil(t, auction.CurrentBid)
	assert.Equal(t, "true", auction.Item.Attributes["shiny"])
}

func TestCreateListing_OneActiveListingPerItem(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	ctx := context.Background()

	first := h.listDirect(t, "item-1", 100)

	_, err := h.market.CreateListing(ctx, seller, marketplace.CreateListingRequest{
		ItemID: "item-1", SaleMethod: listing.SaleMethodAuction, StartingBid: 10, DurationSeconds: 3600,
	})
	assert.ErrorIs(t, err, types.ErrItemAlreadyListed)

	_, err = h.market.CancelListing(ctx, first.ListingID, seller)
	require.NoError(t, err)

	h.listDirect(t, "item-1", 120)

	active, err := h.market.ListActive(ctx, listing.Filter{})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestCreateListing_UniqueIndexBackstop(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	h.listDirect(t, "item-1", 100)

	err := h.db.Create(&listing.Listing{
		ListingID:  "LST_manual",
		SellerID:   "other",
		ItemID:     "item-1",
		SaleMethod: listing.SaleMethodDirect,
		Price:      50,
		Status:     listing.StatusActive,
	}).Error
	assert.Error(t, err)

	err = h.db.Create(&listing.Listing{
		ListingID:  "LST_closed",
		SellerID:   "other",
		ItemID:     "item-1",
		SaleMethod: listing.SaleMethodDirect,
		Price:      50,
		Status:     listing.StatusCancelled,
	}).Error
	assert.NoError(t, err)
}

func TestCancelListing(t *testing.T) {
	ctx := context.Background()

	t.Run("seller cancels direct listing", func(t *testing.T) {
		h := newHarness(t, marketplace.DefaultLimits())
		l := h.listDirect(t, "item-1", 100)

		cancelled, err := h.market.CancelListing(ctx, l.ListingID, seller)
		require.NoError(t, err)
		assert.Equal(t, listing.StatusCancelled, cancelled.Status)
		assert.Equal(t, listing.CloseReasonCancelled, cancelled.CloseReason)

		_, err = h.market.CancelListing(ctx, l.ListingID, seller)
		assert.ErrorIs(t, err, types.ErrListingNotActive)
	})

	t.Run("only the seller", func(t *testing.T) {
		h := newHarness(t, marketplace.DefaultLimits())
		l := h.listDirect(t, "item-1", 100)

		_, err := h.market.CancelListing(ctx, l.ListingID, alice)
		assert.ErrorIs(t, err, types.ErrNotListingOwner)
	})

	t.Run("auction with a bid", func(t *testing.T) {
		h := newHarness(t, marketplace.DefaultLimits())
		h.fund(t, alice, 5000)
		l := h.listAuction(t, "item-1", 1000, time.Hour)
		_, err := h.market.PlaceBid(ctx, l.ListingID, alice, 1001)
		require.NoError(t, err)

		_, err = h.market.CancelListing(ctx, l.ListingID, seller)
		assert.ErrorIs(t, err, types.ErrAuctionHasBids)
	})

	t.Run("sold listing", func(t *testing.T) {
		h := newHarness(t, marketplace.DefaultLimits())
		h.fund(t, alice, 5000)
		l := h.listDirect(t, "item-1", 100)
		_, err := h.market.Purchase(ctx, l.ListingID, alice, "")
		require.NoError(t, err)

		_, err = h.market.CancelListing(ctx, l.ListingID, seller)
		assert.ErrorIs(t, err, types.ErrListingAlreadySold)
		assert.ErrorIs(t, err, types.ErrListingNotActive)
	})

	t.Run("lapsed auction is expired instead", func(t *testing.T) {
		h := newHarness(t, marketplace.DefaultLimits())
		l := h.listAuction(t, "item-1", 1000, time.Minute)
		h.clock.Advance(time.Hour)

		_, err := h.market.CancelListing(ctx, l.ListingID, seller)
		assert.ErrorIs(t, err, types.ErrListingExpired)

		got, err := h.market.GetListing(ctx, l.ListingID)
		require.NoError(t, err)
		assert.Equal(t, listing.StatusExpired, got.Status)
	})

	t.Run("unknown listing", func(t *testing.T) {
		h := newHarness(t, marketplace.DefaultLimits())
		_, err := h.market.CancelListing(ctx, "LST_missing", seller)
		assert.ErrorIs(t, err, types.ErrListingNotFound)
	})
}

func TestGetListing_LazilyExpiresLapsedAuction(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	ctx := context.Background()
	l := h.listAuction(t, "item-1", 1000, time.Minute)

	active, err := h.market.ListActive(ctx, listing.Filter{SaleMethod: listing.SaleMethodAuction})
	require.NoError(t, err)
	assert.Len(t, active, 1)

	h.clock.Advance(time.Minute)

	active, err = h.market.ListActive(ctx, listing.Filter{SaleMethod: listing.SaleMethodAuction})
	require.NoError(t, err)
	assert.Empty(t, active)

	got, err := h.market.GetListing(ctx, l.ListingID)
	require.NoError(t, err)
	assert.Equal(t, listing.StatusExpired, got.Status)
	assert.Equal(t, listing.CloseReasonNoBids, got.CloseReason)
}

func TestListActive_FullPageDespiteEndedAuctions(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.listDirect(t, fmt.Sprintf("direct-%d", i), 500)
	}
	h.clock.Advance(time.Second)
	for i := 0; i < 3; i++ {
		h.listAuction(t, fmt.Sprintf("auction-%d", i), 1000, time.Minute)
	}
	h.clock.Advance(time.Minute)

	page, err := h.market.ListActive(ctx, listing.Filter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	for _, l := range page {
		assert.Equal(t, listing.SaleMethodDirect, l.SaleMethod)
	}
}

func TestExpireAuction(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	ctx := context.Background()
	h.fund(t, alice, 5000)

	open := h.listAuction(t, "item-1", 1000, time.Hour)
	_, err := h.market.ExpireAuction(ctx, open.ListingID)
	assert.ErrorIs(t, err, types.ErrAuctionNotEnded)

	bidOn := h.listAuction(t, "item-2", 1000, time.Hour)
	_, err = h.market.PlaceBid(ctx, bidOn.ListingID, alice, 1500)
	require.NoError(t, err)

	direct := h.listDirect(t, "item-3", 100)
	_, err = h.market.ExpireAuction(ctx, direct.ListingID)
	assert.True(t, types.IsValidation(err))

	h.clock.Advance(2 * time.Hour)

	_, err = h.market.ExpireAuction(ctx, bidOn.ListingID)
	assert.ErrorIs(t, err, types.ErrAuctionHasBids)

	expired, err := h.market.ExpireAuction(ctx, open.ListingID)
	require.NoError(t, err)
	assert.Equal(t, listing.StatusExpired, expired.Status)

	again, err := h.market.ExpireAuction(ctx, open.ListingID)
	require.NoError(t, err)
	assert.Equal(t, listing.StatusExpired, again.Status)
	assert.True(t, expired.ClosedAt.Equal(*again.ClosedAt))
}

func TestListBySeller(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	ctx := context.Background()

	l := h.listDirect(t, "item-1", 100)
	h.listDirect(t, "item-2", 100)
	_, err := h.market.CancelListing(ctx, l.ListingID, seller)
	require.NoError(t, err)

	mine, err := h.market.ListBySeller(ctx, seller.ID, 0)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	none, err := h.market.ListBySeller(ctx, alice.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
