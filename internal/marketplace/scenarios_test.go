package marketplace_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ksred/klear-market/internal/events"
	"github.com/ksred/klear-market/internal/listing"
	"github.com/ksred/klear-market/internal/marketplace"
	"github.com/ksred/klear-market/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarioA_DirectPurchaseSettles(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	ctx := context.Background()
	h.fund(t, alice, 5000)

	l := h.listDirect(t, "item-x", 3000)

	receipt, err := h.market.Purchase(ctx, l.ListingID, alice, "")
	require.NoError(t, err)
	assert.Equal(t, l.ListingID, receipt.ListingID)
	assert.Equal(t, int64(3000), receipt.Price)
	assert.Equal(t, "alice", receipt.BuyerID)
	assert.Equal(t, "seller", receipt.SellerID)
	assert.False(t, receipt.Replayed)

	assert.Equal(t, int64(2000), h.balance(t, "alice"))
	assert.Equal(t, int64(3000), h.balance(t, "seller"))

	sold, err := h.market.GetListing(ctx, l.ListingID)
	require.NoError(t, err)
	assert.Equal(t, listing.StatusSold, sold.Status)
	assert.Equal(t, listing.CloseReasonPurchased, sold.CloseReason)
	require.NotNil(t, sold.SoldAt)
	require.NotNil(t, sold.BuyerID)
	assert.Equal(t, "alice", *sold.BuyerID)

	pending, err := h.deliveries.FetchPending(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, receipt.DeliveryID, pending[0].DeliveryID)
	assert.Equal(t, "item-x", pending[0].Item.ItemID)
	assert.Equal(t, "Eevee", pending[0].Item.Name)

	published := h.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, events.TypeDeliveryCreated, published[0].Type)
	assert.Equal(t, "alice", published[0].RecipientID)
}

func TestScenarioB_InsufficientFundsLeavesEverythingUntouched(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	ctx := context.Background()
	h.fund(t, alice, 2000)

	l := h.listDirect(t, "item-x", 3000)

	_, err := h.market.Purchase(ctx, l.ListingID, alice, "")
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)

	still, err := h.market.GetListing(ctx, l.ListingID)
	require.NoError(t, err)
	assert.Equal(t, listing.StatusActive, still.Status)

	assert.Equal(t, int64(2000), h.balance(t, "alice"))
	assert.Equal(t, int64(0), h.balance(t, "seller"))

	pending, err := h.deliveries.FetchPending(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, h.publisher.published())
}

func TestScenarioC_BidIncrement(t *testing.T) {
	limits := marketplace.DefaultLimits()
	limits.MinBidIncrement = 100
	h := newHarness(t, limits)
	ctx := context.Background()
	h.fund(t, alice, 5000)
	h.fund(t, bob, 5000)

	l := h.listAuction(t, "item-y", 1000, time.Hour)

	_, err := h.market.PlaceBid(ctx, l.ListingID, alice, 1200)
	require.NoError(t, err)

	_, err = h.market.PlaceBid(ctx, l.ListingID, bob, 1100)
	assert.True(t, types.IsValidation(err), "expected validation error, got %v", err)

	_, err = h.market.PlaceBid(ctx, l.ListingID, bob, 1300)
	require.NoError(t, err)

	current, err := h.market.GetListing(ctx, l.ListingID)
	require.NoError(t, err)
	require.NotNil(t, current.CurrentBid)
	require.NotNil(t, current.HighestBidderID)
	assert.Equal(t, int64(1300), *current.CurrentBid)
	assert.Equal(t, "bob", *current.HighestBidderID)
	assert.Equal(t, "Bob", current.HighestBidderName)
	assert.Equal(t, 2, current.BidCount)

	history, err := h.market.BidHistory(ctx, l.ListingID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1200), history[0].Amount)
	assert.Equal(t, int64(1300), history[1].Amount)

	// bidding moves no currency
	assert.Equal(t, int64(5000), h.balance(t, "alice"))
	assert.Equal(t, int64(5000), h.balance(t, "bob"))
}

func TestScenarioD_UnbidAuctionExpires(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	ctx := context.Background()

	l := h.listAuction(t, "item-z", 1000, time.Minute)
	h.clock.Advance(2 * time.Minute)

	result, err := marketplace.NewProcessor(h.market, time.Second, 10).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, marketplace.SweepResult{Expired: 1}, result)

	expired, err := h.market.GetListing(ctx, l.ListingID)
	require.NoError(t, err)
	assert.Equal(t, listing.StatusExpired, expired.Status)
	assert.Equal(t, listing.CloseReasonNoBids, expired.CloseReason)
	assert.NotNil(t, expired.ClosedAt)

	assert.Equal(t, int64(0), h.balance(t, "seller"))
	entries, err := h.ledger.History(ctx, "seller", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// the item can be listed again
	h.listDirect(t, "item-z", 500)
}

func TestScenarioE_ConcurrentPurchaseHasOneWinner(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	ctx := context.Background()
	h.fund(t, alice, 5000)
	h.fund(t, bob, 5000)

	l := h.listDirect(t, "item-x", 3000)

	buyers := []types.Player{alice, bob}
	errs := make([]error, len(buyers))
	var wg sync.WaitGroup
	for i, buyer := range buyers {
		wg.Add(1)
		go func(i int, buyer types.Player) {
			defer wg.Done()
			_, errs[i] = h.market.Purchase(ctx, l.ListingID, buyer, "")
		}(i, buyer)
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, types.ErrListingNotActive)
		rejected++
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	assert.Equal(t, int64(7000), h.balance(t, "alice")+h.balance(t, "bob"))
	assert.Equal(t, int64(3000), h.balance(t, "seller"))

	pending, err := h.deliveries.FetchPending(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
