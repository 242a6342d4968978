package marketplace_test

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/ksred/klear-market/internal/listing"
	"github.com/ksred/klear-market/internal/marketplace"
	"github.com/ksred/klear-market/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPurchase_Rejections(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	ctx := context.Background()
	h.fund(t, seller, 5000)
	h.fund(t, alice, 5000)

	direct := h.listDirect(t, "item-1", 100)
	auction := h.listAuction(t, "item-2", 100, time.Hour)

	_, err := h.market.Purchase(ctx, direct.ListingID, seller, "")
	assert.ErrorIs(t, err, types.ErrSelfTrade)

	_, err = h.market.Purchase(ctx, auction.ListingID, alice, "")
	assert.True(t, types.IsValidation(err))

	_, err = h.market.Purchase(ctx, "LST_missing", alice, "")
	assert.ErrorIs(t, err, types.ErrListingNotFound)

	_, err = h.market.Purchase(ctx, direct.ListingID, types.Player{}, "")
	assert.True(t, types.IsValidation(err))

	_, err = h.market.CancelListing(ctx, direct.ListingID, seller)
	require.NoError(t, err)
	_, err = h.market.Purchase(ctx, direct.ListingID, alice, "")
	assert.ErrorIs(t, err, types.ErrListingNotActive)
	assert.NotErrorIs(t, err, types.ErrListingAlreadySold)

	assert.Equal(t, int64(5000), h.balance(t, "alice"))
}

func TestPurchase_IdempotencyKeyReplays(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	ctx := context.Background()
	h.fund(t, alice, 5000)
	h.fund(t, bob, 5000)

	l := h.listDirect(t, "item-1", 1200)

	first, err := h.market.Purchase(ctx, l.ListingID, alice, "key-1")
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := h.market.Purchase(ctx, l.ListingID, alice, "key-1")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.DeliveryID, second.DeliveryID)
	assert.Equal(t, first.Price, second.Price)
	assert.True(t, first.SettledAt.Equal(second.SettledAt))

	assert.Equal(t, int64(3800), h.balance(t, "alice"))
	assert.Len(t, h.publisher.published(), 1)

	// another buyer cannot reuse the key
	_, err = h.market.Purchase(ctx, l.ListingID, bob, "key-1")
	assert.True(t, types.IsValidation(err))

	// without the key the same buyer sees the listing is gone
	_, err = h.market.Purchase(ctx, l.ListingID, alice, "")
	assert.ErrorIs(t, err, types.ErrListingAlreadySold)
}

func TestPurchase_IdempotencyKeyBoundToListing(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	ctx := context.Background()
	h.fund(t, alice, 5000)

	first := h.listDirect(t, "item-1", 1000)
	second := h.listDirect(t, "item-2", 700)

	_, err := h.market.Purchase(ctx, first.ListingID, alice, "key-1")
	require.NoError(t, err)

	_, err = h.market.Purchase(ctx, second.ListingID, alice, "key-1")
	require.Error(t, err)
	var validationErr *types.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "idempotency_key", validationErr.Field)

	got, err := h.market.GetListing(ctx, second.ListingID)
	require.NoError(t, err)
	assert.Equal(t, listing.StatusActive, got.Status)
	assert.Equal(t, int64(4000), h.balance(t, "alice"))

	// the key still replays for the listing it bought
	replay, err := h.market.Purchase(ctx, first.ListingID, alice, "key-1")
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
}

func TestFetchPending_ReturnsEverySettledDelivery(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	ctx := context.Background()
	h.fund(t, alice, 1_000_000)

	for i := 0; i < 150; i++ {
		l := h.listDirect(t, fmt.Sprintf("bulk-%03d", i), 100)
		_, err := h.market.Purchase(ctx, l.ListingID, alice, "")
		require.NoError(t, err)
	}

	pending, err := h.deliveries.FetchPending(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 150)
}

func TestPurchase_SellerBalanceAtCap(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	ctx := context.Background()
	h.fund(t, seller, math.MaxInt64-50)
	h.fund(t, alice, 5000)

	l := h.listDirect(t, "item-1", 100)
	_, err := h.market.Purchase(ctx, l.ListingID, alice, "")
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))

	assert.Equal(t, int64(5000), h.balance(t, "alice"))
	assert.Equal(t, int64(math.MaxInt64-50), h.balance(t, "seller"))
	got, err := h.market.GetListing(ctx, l.ListingID)
	require.NoError(t, err)
	assert.Equal(t, listing.StatusActive, got.Status)
}

func TestPurchase_IdempotencyKeyLapses(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	ctx := context.Background()
	h.fund(t, alice, 5000)

	first := h.listDirect(t, "item-1", 1000)
	_, err := h.market.Purchase(ctx, first.ListingID, alice, "key-1")
	require.NoError(t, err)

	h.clock.Advance(25 * time.Hour)

	second := h.listDirect(t, "item-2", 1000)
	receipt, err := h.market.Purchase(ctx, second.ListingID, alice, "key-1")
	require.NoError(t, err)
	assert.False(t, receipt.Replayed)
	assert.Equal(t, second.ListingID, receipt.ListingID)
	assert.Equal(t, int64(3000), h.balance(t, "alice"))
}

func TestSettledTrades_Invariants(t *testing.T) {
	h := newHarness(t, marketplace.DefaultLimits())
	ctx := context.Background()
	h.fund(t, alice, 3000)
	h.fund(t, bob, 3000)

	prices := []int64{1000, 2500, 700, 1800, 400}
	buyers := []types.Player{alice, bob}
	var sold int
	for i, price := range prices {
		l := h.listDirect(t, "bulk-"+string(rune('a'+i)), price)
		buyer := buyers[i%2]
		before := h.balance(t, buyer.ID)
		sellerBefore := h.balance(t, seller.ID)

		_, err := h.market.Purchase(ctx, l.ListingID, buyer, "")
		if before < price {
			assert.ErrorIs(t, err, types.ErrInsufficientFunds)
			assert.Equal(t, before, h.balance(t, buyer.ID))
			continue
		}
		require.NoError(t, err)
		sold++
		assert.Equal(t, before-price, h.balance(t, buyer.ID))
		assert.Equal(t, sellerBefore+price, h.balance(t, seller.ID))

		got, err := h.market.GetListing(ctx, l.ListingID)
		require.NoError(t, err)
		assert.Equal(t, listing.StatusSold, got.Status)
	}

	for _, p := range []types.Player{alice, bob, seller} {
		assert.GreaterOrEqual(t, h.balance(t, p.ID), int64(0))
	}
	assert.Equal(t, int64(6000), h.balance(t, "alice")+h.balance(t, "bob")+h.balance(t, "seller"))

	pending, err := h.deliveries.FetchPending(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, pending, sold)
}

func TestProcessor_StartStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	h := newHarness(t, marketplace.DefaultLimits())
	l := h.listAuction(t, "item-1", 1000, time.Minute)
	h.clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	processor := marketplace.NewProcessor(h.market, 10*time.Millisecond, 10)
	go func() { done <- processor.Start(ctx) }()

	require.Eventually(t, func() bool {
		var status string
		h.db.Model(&listing.Listing{}).Where("listing_id = ?", l.ListingID).Select("status").Scan(&status)
		return status == listing.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}
