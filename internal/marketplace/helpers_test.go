package marketplace_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ksred/klear-market/internal/config"
	"github.com/ksred/klear-market/internal/database"
	"github.com/ksred/klear-market/internal/delivery"
	"github.com/ksred/klear-market/internal/events"
	"github.com/ksred/klear-market/internal/ledger"
	"github.com/ksred/klear-market/internal/listing"
	"github.com/ksred/klear-market/internal/marketplace"
	"github.com/ksred/klear-market/internal/txn"
	"github.com/ksred/klear-market/internal/types"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	seller = types.Player{ID: "seller", DisplayName: "Brock"}
	alice  = types.Player{ID: "alice", DisplayName: "Alice"}
	bob    = types.Player{ID: "bob", DisplayName: "Bob"}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

type harness struct {
	db         *gorm.DB
	market     *marketplace.Service
	ledger     *ledger.Service
	deliveries *delivery.Service
	clock      *fakeClock
	publisher  *recordingPublisher
}

func newHarness(t *testing.T, limits marketplace.Limits) *harness {
	t.Helper()

	db, err := database.NewDatabase(config.DBConfig{Driver: config.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	publisher := &recordingPublisher{}
	coordinator := txn.NewCoordinator(db, txn.WithBackoff(time.Millisecond, 5*time.Millisecond))

	return &harness{
		db:         db,
		market:     marketplace.NewService(coordinator, limits, marketplace.WithClock(clock.Now), marketplace.WithPublisher(publisher)),
		ledger:     ledger.NewService(coordinator),
		deliveries: delivery.NewService(coordinator, publisher),
		clock:      clock,
		publisher:  publisher,
	}
}

func (h *harness) fund(t *testing.T, player types.Player, amount int64) {
	t.Helper()
	_, err := h.ledger.Deposit(context.Background(), player, amount, "test-seed")
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, playerID string) int64 {
	t.Helper()
	balance, err := h.ledger.GetBalance(context.Background(), playerID)
	require.NoError(t, err)
	return balance
}

func (h *harness) listDirect(t *testing.T, itemID string, price int64) *listing.Listing {
	t.Helper()
	l, err := h.market.CreateListing(context.Background(), seller, marketplace.CreateListingRequest{
		ItemID:     itemID,
		Kind:       "pokemon",
		Name:       "Eevee",
		SaleMethod: listing.SaleMethodDirect,
		Price:      price,
	})
	require.NoError(t, err)
	return l
}

func (h *harness) listAuction(t *testing.T, itemID string, startingBid int64, duration time.Duration) *listing.Listing {
	t.Helper()
	l, err := h.market.CreateListing(context.Background(), seller, marketplace.CreateListingRequest{
		ItemID:          itemID,
		Kind:            "pokemon",
		Name:            "Dratini",
		Attributes:      map[string]string{"shiny": "true"},
		SaleMethod:      listing.SaleMethodAuction,
		StartingBid:     startingBid,
		DurationSeconds: int64(duration / time.Second),
	})
	require.NoError(t, err)
	return l
}
