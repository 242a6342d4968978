package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/ksred/klear-market/internal/auth"
	"github.com/ksred/klear-market/internal/delivery"
	"github.com/ksred/klear-market/internal/ledger"
	"github.com/ksred/klear-market/internal/listing"
	"github.com/ksred/klear-market/internal/marketplace"
	"github.com/ksred/klear-market/internal/types"
)

var (
	itemKinds = []string{"sword", "shield", "helm", "potion", "ring"}
	itemNames = []string{"Rusty", "Gleaming", "Ancient", "Cursed", "Blessed"}
)

// errRateLimited is returned when the API answers 429.
var errRateLimited = errors.New("rate limited")

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes min, max, mean, median, p95 and p99 of the recorded durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient drives the marketplace API over HTTP as both the game
// server and its players.
type simulationClient struct {
	baseURL     string
	serverToken string
	client      *http.Client
	stats       map[string]*routeStats
	order       []string
}

func newSimulationClient(baseURL, apiKey, apiSecret string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		stats:   map[string]*routeStats{},
	}
	for _, r := range []struct{ key, name string }{
		{"auth", "Server Token"},
		{"player_token", "Player Token"},
		{"deposit", "Deposit"},
		{"create", "Create Listing"},
		{"purchase", "Purchase"},
		{"bid", "Place Bid"},
		{"get", "Get Listing"},
		{"pending", "Pending Deliveries"},
		{"ack", "Acknowledge"},
		{"balance", "Balance"},
	} {
		sc.stats[r.key] = &routeStats{name: r.name}
		sc.order = append(sc.order, r.key)
	}

	var token auth.TokenResponse
	err := sc.do("auth", http.MethodPost, "/api/v1/auth/token", "", nil,
		auth.Credentials{APIKey: apiKey, APISecret: apiSecret}, &token)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.serverToken = token.Token

	return sc, nil
}

// do sends one request and decodes the data field of the response envelope
// into out. Any non-2xx status is returned as an error carrying the body.
func (sc *simulationClient) do(route, method, path, token string, headers map[string]string, body, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		sc.stats[route].record(time.Since(start), err != nil)
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode == http.StatusTooManyRequests {
		return errRateLimited
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}

	envelope := struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(envelope.Data, out)
}

// retry repeats fn while the API is rate limiting, backing off between tries.
func retry(fn func() error) error {
	wait := 500 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := fn()
		if !errors.Is(err, errRateLimited) || attempt == 5 {
			return err
		}
		time.Sleep(wait)
		wait *= 2
	}
}

type simPlayer struct {
	types.Player
	token string
}

func (sc *simulationClient) newPlayer(i int, grant int64) (*simPlayer, error) {
	p := &simPlayer{Player: types.Player{
		ID:          fmt.Sprintf("player-%d-%s", i, uuid.NewString()[:8]),
		DisplayName: fmt.Sprintf("Player %d", i),
	}}

	var token auth.TokenResponse
	err := retry(func() error {
		return sc.do("player_token", http.MethodPost, "/api/v1/internal/players/token", sc.serverToken, nil,
			auth.PlayerTokenRequest{PlayerID: p.ID, DisplayName: p.DisplayName}, &token)
	})
	if err != nil {
		return nil, err
	}
	p.token = token.Token

	err = retry(func() error {
		return sc.do("deposit", http.MethodPost, "/api/v1/internal/ledger/deposit", sc.serverToken, nil,
			ledger.DepositRequest{PlayerID: p.ID, DisplayName: p.DisplayName, Amount: grant, Reference: "simulation-grant"}, nil)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (sc *simulationClient) createListing(seller *simPlayer, request marketplace.CreateListingRequest) (*listing.Listing, error) {
	var l listing.Listing
	err := retry(func() error {
		return sc.do("create", http.MethodPost, "/api/v1/listings", seller.token, nil, request, &l)
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (sc *simulationClient) purchase(buyer *simPlayer, listingID, key string) (*types.SettlementReceipt, error) {
	var receipt types.SettlementReceipt
	err := retry(func() error {
		return sc.do("purchase", http.MethodPost, "/api/v1/listings/"+listingID+"/purchase", buyer.token,
			map[string]string{"Idempotency-Key": key}, nil, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (sc *simulationClient) placeBid(bidder *simPlayer, listingID string, amount int64) error {
	return retry(func() error {
		return sc.do("bid", http.MethodPost, "/api/v1/listings/"+listingID+"/bids", bidder.token, nil,
			marketplace.PlaceBidRequest{Amount: amount}, nil)
	})
}

func (sc *simulationClient) getListing(p *simPlayer, listingID string) (*listing.Listing, error) {
	var l listing.Listing
	err := retry(func() error {
		return sc.do("get", http.MethodGet, "/api/v1/listings/"+listingID, p.token, nil, nil, &l)
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (sc *simulationClient) pendingDeliveries(recipientID string) ([]delivery.PendingDelivery, error) {
	var pending delivery.PendingResponse
	err := retry(func() error {
		return sc.do("pending", http.MethodGet, "/api/v1/deliveries/pending?recipient_id="+recipientID, sc.serverToken, nil, nil, &pending)
	})
	return pending.Deliveries, err
}

func (sc *simulationClient) acknowledge(deliveryID string) error {
	return retry(func() error {
		return sc.do("ack", http.MethodPost, "/api/v1/deliveries/"+deliveryID+"/ack", sc.serverToken, nil, nil, nil)
	})
}

func (sc *simulationClient) balance(p *simPlayer) (int64, error) {
	var b ledger.BalanceResponse
	err := retry(func() error {
		return sc.do("balance", http.MethodGet, "/api/v1/me/balance", p.token, nil, nil, &b)
	})
	return b.Balance, err
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range sc.order {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

type simulationStats struct {
	mu             sync.Mutex
	Listed         int
	Purchased      int
	Replayed       int
	Bids           int
	RejectedBids   int
	FailedListings int
	FailedBuys     int
	Delivered      int
	Volume         int64
	Kinds          map[string]int
}

func (s *simulationStats) add(fn func(s *simulationStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func randomItem() types.ItemSnapshot {
	kind := itemKinds[rand.Intn(len(itemKinds))]
	return types.ItemSnapshot{
		ItemID:     uuid.NewString(),
		Kind:       kind,
		Name:       fmt.Sprintf("%s %s", itemNames[rand.Intn(len(itemNames))], kind),
		Attributes: map[string]string{"level": fmt.Sprintf("%d", rand.Intn(60)+1)},
	}
}

// main drives a running marketplace API: players list items, buy them
// directly, bid on auctions, and the game server delivers the purchases.
func main() {
	addr := pflag.String("addr", "http://localhost:8080", "marketplace API base URL")
	apiKey := pflag.String("api-key", "test-api-key", "game server API key")
	apiSecret := pflag.String("api-secret", "test-api-secret", "game server API secret")
	numPlayers := pflag.Int("players", 6, "number of simulated players")
	numListings := pflag.Int("listings", 30, "listings each seller worker creates")
	auctionShare := pflag.Float64("auction-share", 0.25, "fraction of listings sold by auction")
	grant := pflag.Int64("grant", 50_000, "currency granted to each player")
	debug := pflag.Bool("debug", false, "log API responses")
	pflag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if *numPlayers < 2 {
		log.Fatal().Int("players", *numPlayers).Msg("Simulation needs at least two players")
	}

	simClient, err := newSimulationClient(*addr, *apiKey, *apiSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	players := make([]*simPlayer, 0, *numPlayers)
	for i := 0; i < *numPlayers; i++ {
		p, err := simClient.newPlayer(i, *grant)
		if err != nil {
			log.Fatal().Err(err).Int("player", i).Msg("Failed to set up player")
		}
		players = append(players, p)
	}
	log.Info().Int("players", len(players)).Int64("grant", *grant).Msg("Starting simulation")

	stats := &simulationStats{Kinds: make(map[string]int)}
	start := time.Now()

	var wg sync.WaitGroup
	for i, seller := range players {
		wg.Add(1)
		go func(workerID int, seller *simPlayer) {
			defer wg.Done()
			runSeller(workerID, *numListings, *auctionShare, seller, players, simClient, stats)
		}(i, seller)
	}
	wg.Wait()

	// The game server hands over everything that was bought.
	for _, p := range players {
		pending, err := simClient.pendingDeliveries(p.ID)
		if err != nil {
			log.Error().Err(err).Str("player_id", p.ID).Msg("Failed to fetch pending deliveries")
			continue
		}
		for _, d := range pending {
			if err := simClient.acknowledge(d.DeliveryID); err != nil {
				log.Error().Err(err).Str("delivery_id", d.DeliveryID).Msg("Failed to acknowledge delivery")
				continue
			}
			stats.add(func(s *simulationStats) { s.Delivered++ })
			log.Info().
				Str("delivery_id", d.DeliveryID).
				Str("recipient_id", d.RecipientID).
				Str("item", d.Item.Name).
				Msg("Item delivered")
		}
	}

	var total int64
	for _, p := range players {
		b, err := simClient.balance(p)
		if err != nil {
			log.Error().Err(err).Str("player_id", p.ID).Msg("Failed to fetch balance")
			continue
		}
		total += b
	}

	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🛒 MARKETPLACE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Listing Statistics
------------------
Listed:           %d
Purchased:        %d
Replayed buys:    %d
Bids placed:      %d
Bids rejected:    %d
Failed listings:  %d
Failed purchases: %d
Delivered:        %d
Volume:           %d
Currency total:   %d (granted %d)
Duration:         %v

📈 Item Kind Distribution
--------------------
`, stats.Listed, stats.Purchased, stats.Replayed, stats.Bids, stats.RejectedBids,
		stats.FailedListings, stats.FailedBuys, stats.Delivered, stats.Volume,
		total, *grant*int64(len(players)), duration.Round(time.Millisecond))

	maxKindCount := 0
	for _, count := range stats.Kinds {
		if count > maxKindCount {
			maxKindCount = count
		}
	}
	for kind, count := range stats.Kinds {
		bar := strings.Repeat("█", int(float64(count)/float64(maxKindCount)*20))
		fmt.Printf("%-8s: %s (%d)\n", kind, bar, count)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	if total != *grant*int64(len(players)) {
		log.Error().
			Int64("total", total).
			Int64("granted", *grant*int64(len(players))).
			Msg("Currency was created or destroyed during the simulation")
	}
	log.Info().
		Int("purchased", stats.Purchased).
		Int("delivered", stats.Delivered).
		Int64("volume", stats.Volume).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// runSeller lists items for one seller and has the other players buy the
// direct sales and bid on the auctions.
func runSeller(workerID, numListings int, auctionShare float64, seller *simPlayer, players []*simPlayer, simClient *simulationClient, stats *simulationStats) {
	others := make([]*simPlayer, 0, len(players)-1)
	for _, p := range players {
		if p.ID != seller.ID {
			others = append(others, p)
		}
	}

	for i := 0; i < numListings; i++ {
		item := randomItem()
		request := marketplace.CreateListingRequest{
			ItemID:     item.ItemID,
			Kind:       item.Kind,
			Name:       item.Name,
			Attributes: item.Attributes,
			SaleMethod: listing.SaleMethodDirect,
			Price:      int64(rand.Intn(900) + 100),
		}
		auction := rand.Float64() < auctionShare
		if auction {
			request.SaleMethod = listing.SaleMethodAuction
			request.Price = 0
			request.StartingBid = int64(rand.Intn(200) + 50)
			request.DurationSeconds = 60
		}

		l, err := simClient.createListing(seller, request)
		if err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Str("item_id", item.ItemID).Msg("Failed to create listing")
			stats.add(func(s *simulationStats) { s.FailedListings++ })
			continue
		}
		stats.add(func(s *simulationStats) {
			s.Listed++
			s.Kinds[item.Kind]++
		})
		log.Info().
			Int("worker_id", workerID).
			Str("listing_id", l.ListingID).
			Str("sale_method", l.SaleMethod).
			Str("item", item.Name).
			Msg("Listing created")

		if auction {
			runAuction(l, others, simClient, stats)
		} else {
			runPurchase(l, others[rand.Intn(len(others))], simClient, stats)
		}

		time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
	}
}

func runPurchase(l *listing.Listing, buyer *simPlayer, simClient *simulationClient, stats *simulationStats) {
	key := uuid.NewString()
	receipt, err := simClient.purchase(buyer, l.ListingID, key)
	if err != nil {
		log.Error().Err(err).Str("listing_id", l.ListingID).Str("buyer_id", buyer.ID).Msg("Failed to purchase listing")
		stats.add(func(s *simulationStats) { s.FailedBuys++ })
		return
	}
	stats.add(func(s *simulationStats) {
		s.Purchased++
		s.Volume += receipt.Price
	})
	log.Info().
		Str("listing_id", l.ListingID).
		Str("delivery_id", receipt.DeliveryID).
		Int64("price", receipt.Price).
		Msg("Listing purchased")

	// Some clients retry after a lost response. The same key must replay.
	if rand.Intn(4) != 0 {
		return
	}
	replay, err := simClient.purchase(buyer, l.ListingID, key)
	if err != nil {
		log.Error().Err(err).Str("listing_id", l.ListingID).Msg("Failed to replay purchase")
		return
	}
	if !replay.Replayed || replay.DeliveryID != receipt.DeliveryID {
		log.Error().
			Str("listing_id", l.ListingID).
			Str("delivery_id", replay.DeliveryID).
			Msg("Retried purchase was not replayed")
		return
	}
	stats.add(func(s *simulationStats) { s.Replayed++ })
}

// runAuction has a few bidders raise each other. Resolution is left to the
// server's sweeper once the auction ends.
func runAuction(l *listing.Listing, bidders []*simPlayer, simClient *simulationClient, stats *simulationStats) {
	amount := l.StartingBid + int64(rand.Intn(20)+1)
	rounds := rand.Intn(4)
	for i := 0; i < rounds; i++ {
		bidder := bidders[rand.Intn(len(bidders))]
		if err := simClient.placeBid(bidder, l.ListingID, amount); err != nil {
			log.Warn().Err(err).Str("listing_id", l.ListingID).Int64("amount", amount).Msg("Bid rejected")
			stats.add(func(s *simulationStats) { s.RejectedBids++ })
			continue
		}
		stats.add(func(s *simulationStats) { s.Bids++ })
		amount += int64(rand.Intn(50) + 1)
	}

	if current, err := simClient.getListing(bidders[0], l.ListingID); err == nil && current.CurrentBid != nil && current.ExpiresAt != nil {
		log.Info().
			Str("listing_id", l.ListingID).
			Int64("current_bid", *current.CurrentBid).
			Time("ends_at", *current.ExpiresAt).
			Msg("Auction open")
	}
}
