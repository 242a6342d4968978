package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/klear-market/internal/auth"
	"github.com/ksred/klear-market/internal/config"
	"github.com/ksred/klear-market/internal/database"
	"github.com/ksred/klear-market/internal/delivery"
	"github.com/ksred/klear-market/internal/events"
	"github.com/ksred/klear-market/internal/ledger"
	"github.com/ksred/klear-market/internal/marketplace"
	"github.com/ksred/klear-market/internal/txn"
	"github.com/ksred/klear-market/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// setupLogging configures zerolog. Outside production logs are pretty
// printed with timestamps; debug enables the debug level.
func setupLogging(cfg config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// newPublisher builds the delivery notification publisher for the
// configured driver.
func newPublisher(cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Driver {
	case config.EventsNATS:
		return events.DialNATS(cfg.NATSURL, cfg.NATSSubjectPrefix)
	case config.EventsRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		publisher, err := events.NewRedisStreamPublisher(client, cfg.RedisStream)
		if err != nil {
			client.Close()
			return nil, err
		}
		publisher.Start()
		return publisher, nil
	default:
		return events.Noop{}, nil
	}
}

// main runs the marketplace API, the auction sweeper and the rate limiter
// janitor until SIGINT or SIGTERM.
func main() {
	cfg, err := config.Load(os.Args[1:])
	setupLogging(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}

	db, err := database.NewDatabase(cfg.DB)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	publisher, err := newPublisher(cfg.Events)
	if err != nil {
		zlog.Fatal().Err(err).Str("driver", cfg.Events.Driver).Msg("Failed to initialize event publisher")
	}
	defer publisher.Close()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	coordinator := txn.NewCoordinator(db,
		txn.WithMaxAttempts(cfg.Txn.MaxAttempts),
		txn.WithBackoff(cfg.Txn.BaseBackoff, cfg.Txn.MaxBackoff),
	)

	authService := auth.NewService(cfg.Auth.JWTSecret)
	authService.RegisterAPICredentials(cfg.Auth.ServerAPIKey, cfg.Auth.ServerAPISecret)
	authHandlers := auth.NewGinHandlers(authService)

	marketService := marketplace.NewService(coordinator, marketplace.Limits{
		MinPrice:           cfg.Market.MinPrice,
		MaxPrice:           cfg.Market.MaxPrice,
		MinAuctionDuration: cfg.Market.MinAuctionDuration,
		MaxAuctionDuration: cfg.Market.MaxAuctionDuration,
		MinBidIncrement:    cfg.Market.MinBidIncrement,
	}, marketplace.WithPublisher(publisher))
	marketHandlers := marketplace.NewGinHandlers(marketService)
	processor := marketplace.NewProcessor(marketService, cfg.Market.SweepInterval, cfg.Market.SweepBatchSize)

	deliveryHandlers := delivery.NewGinHandlers(delivery.NewService(coordinator, publisher))
	ledgerHandlers := ledger.NewGinHandlers(ledger.NewService(coordinator))

	limiter := middleware.NewRateLimiter(5)

	setupRoutes(router, authService, limiter, routeHandlers{
		auth:       authHandlers,
		market:     marketHandlers,
		processor:  processor,
		deliveries: deliveryHandlers,
		ledger:     ledgerHandlers,
	})

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Info().Str("addr", cfg.ServerAddr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return processor.Start(gctx)
	})
	g.Go(func() error {
		return limiter.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		zlog.Info().Msg("Shutting down server...")

		// Give outstanding requests 5 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zlog.Error().Err(err).Msg("Server stopped with error")
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	zlog.Info().Msg("Server exiting")
}

type routeHandlers struct {
	auth       *auth.GinHandlers
	market     *marketplace.GinHandlers
	processor  *marketplace.Processor
	deliveries *delivery.GinHandlers
	ledger     *ledger.GinHandlers
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by caller:
//   - Auth routes: public, exchange game server credentials for a token
//   - Player routes: player token, listings, bids, balance and own deliveries
//   - Game server routes: server token, delivery polling and acknowledgement,
//     forced auction resolution, currency grants and player tokens
func setupRoutes(router *gin.Engine, authService *auth.Service, limiter *middleware.RateLimiter, h routeHandlers) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		authGroup.Use(limiter.Middleware())
		{
			authGroup.POST("/token", h.auth.GenerateTokenHandler())
		}

		// Player routes
		listings := v1.Group("/listings")
		listings.Use(middleware.PlayerAuth(authService), limiter.Middleware())
		{
			listings.POST("", h.market.CreateListingHandler())
			listings.GET("", h.market.ListListingsHandler())
			listings.GET("/:listing_id", h.market.GetListingHandler())
			listings.POST("/:listing_id/cancel", h.market.CancelListingHandler())
			listings.POST("/:listing_id/purchase", h.market.PurchaseHandler())
			listings.POST("/:listing_id/bids", h.market.PlaceBidHandler())
			listings.GET("/:listing_id/bids", h.market.BidHistoryHandler())
		}

		me := v1.Group("/me")
		me.Use(middleware.PlayerAuth(authService), limiter.Middleware())
		{
			me.GET("/balance", h.ledger.GetBalanceHandler())
			me.GET("/ledger", h.ledger.GetHistoryHandler())
			me.GET("/deliveries", h.deliveries.ListMineHandler())
			me.GET("/listings", h.market.MyListingsHandler())
		}

		// Game server routes
		deliveries := v1.Group("/deliveries")
		deliveries.Use(middleware.GameServerAuth(authService), limiter.Middleware())
		{
			deliveries.GET("/pending", h.deliveries.FetchPendingHandler())
			deliveries.POST("/:delivery_id/ack", h.deliveries.AcknowledgeHandler())
			deliveries.GET("/:delivery_id", h.deliveries.GetDeliveryHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.GameServerAuth(authService))
		{
			internal.POST("/listings/:listing_id/resolve", h.market.ResolveAuctionHandler())
			internal.POST("/auctions/sweep", h.market.SweepHandler(h.processor))
			internal.POST("/ledger/deposit", h.ledger.DepositHandler())
			internal.POST("/players/token", h.auth.IssuePlayerTokenHandler())
		}
	}
}
