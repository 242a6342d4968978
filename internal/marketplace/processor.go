package marketplace

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-market/internal/listing"
	"github.com/ksred/klear-market/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const (
	DefaultSweepInterval  = 5 * time.Second
	DefaultSweepBatchSize = 100
)

// Processor closes auctions whose deadline has passed: unbid auctions are
// expired, the rest are settled with their winner.
type Processor struct {
	service   *Service
	interval  time.Duration
	batchSize int
	logger    zerolog.Logger
}

func NewProcessor(service *Service, interval time.Duration, batchSize int) *Processor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	return &Processor{
		service:   service,
		interval:  interval,
		batchSize: batchSize,
		logger:    log.With().Str("component", "auction_processor").Logger(),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.interval).Msg("starting auction processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("shutting down auction processor")
			return nil
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("failed to sweep ended auctions")
			}
		}
	}
}

// RunOnce processes one batch of ended auctions. A failure on one listing is
// logged and counted; it does not stop the batch.
func (p *Processor) RunOnce(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	due, err := p.service.listings.DueAuctions(ctx, p.service.now(), p.batchSize)
	if err != nil {
		return result, err
	}
	if len(due) == 0 {
		return result, nil
	}

	// Unbid auctions first; expiring them touches no balances.
	unbid, contested := lo.Partition(due, func(l listing.Listing, _ int) bool {
		return !l.HasBids()
	})
	p.logger.Debug().
		Int("unbid_count", len(unbid)).
		Int("contested_count", len(contested)).
		Msg("processing ended auctions")

	for _, batch := range [][]listing.Listing{unbid, contested} {
		for i := range batch {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			p.process(ctx, &batch[i], &result)
		}
	}

	p.logger.Info().
		Int("expired", result.Expired).
		Int("resolved", result.Resolved).
		Int("defaulted", result.Defaulted).
		Int("failed", result.Failed).
		Msg("auction sweep completed")
	return result, nil
}

func (p *Processor) process(ctx context.Context, l *listing.Listing, result *SweepResult) {
	logger := p.logger.With().Str("listing_id", l.ListingID).Logger()

	if !l.HasBids() {
		if _, err := p.service.ExpireAuction(ctx, l.ListingID); err != nil {
			logger.Error().Err(err).Msg("failed to expire auction")
			result.Failed++
			return
		}
		result.Expired++
		return
	}

	_, err := p.service.ResolveAuction(ctx, l.ListingID)
	switch {
	case err == nil:
		result.Resolved++
	case errors.Is(err, types.ErrInsufficientFunds):
		if _, err := p.service.CloseDefaultedAuction(ctx, l.ListingID); err != nil {
			logger.Error().Err(err).Msg("failed to close defaulted auction")
			result.Failed++
			return
		}
		result.Defaulted++
	case errors.Is(err, types.ErrListingNotActive):
		// closed by a concurrent request since the batch was read
		logger.Debug().Err(err).Msg("auction already closed")
	default:
		logger.Error().Err(err).Msg("failed to resolve auction")
		result.Failed++
	}
}
