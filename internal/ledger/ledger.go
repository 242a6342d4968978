package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-market/internal/txn"
	"github.com/ksred/klear-market/internal/types"
	"github.com/ksred/klear-market/pkg/middleware"
	"github.com/ksred/klear-market/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const defaultHistoryLimit = 50

// Service exposes player balances outside of trade settlement.
type Service struct {
	db          *Database
	coordinator *txn.Coordinator
}

// NewService creates a ledger service. Balance mutations go through the
// coordinator.
func NewService(coordinator *txn.Coordinator) *Service {
	return &Service{
		db:          NewDatabase(coordinator.DB()),
		coordinator: coordinator,
	}
}

// GetBalance returns the player's balance; players without an account hold 0.
func (s *Service) GetBalance(ctx context.Context, playerID string) (int64, error) {
	account, err := s.db.GetAccount(ctx, playerID)
	if err != nil {
		return 0, err
	}
	if account == nil {
		return 0, nil
	}
	return account.Balance, nil
}

// Deposit credits the player and journals the grant in one commit.
func (s *Service) Deposit(ctx context.Context, player types.Player, amount int64, reference string) (int64, error) {
	if player.ID == "" {
		return 0, types.NewValidationError("player_id", "is required")
	}
	if amount <= 0 {
		return 0, types.NewValidationError("amount", "must be positive")
	}

	logger := log.With().
		Str("player_id", player.ID).
		Int64("amount", amount).
		Str("service", "ledger").
		Logger()

	var balance int64
	err := s.coordinator.RunAtomic(ctx, "deposit", func(tx *gorm.DB) error {
		store := s.db.WithTx(tx)
		after, err := store.Credit(ctx, player.ID, player.DisplayName, amount)
		if err != nil {
			return err
		}
		if err := store.AppendEntry(ctx, player.ID, amount, after, ReasonDeposit, reference); err != nil {
			return err
		}
		balance = after
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("deposit failed")
		return 0, err
	}

	logger.Info().Int64("balance", balance).Msg("deposit completed")
	return balance, nil
}

// History returns the player's most recent journal entries.
func (s *Service) History(ctx context.Context, playerID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultHistoryLimit
	}
	return s.db.GetEntries(ctx, playerID, limit)
}

// GinHandlers contains HTTP handlers for ledger endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetBalanceHandler returns the authenticated player's balance.
func (h *GinHandlers) GetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		player, ok := middleware.CurrentPlayer(c)
		if !ok {
			response.Unauthorized(c, "Missing player identity")
			return
		}

		balance, err := h.service.GetBalance(c.Request.Context(), player.ID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, BalanceResponse{
			PlayerID:  player.ID,
			Balance:   balance,
			Timestamp: time.Now().UTC(),
		})
	}
}

// GetHistoryHandler returns the authenticated player's journal.
func (h *GinHandlers) GetHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		player, ok := middleware.CurrentPlayer(c)
		if !ok {
			response.Unauthorized(c, "Missing player identity")
			return
		}

		limit, _ := strconv.Atoi(c.Query("limit"))
		entries, err := h.service.History(c.Request.Context(), player.ID, limit)
		response.Handle(c, entries, err)
	}
}

// DepositHandler credits a player. Game server only.
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request DepositRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		player := types.Player{ID: request.PlayerID, DisplayName: request.DisplayName}
		balance, err := h.service.Deposit(c.Request.Context(), player, request.Amount, request.Reference)
		if err != nil {
			response.Handle(c, nil, fmt.Errorf("deposit: %w", err))
			return
		}

		response.Success(c, BalanceResponse{
			PlayerID:  request.PlayerID,
			Balance:   balance,
			Timestamp: time.Now().UTC(),
		})
	}
}
