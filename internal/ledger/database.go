package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-market/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// WithTx returns a Database bound to the given transaction.
func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

// GetAccount returns the player's account, or nil when the player has never
// held a balance.
func (d *Database) GetAccount(ctx context.Context, playerID string) (*Account, error) {
	var account Account
	if err := d.db.WithContext(ctx).Where("player_id = ?", playerID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}
	return &account, nil
}

// Debit subtracts amount from the player's balance. The update only applies
// while the balance still covers the amount; a miss means the balance moved
// under us and is reported as a transient conflict.
func (d *Database) Debit(ctx context.Context, playerID string, amount int64) (int64, error) {
	result := d.db.WithContext(ctx).Model(&Account{}).
		Where("player_id = ? AND balance >= ?", playerID, amount).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", amount),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to debit account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, fmt.Errorf("debit %s: %w", playerID, types.ErrTransientConflict)
	}
	return d.balanceOf(ctx, playerID)
}

// Credit adds amount to the player's balance, opening the account if needed.
// A credit that would overflow the balance is rejected with a validation error.
func (d *Database) Credit(ctx context.Context, playerID, displayName string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, types.NewValidationError("amount", "must not be negative")
	}

	updates := map[string]interface{}{
		"balance":    gorm.Expr("balance + ?", amount),
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now().UTC(),
	}
	if displayName != "" {
		updates["display_name"] = displayName
	}

	result := d.db.WithContext(ctx).Model(&Account{}).
		Where("player_id = ? AND balance <= ?", playerID, math.MaxInt64-amount).
		Updates(updates)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to credit account: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		existing, err := d.GetAccount(ctx, playerID)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			return 0, types.NewValidationError("amount", "would overflow the balance of %s", playerID)
		}
		account := &Account{
			PlayerID:    playerID,
			DisplayName: displayName,
			Balance:     amount,
		}
		if err := d.db.WithContext(ctx).Create(account).Error; err != nil {
			return 0, fmt.Errorf("failed to open account: %w", err)
		}
		return account.Balance, nil
	}

	return d.balanceOf(ctx, playerID)
}

// AppendEntry writes a journal line.
func (d *Database) AppendEntry(ctx context.Context, playerID string, delta, balanceAfter int64, reason, reference string) error {
	entry := &Entry{
		EntryID:      "LGE_" + uuid.New().String(),
		PlayerID:     playerID,
		Delta:        delta,
		BalanceAfter: balanceAfter,
		Reason:       reason,
		Reference:    reference,
		CreatedAt:    time.Now().UTC(),
	}
	if err := d.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// GetEntries returns the player's journal, newest first.
func (d *Database) GetEntries(ctx context.Context, playerID string, limit int) ([]Entry, error) {
	var entries []Entry
	if err := d.db.WithContext(ctx).
		Where("player_id = ?", playerID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch ledger entries: %w", err)
	}
	return entries, nil
}

func (d *Database) balanceOf(ctx context.Context, playerID string) (int64, error) {
	var balance int64
	if err := d.db.WithContext(ctx).Model(&Account{}).
		Where("player_id = ?", playerID).
		Select("balance").
		Scan(&balance).Error; err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}
