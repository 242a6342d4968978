package ledger

import "time"

// Entry reasons.
const (
	ReasonPurchase = "purchase"
	ReasonSale     = "sale"
	ReasonDeposit  = "deposit"
)

// Account holds a player's currency balance. Balance is never negative.
type Account struct {
	ID          uint      `gorm:"primarykey" json:"-"`
	PlayerID    string    `gorm:"uniqueIndex;not null" json:"player_id"`
	DisplayName string    `json:"display_name"`
	Balance     int64     `gorm:"not null;default:0" json:"balance"`
	Version     int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Entry is one line of the append-only balance journal, written in the same
// transaction as the balance change it records.
type Entry struct {
	ID           uint      `gorm:"primarykey" json:"-"`
	EntryID      string    `gorm:"uniqueIndex;not null" json:"entry_id"`
	PlayerID     string    `gorm:"index;not null" json:"player_id"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       string    `json:"reason"`
	Reference    string    `gorm:"index" json:"reference"`
	CreatedAt    time.Time `json:"created_at"`
}

// BalanceResponse is returned by the balance endpoint.
type BalanceResponse struct {
	PlayerID  string    `json:"player_id"`
	Balance   int64     `json:"balance"`
	Timestamp time.Time `json:"timestamp"`
}

// DepositRequest credits a player from outside the marketplace, e.g. game
// payouts.
type DepositRequest struct {
	PlayerID    string `json:"player_id" binding:"required"`
	DisplayName string `json:"display_name"`
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Reference   string `json:"reference"`
}
