package migrations

import (
	"github.com/ksred/klear-market/internal/bid"
	"github.com/ksred/klear-market/internal/delivery"
	"github.com/ksred/klear-market/internal/ledger"
	"github.com/ksred/klear-market/internal/listing"
	"github.com/ksred/klear-market/internal/marketplace"
	"gorm.io/gorm"
)

// CreateMarketplaceTables creates every table the marketplace writes to.
func CreateMarketplaceTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&ledger.Account{},
		&ledger.Entry{},
		&listing.Listing{},
		&bid.Bid{},
		&delivery.PendingDelivery{},
		&marketplace.IdempotencyRecord{},
	)
}
