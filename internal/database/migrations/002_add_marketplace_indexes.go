package migrations

import (
	"fmt"

	"gorm.io/gorm"
)

// AddMarketplaceIndexes adds the constraint and query indexes AutoMigrate
// cannot express. The partial unique index guarantees at most one active
// listing per item even if two creates race past the service check.
func AddMarketplaceIndexes(db *gorm.DB) error {
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_listings_active_item
		 ON listings(item_id) WHERE status = 'active'`,

		// Sweeper scan for ended auctions
		`CREATE INDEX IF NOT EXISTS idx_listings_status_method_expires
		 ON listings(status, sale_method, expires_at)`,

		`CREATE INDEX IF NOT EXISTS idx_bids_listing_placed
		 ON bids(listing_id, placed_at)`,

		// Poll order for the game server
		`CREATE INDEX IF NOT EXISTS idx_pending_deliveries_status_created
		 ON pending_deliveries(status, created_at)`,

		`CREATE INDEX IF NOT EXISTS idx_entries_player
		 ON entries(player_id, id)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}
