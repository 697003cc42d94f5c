package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/lifelog-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Device{},
		&domain.AssetRecord{},
	)
}

func EnsureAssetIndexes(db *gorm.DB) error {
	// Segmentation scans one (device, date) in capture order; retrieval
	// filters tombstones before grouping.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_asset_device_date_time
		ON asset_record (device, date, capture_time);
	`).Error; err != nil {
		return fmt.Errorf("create idx_asset_device_date_time: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_asset_deleted_delete_time
		ON asset_record (deleted, delete_time);
	`).Error; err != nil {
		return fmt.Errorf("create idx_asset_deleted_delete_time: %w", err)
	}
	return nil
}

func (s *Service) AutoMigrateAll() error {
	s.log.Info("Auto migrating record store tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if s.driver == "postgres" {
		if err := EnsureAssetIndexes(s.db); err != nil {
			s.log.Error("Asset index migration failed", "error", err)
			return err
		}
	}
	return nil
}
