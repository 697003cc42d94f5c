package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/lifelog-backend/internal/domain"
)

func SeedDevice(tb testing.TB, ctx context.Context, tx *gorm.DB, deviceID string) *domain.Device {
	tb.Helper()
	d := &domain.Device{
		ID:        uuid.New(),
		DeviceID:  deviceID,
		Whitelist: domain.MarshalWhitelist(nil),
	}
	if err := tx.WithContext(ctx).Create(d).Error; err != nil {
		tb.Fatalf("seed device: %v", err)
	}
	return d
}

func SeedAsset(tb testing.TB, ctx context.Context, tx *gorm.DB, device string, capture time.Time) *domain.AssetRecord {
	tb.Helper()
	rec := &domain.AssetRecord{
		ID:          uuid.New(),
		Device:      device,
		Path:        domain.CanonicalRelPath(capture, ".jpg"),
		Date:        domain.DateOf(capture),
		Hour:        capture.UTC().Format("15"),
		CaptureTime: capture.UnixMilli(),
		Kind:        string(domain.AssetImage),
	}
	if err := tx.WithContext(ctx).Create(rec).Error; err != nil {
		tb.Fatalf("seed asset: %v", err)
	}
	return rec
}

// SeedProcessedAsset seeds an asset with every pipeline stage complete.
func SeedProcessedAsset(tb testing.TB, ctx context.Context, tx *gorm.DB, device string, capture time.Time) *domain.AssetRecord {
	tb.Helper()
	rec := &domain.AssetRecord{
		ID:          uuid.New(),
		Device:      device,
		Path:        domain.CanonicalRelPath(capture, ".jpg"),
		Date:        domain.DateOf(capture),
		Hour:        capture.UTC().Format("15"),
		CaptureTime: capture.UnixMilli(),
		Kind:        string(domain.AssetImage),
		Detected:    true,
		Redacted:    true,
		Embedded:    true,
	}
	if err := tx.WithContext(ctx).Create(rec).Error; err != nil {
		tb.Fatalf("seed processed asset: %v", err)
	}
	return rec
}
