package devices

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/lifelog-backend/internal/data/dbctx"
	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
)

type DeviceRepo interface {
	GetOrCreate(dbc dbctx.Context, deviceID string) (*domain.Device, error)
	GetByDeviceID(dbc dbctx.Context, deviceID string) (*domain.Device, error)
	List(dbc dbctx.Context) ([]*domain.Device, error)
	UpdateFields(dbc dbctx.Context, deviceID string, updates map[string]interface{}) error
}

type deviceRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDeviceRepo(db *gorm.DB, baseLog *logger.Logger) DeviceRepo {
	return &deviceRepo{
		db:  db,
		log: baseLog.With("repo", "DeviceRepo"),
	}
}

func (r *deviceRepo) GetOrCreate(dbc dbctx.Context, deviceID string) (*domain.Device, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if deviceID == "" {
		return nil, domain.ErrInvalidInput
	}
	dev := &domain.Device{DeviceID: deviceID}
	if err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}},
			DoNothing: true,
		}).
		Create(dev).Error; err != nil {
		return nil, err
	}
	return r.GetByDeviceID(dbc, deviceID)
}

func (r *deviceRepo) GetByDeviceID(dbc dbctx.Context, deviceID string) (*domain.Device, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var dev domain.Device
	err := transaction.WithContext(dbc.Ctx).
		Where("device_id = ?", deviceID).
		First(&dev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (r *deviceRepo) List(dbc dbctx.Context) ([]*domain.Device, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Device
	if err := transaction.WithContext(dbc.Ctx).
		Order("device_id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *deviceRepo) UpdateFields(dbc dbctx.Context, deviceID string, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now()
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Device{}).
		Where("device_id = ?", deviceID).
		Updates(updates).Error
}
