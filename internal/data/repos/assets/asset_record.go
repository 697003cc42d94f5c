package assets

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/lifelog-backend/internal/data/dbctx"
	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
)

// Stage names accepted by SetStage.
const (
	StageDetected = "detected"
	StageRedacted = "redacted"
	StageEmbedded = "embedded"
)

type AssetRecordRepo interface {
	CreateIfAbsent(dbc dbctx.Context, rec *domain.AssetRecord) (*domain.AssetRecord, bool, error)
	GetByPath(dbc dbctx.Context, device, path string) (*domain.AssetRecord, error)
	GetByPaths(dbc dbctx.Context, device string, paths []string) ([]*domain.AssetRecord, error)
	ListByDeviceDate(dbc dbctx.Context, device, date string, includeDeleted bool) ([]*domain.AssetRecord, error)
	ListByTimeRange(dbc dbctx.Context, device string, fromMillis, toMillis int64) ([]*domain.AssetRecord, error)
	ListDates(dbc dbctx.Context, device string) ([]string, error)
	ListPaths(dbc dbctx.Context, device string) ([]string, error)
	ListIncomplete(dbc dbctx.Context, device string, limit int) ([]*domain.AssetRecord, error)
	SetStage(dbc dbctx.Context, device, path, stage string) error
	UpdateFields(dbc dbctx.Context, device, path string, updates map[string]interface{}) error
	AssignSegments(dbc dbctx.Context, device, date string, assignments map[string]int) error
	MaxSegmentID(dbc dbctx.Context, device, date string) (int, error)
	SetActivity(dbc dbctx.Context, device, date string, segmentID int, activity, description string) (int64, error)
	MarkDeleted(dbc dbctx.Context, device string, paths []string, deleteTime int64) (int64, error)
	Restore(dbc dbctx.Context, device string, paths []string) (int64, error)
	ListDeleted(dbc dbctx.Context, device string) ([]*domain.AssetRecord, error)
	ListExpired(dbc dbctx.Context, cutoff int64, limit int) ([]*domain.AssetRecord, error)
	HardDelete(dbc dbctx.Context, device string, paths []string) error
}

type assetRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAssetRecordRepo(db *gorm.DB, baseLog *logger.Logger) AssetRecordRepo {
	return &assetRecordRepo{
		db:  db,
		log: baseLog.With("repo", "AssetRecordRepo"),
	}
}

// CreateIfAbsent inserts a record unless a row for (device, path) already
// exists. The existing row wins: re-ingesting an asset never resets its
// stage flags or segment assignment.
func (r *assetRecordRepo) CreateIfAbsent(dbc dbctx.Context, rec *domain.AssetRecord) (*domain.AssetRecord, bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if rec == nil || rec.Device == "" || rec.Path == "" {
		return nil, false, domain.ErrInvalidInput
	}
	res := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device"}, {Name: "path"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return rec, true, nil
	}
	existing, err := r.GetByPath(dbc, rec.Device, rec.Path)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *assetRecordRepo) GetByPath(dbc dbctx.Context, device, path string) (*domain.AssetRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var rec domain.AssetRecord
	err := transaction.WithContext(dbc.Ctx).
		Where("device = ? AND path = ?", device, path).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *assetRecordRepo) GetByPaths(dbc dbctx.Context, device string, paths []string) ([]*domain.AssetRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.AssetRecord
	if len(paths) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("device = ? AND path IN ?", device, paths).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *assetRecordRepo) ListByDeviceDate(dbc dbctx.Context, device, date string, includeDeleted bool) ([]*domain.AssetRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("device = ? AND date = ?", device, date)
	if !includeDeleted {
		q = q.Where("deleted = ?", false)
	}
	var out []*domain.AssetRecord
	if err := q.Order("capture_time ASC, path ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *assetRecordRepo) ListByTimeRange(dbc dbctx.Context, device string, fromMillis, toMillis int64) ([]*domain.AssetRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if toMillis < fromMillis {
		return nil, domain.ErrInvalidInput
	}
	var out []*domain.AssetRecord
	if err := transaction.WithContext(dbc.Ctx).
		Where("device = ? AND deleted = ? AND capture_time >= ? AND capture_time <= ?", device, false, fromMillis, toMillis).
		Order("capture_time ASC, path ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *assetRecordRepo) ListDates(dbc dbctx.Context, device string) ([]string, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []string
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.AssetRecord{}).
		Where("device = ?", device).
		Distinct("date").
		Order("date ASC").
		Pluck("date", &out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *assetRecordRepo) ListPaths(dbc dbctx.Context, device string) ([]string, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []string
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.AssetRecord{}).
		Where("device = ?", device).
		Order("path ASC").
		Pluck("path", &out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListIncomplete returns live records with at least one stage flag still
// false, oldest first, for pipeline resume after a restart.
func (r *assetRecordRepo) ListIncomplete(dbc dbctx.Context, device string, limit int) ([]*domain.AssetRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("device = ? AND deleted = ?", device, false).
		Where("(detected = ? OR redacted = ? OR embedded = ?)", false, false, false).
		Order("capture_time ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*domain.AssetRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// SetStage flips one stage flag to true. Flags never go back to false
// through this path.
func (r *assetRecordRepo) SetStage(dbc dbctx.Context, device, path, stage string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	switch stage {
	case StageDetected, StageRedacted, StageEmbedded:
	default:
		return domain.ErrInvalidInput
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.AssetRecord{}).
		Where("device = ? AND path = ?", device, path).
		Updates(map[string]interface{}{stage: true, "updated_at": time.Now()}).Error
}

func (r *assetRecordRepo) UpdateFields(dbc dbctx.Context, device, path string, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now()
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.AssetRecord{}).
		Where("device = ? AND path = ?", device, path).
		Updates(updates).Error
}

// AssignSegments writes a batch of segment ids for one (device, date) in a
// single transaction so readers never observe a half-applied reassignment.
func (r *assetRecordRepo) AssignSegments(dbc dbctx.Context, device, date string, assignments map[string]int) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(assignments) == 0 {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		for path, segID := range assignments {
			id := segID
			if err := txx.Model(&domain.AssetRecord{}).
				Where("device = ? AND date = ? AND path = ?", device, date, path).
				Updates(map[string]interface{}{"segment_id": &id, "updated_at": time.Now()}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *assetRecordRepo) MaxSegmentID(dbc dbctx.Context, device, date string) (int, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var max *int
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.AssetRecord{}).
		Where("device = ? AND date = ? AND segment_id IS NOT NULL", device, date).
		Select("MAX(segment_id)").
		Scan(&max).Error; err != nil {
		return -1, err
	}
	if max == nil {
		return -1, nil
	}
	return *max, nil
}

// SetActivity writes the description worker's activity label back onto
// every record of one segment.
func (r *assetRecordRepo) SetActivity(dbc dbctx.Context, device, date string, segmentID int, activity, description string) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&domain.AssetRecord{}).
		Where("device = ? AND date = ? AND segment_id = ?", device, date, segmentID).
		Updates(map[string]interface{}{
			"activity":             activity,
			"activity_description": description,
			"updated_at":           time.Now(),
		})
	return res.RowsAffected, res.Error
}

func (r *assetRecordRepo) MarkDeleted(dbc dbctx.Context, device string, paths []string, deleteTime int64) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(paths) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&domain.AssetRecord{}).
		Where("device = ? AND path IN ? AND deleted = ?", device, paths, false).
		Updates(map[string]interface{}{
			"deleted":     true,
			"delete_time": deleteTime,
			"updated_at":  time.Now(),
		})
	return res.RowsAffected, res.Error
}

func (r *assetRecordRepo) Restore(dbc dbctx.Context, device string, paths []string) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(paths) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&domain.AssetRecord{}).
		Where("device = ? AND path IN ? AND deleted = ?", device, paths, true).
		Updates(map[string]interface{}{
			"deleted":     false,
			"delete_time": nil,
			"updated_at":  time.Now(),
		})
	return res.RowsAffected, res.Error
}

func (r *assetRecordRepo) ListDeleted(dbc dbctx.Context, device string) ([]*domain.AssetRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.AssetRecord
	if err := transaction.WithContext(dbc.Ctx).
		Where("device = ? AND deleted = ?", device, true).
		Order("delete_time DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *assetRecordRepo) ListExpired(dbc dbctx.Context, cutoff int64, limit int) ([]*domain.AssetRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("deleted = ? AND delete_time IS NOT NULL AND delete_time < ?", true, cutoff).
		Order("delete_time ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*domain.AssetRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *assetRecordRepo) HardDelete(dbc dbctx.Context, device string, paths []string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(paths) == 0 {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Where("device = ? AND path IN ?", device, paths).
		Delete(&domain.AssetRecord{}).Error
}
