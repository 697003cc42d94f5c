package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AssetRecord is the structured shadow of one captured asset. Identity is
// (device, path); the uuid primary key exists for gorm's sake only. C2 is
// the source of truth for liveness: the asset bytes and the embedding are
// derived state reconciled against this row.
type AssetRecord struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Device string    `gorm:"column:device;not null;uniqueIndex:idx_asset_device_path;index:idx_asset_device_time" json:"device"`
	Path   string    `gorm:"column:path;not null;uniqueIndex:idx_asset_device_path" json:"imagePath"`

	Date        string `gorm:"column:date;not null;index" json:"date"`
	Hour        string `gorm:"column:hour;not null" json:"hour"`
	CaptureTime int64  `gorm:"column:capture_time;not null;index:idx_asset_device_time" json:"timestamp"`
	Kind        string `gorm:"column:kind;not null;default:'image'" json:"kind"`
	ContentHash string `gorm:"column:content_hash" json:"-"`

	ThumbnailPath string         `gorm:"column:thumbnail_path" json:"thumbnail"`
	Objects       datatypes.JSON `gorm:"column:objects;type:jsonb" json:"objects,omitempty"`
	People        datatypes.JSON `gorm:"column:people;type:jsonb" json:"people,omitempty"`

	SegmentID           *int   `gorm:"column:segment_id;index" json:"segmentId"`
	Activity            string `gorm:"column:activity" json:"activity"`
	ActivityDescription string `gorm:"column:activity_description" json:"activityDescription"`

	Deleted    bool   `gorm:"column:deleted;not null;default:false;index" json:"deleted"`
	DeleteTime *int64 `gorm:"column:delete_time" json:"deleteTime,omitempty"`

	Detected bool `gorm:"column:detected;not null;default:false" json:"-"`
	Redacted bool `gorm:"column:redacted;not null;default:false" json:"-"`
	Embedded bool `gorm:"column:embedded;not null;default:false" json:"-"`

	CreatedAt time.Time `gorm:"not null" json:"-"`
	UpdatedAt time.Time `gorm:"not null" json:"-"`
}

func (AssetRecord) TableName() string { return "asset_record" }

func (r *AssetRecord) BeforeCreate(_ *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (r *AssetRecord) Flags() StageFlags {
	return StageFlags{Detected: r.Detected, Redacted: r.Redacted, Embedded: r.Embedded}
}

func (r *AssetRecord) ObjectList() []Detection {
	if len(r.Objects) == 0 {
		return nil
	}
	var out []Detection
	if err := json.Unmarshal(r.Objects, &out); err != nil {
		return nil
	}
	return out
}

func (r *AssetRecord) PeopleList() []FaceDetection {
	if len(r.People) == 0 {
		return nil
	}
	var out []FaceDetection
	if err := json.Unmarshal(r.People, &out); err != nil {
		return nil
	}
	return out
}

func MarshalDetections(objects []Detection) datatypes.JSON {
	if len(objects) == 0 {
		return datatypes.JSON("[]")
	}
	raw, err := json.Marshal(objects)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(raw)
}

func MarshalFaces(people []FaceDetection) datatypes.JSON {
	if len(people) == 0 {
		return datatypes.JSON("[]")
	}
	raw, err := json.Marshal(people)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(raw)
}
