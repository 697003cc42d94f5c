package domain

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Device is the per-device registration row. The transform matrices are
// the persisted Haar-uniform orthonormal maps applied to every vector
// before it reaches the index, one per embedding dimension and fixed for
// the device's lifetime; the whitelist holds named faces exempt from
// redaction.
type Device struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID string    `gorm:"column:device_id;not null;uniqueIndex" json:"deviceId"`

	PublicKey         string         `gorm:"column:public_key" json:"-"` // hex NaCl box key, optional
	TransformMatrices datatypes.JSON `gorm:"column:transform_matrices;type:jsonb" json:"-"`
	Whitelist         datatypes.JSON `gorm:"column:whitelist;type:jsonb" json:"-"`

	CreatedAt time.Time `gorm:"not null" json:"-"`
	UpdatedAt time.Time `gorm:"not null" json:"-"`
}

func (Device) TableName() string { return "device" }

func (d *Device) BeforeCreate(_ *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// Matrices returns the stored rotation matrices keyed by vector
// dimension. Entries whose row count disagrees with their key are
// dropped rather than applied to vectors they cannot fit.
func (d *Device) Matrices() map[int][][]float32 {
	if len(d.TransformMatrices) == 0 {
		return nil
	}
	var raw map[string][][]float32
	if err := json.Unmarshal(d.TransformMatrices, &raw); err != nil {
		return nil
	}
	out := make(map[int][][]float32, len(raw))
	for k, m := range raw {
		dim, err := strconv.Atoi(k)
		if err != nil || len(m) != dim {
			continue
		}
		out[dim] = m
	}
	return out
}

func (d *Device) WhitelistFaces() []WhitelistFace {
	if len(d.Whitelist) == 0 {
		return nil
	}
	var out []WhitelistFace
	if err := json.Unmarshal(d.Whitelist, &out); err != nil {
		return nil
	}
	return out
}

func MarshalMatrices(ms map[int][][]float32) datatypes.JSON {
	raw := make(map[string][][]float32, len(ms))
	for dim, m := range ms {
		raw[strconv.Itoa(dim)] = m
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(b)
}

func MarshalWhitelist(faces []WhitelistFace) datatypes.JSON {
	if faces == nil {
		faces = []WhitelistFace{}
	}
	raw, err := json.Marshal(faces)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(raw)
}
