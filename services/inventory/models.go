package inventory

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type snapshotModel struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	SerialNumber string            `gorm:"type:text;index;not null"`
	Reference    string            `gorm:"type:text;index;not null"`
	Source       string            `gorm:"type:text;not null"`
	Tree         datatypes.JSONMap
	CreatedAt    time.Time         `gorm:"not null;autoCreateTime"`
}

func (snapshotModel) TableName() string { return "snapshots" }

type snapshotCurrentModel struct {
	SnapshotID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Reference    string    `gorm:"type:text;uniqueIndex;not null"`
	SerialNumber string    `gorm:"type:text;index;not null"`
	Source       string    `gorm:"type:text;not null"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime"`
}

func (snapshotCurrentModel) TableName() string { return "snapshot_currents" }

type auditModel struct {
	ID      int64             `gorm:"primaryKey;autoIncrement"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap
	At      time.Time         `gorm:"not null;autoCreateTime"`
}

func (auditModel) TableName() string { return "audit" }

// Snapshot is one committed machine snapshot.
type Snapshot struct {
	ID           uuid.UUID
	SerialNumber string
	Reference    string
	Source       string
	Tree         map[string]any
	CreatedAt    time.Time
}

func (m snapshotModel) toAPI() Snapshot {
	return Snapshot{
		ID:           m.ID,
		SerialNumber: m.SerialNumber,
		Reference:    m.Reference,
		Source:       m.Source,
		Tree:         mapFromJSONMap(m.Tree),
		CreatedAt:    m.CreatedAt,
	}
}
