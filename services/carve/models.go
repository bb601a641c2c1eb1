package carve

import (
	"time"

	"github.com/google/uuid"
)

type carveSessionModel struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ProbeID      int64      `gorm:"type:bigint;not null"`
	SerialNumber string     `gorm:"type:text;index;not null"`
	SessionID    string     `gorm:"type:text;uniqueIndex;not null"`
	CarveGUID    string     `gorm:"type:text;index;not null"`
	CarveSize    int64      `gorm:"type:bigint;not null"`
	BlockSize    int        `gorm:"type:integer;not null"`
	BlockCount   int        `gorm:"type:integer;not null"`
	ArchiveKey   string     `gorm:"type:text"`
	FinishedAt   *time.Time
	CreatedAt    time.Time  `gorm:"not null;autoCreateTime"`
}

func (carveSessionModel) TableName() string { return "carve_sessions" }

type carveBlockModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	CarveSessionID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_session_block"`
	BlockID        int       `gorm:"type:integer;not null;uniqueIndex:idx_session_block"`
	Size           int       `gorm:"type:integer;not null"`
	ObjectKey      string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime"`
}

func (carveBlockModel) TableName() string { return "carve_blocks" }

// Session is one file carve in progress or finished.
type Session struct {
	ID           uuid.UUID
	ProbeID      int64
	SerialNumber string
	SessionID    string
	CarveGUID    string
	CarveSize    int64
	BlockSize    int
	BlockCount   int
	ArchiveKey   string
	FinishedAt   *time.Time
	CreatedAt    time.Time
}

// Finished reports whether every block has arrived.
func (s Session) Finished() bool { return s.FinishedAt != nil }

func (m carveSessionModel) toAPI() Session {
	return Session{
		ID:           m.ID,
		ProbeID:      m.ProbeID,
		SerialNumber: m.SerialNumber,
		SessionID:    m.SessionID,
		CarveGUID:    m.CarveGUID,
		CarveSize:    m.CarveSize,
		BlockSize:    m.BlockSize,
		BlockCount:   m.BlockCount,
		ArchiveKey:   m.ArchiveKey,
		FinishedAt:   m.FinishedAt,
		CreatedAt:    m.CreatedAt,
	}
}
