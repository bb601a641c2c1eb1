package distributed

import (
	"time"
)

// Probe kinds.
const (
	KindQuery = "query"
	KindCarve = "carve"
)

type probeModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Name      string    `gorm:"type:text;uniqueIndex;not null"`
	Kind      string    `gorm:"type:text;not null"`
	Query     string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

func (probeModel) TableName() string { return "probes" }

type probeDeliveryModel struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	ProbeID      int64     `gorm:"type:bigint;not null;uniqueIndex:idx_probe_serial"`
	SerialNumber string    `gorm:"type:text;not null;uniqueIndex:idx_probe_serial"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
}

func (probeDeliveryModel) TableName() string { return "probe_deliveries" }

// Probe is an ad-hoc query or carve pushed to matching devices once.
type Probe struct {
	ID        int64
	Name      string
	Kind      string
	Query     string
	CreatedAt time.Time
}

func (m probeModel) toAPI() Probe {
	return Probe{
		ID:        m.ID,
		Name:      m.Name,
		Kind:      m.Kind,
		Query:     m.Query,
		CreatedAt: m.CreatedAt,
	}
}
