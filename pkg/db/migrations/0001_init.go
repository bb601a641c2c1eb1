package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type BusinessUnit struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	Key       string    `gorm:"type:text;uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

type EnrollmentSecret struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Secret         string         `gorm:"type:text;uniqueIndex;not null"`
	Module         string         `gorm:"type:text;not null"`
	BusinessUnitID *uuid.UUID     `gorm:"type:uuid"`
	Quota          int            `gorm:"type:integer;not null;default:0"`
	UsedCount      int            `gorm:"type:integer;not null;default:0"`
	SerialNumbers  datatypes.JSON
	UDIDs          datatypes.JSON `gorm:"column:udids"`
	ExpiredAt      *time.Time
	RevokedAt      *time.Time
	CreatedAt      time.Time      `gorm:"not null;autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"not null;autoUpdateTime"`
	BusinessUnit   BusinessUnit   `gorm:"foreignKey:BusinessUnitID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type EnrollmentSecretRequest struct {
	ID           uuid.UUID        `gorm:"type:uuid;primaryKey"`
	SecretID     uuid.UUID        `gorm:"type:uuid;not null;index"`
	SerialNumber string           `gorm:"type:text"`
	UDID         string           `gorm:"column:udid;type:text"`
	UserAgent    string           `gorm:"type:text"`
	PublicIP     string           `gorm:"type:text"`
	CreatedAt    time.Time        `gorm:"not null;autoCreateTime"`
	Secret       EnrollmentSecret `gorm:"foreignKey:SecretID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Enrollment struct {
	ID        uuid.UUID        `gorm:"type:uuid;primaryKey"`
	Name      string           `gorm:"type:text;uniqueIndex;not null"`
	SecretID  uuid.UUID        `gorm:"type:uuid;not null;uniqueIndex"`
	CreatedAt time.Time        `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time        `gorm:"not null;autoUpdateTime"`
	Secret    EnrollmentSecret `gorm:"foreignKey:SecretID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type EnrolledDevice struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	UDID         string    `gorm:"column:udid;type:text;uniqueIndex;not null"`
	SerialNumber string    `gorm:"type:text;index;not null"`
	Token        string    `gorm:"type:text"`
	PushMagic    string    `gorm:"type:text"`
	UnlockToken  string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime"`
}

type EnrollmentSession struct {
	ID               uuid.UUID        `gorm:"type:uuid;primaryKey"`
	Status           string           `gorm:"type:text;not null"`
	EnrollmentID     uuid.UUID        `gorm:"type:uuid;not null;index"`
	SecretID         uuid.UUID        `gorm:"type:uuid;not null;uniqueIndex"`
	SerialNumber     string           `gorm:"type:text;index"`
	UDID             string           `gorm:"column:udid;type:text"`
	Phase2RequestID  *uuid.UUID       `gorm:"type:uuid"`
	Phase3RequestID  *uuid.UUID       `gorm:"type:uuid"`
	EnrolledDeviceID *uuid.UUID       `gorm:"type:uuid"`
	CreatedAt        time.Time        `gorm:"not null;autoCreateTime"`
	UpdatedAt        time.Time        `gorm:"not null;autoUpdateTime"`
	Enrollment       Enrollment       `gorm:"foreignKey:EnrollmentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Secret           EnrollmentSecret `gorm:"foreignKey:SecretID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	EnrolledDevice   EnrolledDevice   `gorm:"foreignKey:EnrolledDeviceID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type Snapshot struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	SerialNumber string            `gorm:"type:text;index;not null"`
	Reference    string            `gorm:"type:text;index;not null"`
	Source       string            `gorm:"type:text;not null"`
	Tree         datatypes.JSONMap
	CreatedAt    time.Time         `gorm:"not null;autoCreateTime"`
}

type SnapshotCurrent struct {
	SnapshotID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Reference    string    `gorm:"type:text;uniqueIndex;not null"`
	SerialNumber string    `gorm:"type:text;index;not null"`
	Source       string    `gorm:"type:text;not null"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime"`
	Snapshot     Snapshot  `gorm:"foreignKey:SnapshotID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Probe struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Name      string    `gorm:"type:text;uniqueIndex;not null"`
	Kind      string    `gorm:"type:text;not null"`
	Query     string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

type ProbeDelivery struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	ProbeID      int64     `gorm:"type:bigint;not null;uniqueIndex:idx_probe_serial"`
	SerialNumber string    `gorm:"type:text;not null;uniqueIndex:idx_probe_serial"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
	Probe        Probe     `gorm:"foreignKey:ProbeID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type CarveSession struct {
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
	Probe        Probe      `gorm:"foreignKey:ProbeID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type CarveBlock struct {
	ID             uuid.UUID    `gorm:"type:uuid;primaryKey"`
	CarveSessionID uuid.UUID    `gorm:"type:uuid;not null;uniqueIndex:idx_session_block"`
	BlockID        int          `gorm:"type:integer;not null;uniqueIndex:idx_session_block"`
	Size           int          `gorm:"type:integer;not null"`
	ObjectKey      string       `gorm:"type:text;not null"`
	CreatedAt      time.Time    `gorm:"not null;autoCreateTime"`
	CarveSession   CarveSession `gorm:"foreignKey:CarveSessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Audit struct {
	ID      int64             `gorm:"primaryKey;autoIncrement"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap
	At      time.Time         `gorm:"not null;autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&BusinessUnit{},
		&EnrollmentSecret{},
		&EnrollmentSecretRequest{},
		&Enrollment{},
		&EnrolledDevice{},
		&EnrollmentSession{},
		&Snapshot{},
		&SnapshotCurrent{},
		&Probe{},
		&ProbeDelivery{},
		&CarveSession{},
		&CarveBlock{},
		&Audit{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&EnrollmentSecretRequest{}, "Secret"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&EnrollmentSession{}, "Enrollment"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&EnrollmentSession{}, "Secret"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&SnapshotCurrent{}, "Snapshot"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&ProbeDelivery{}, "Probe"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&CarveSession{}, "Probe"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&CarveBlock{}, "CarveSession"); err != nil {
		return err
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&CarveBlock{},
		&CarveSession{},
		&ProbeDelivery{},
		&Probe{},
		&SnapshotCurrent{},
		&Snapshot{},
		&EnrollmentSession{},
		&EnrolledDevice{},
		&Enrollment{},
		&EnrollmentSecretRequest{},
		&EnrollmentSecret{},
		&BusinessUnit{},
	); err != nil {
		return err
	}

	return nil
}
