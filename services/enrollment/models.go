package enrollment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Session phases. Forward-only: a session never regresses and COMPLETED is
// terminal.
const (
	StatusPhase2         = "PHASE_2"
	StatusPhase2Verified = "PHASE_2_VERIFIED"
	StatusPhase3         = "PHASE_3"
	StatusPhase3Verified = "PHASE_3_VERIFIED"
	StatusAuthenticated  = "AUTHENTICATED"
	StatusCompleted      = "COMPLETED"
)

type businessUnitModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	Key       string    `gorm:"type:text;uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

func (businessUnitModel) TableName() string { return "business_units" }

type secretModel struct {
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
}

func (secretModel) TableName() string { return "enrollment_secrets" }

func (m secretModel) serialNumbers() []string { return decodeStringList(m.SerialNumbers) }
func (m secretModel) udids() []string         { return decodeStringList(m.UDIDs) }

type secretRequestModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	SecretID     uuid.UUID `gorm:"type:uuid;not null;index"`
	SerialNumber string    `gorm:"type:text"`
	UDID         string    `gorm:"column:udid;type:text"`
	UserAgent    string    `gorm:"type:text"`
	PublicIP     string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
}

func (secretRequestModel) TableName() string { return "enrollment_secret_requests" }

type enrollmentModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;uniqueIndex;not null"`
	SecretID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

func (enrollmentModel) TableName() string { return "enrollments" }

type enrolledDeviceModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	UDID         string    `gorm:"column:udid;type:text;uniqueIndex;not null"`
	SerialNumber string    `gorm:"type:text;index;not null"`
	Token        string    `gorm:"type:text"`
	PushMagic    string    `gorm:"type:text"`
	UnlockToken  string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime"`
}

func (enrolledDeviceModel) TableName() string { return "enrolled_devices" }

type sessionModel struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Status           string     `gorm:"type:text;not null"`
	EnrollmentID     uuid.UUID  `gorm:"type:uuid;not null;index"`
	SecretID         uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex"`
	SerialNumber     string     `gorm:"type:text;index"`
	UDID             string     `gorm:"column:udid;type:text"`
	Phase2RequestID  *uuid.UUID `gorm:"type:uuid"`
	Phase3RequestID  *uuid.UUID `gorm:"type:uuid"`
	EnrolledDeviceID *uuid.UUID `gorm:"type:uuid"`
	CreatedAt        time.Time  `gorm:"not null;autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"not null;autoUpdateTime"`
}

func (sessionModel) TableName() string { return "enrollment_sessions" }

// BusinessUnit scopes secrets and enrollments to an organisational unit.
type BusinessUnit struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
	Key  string    `json:"key"`
}

// Secret is an enrollment secret record.
type Secret struct {
	ID            uuid.UUID
	Secret        string
	Module        string
	BusinessUnit  *BusinessUnit
	Quota         int
	UsedCount     int
	SerialNumbers []string
	UDIDs         []string
	ExpiredAt     *time.Time
	RevokedAt     *time.Time
}

// SecretRequest records one successful secret verification. Requests double
// as the phase proofs of the enrollment session machine.
type SecretRequest struct {
	ID           uuid.UUID
	SecretID     uuid.UUID
	SerialNumber string
	UDID         string
	UserAgent    string
	PublicIP     string
	CreatedAt    time.Time
}

// ScopedSecret is the result of a successful verification.
type ScopedSecret struct {
	Secret       *Secret
	BusinessUnit *BusinessUnit
	SerialNumber string
	Request      *SecretRequest
}

// Enrollment is a named enrollment configuration owning a (usually
// multi-use) secret.
type Enrollment struct {
	ID       uuid.UUID
	Name     string
	SecretID uuid.UUID
}

// Device is an enrolled device record bound at the AUTHENTICATED phase.
type Device struct {
	ID           uuid.UUID
	UDID         string
	SerialNumber string
	Token        string
	PushMagic    string
	UnlockToken  string
}

// Session is one device's progress through the enrollment protocol.
type Session struct {
	ID               uuid.UUID
	Status           string
	EnrollmentID     uuid.UUID
	SecretID         uuid.UUID
	SerialNumber     string
	UDID             string
	Phase2RequestID  *uuid.UUID
	Phase3RequestID  *uuid.UUID
	EnrolledDeviceID *uuid.UUID
}

func (m sessionModel) toAPI() Session {
	return Session{
		ID:               m.ID,
		Status:           m.Status,
		EnrollmentID:     m.EnrollmentID,
		SecretID:         m.SecretID,
		SerialNumber:     m.SerialNumber,
		UDID:             m.UDID,
		Phase2RequestID:  m.Phase2RequestID,
		Phase3RequestID:  m.Phase3RequestID,
		EnrolledDeviceID: m.EnrolledDeviceID,
	}
}

func (m secretRequestModel) toAPI() SecretRequest {
	return SecretRequest{
		ID:           m.ID,
		SecretID:     m.SecretID,
		SerialNumber: m.SerialNumber,
		UDID:         m.UDID,
		UserAgent:    m.UserAgent,
		PublicIP:     m.PublicIP,
		CreatedAt:    m.CreatedAt,
	}
}

func (m enrolledDeviceModel) toAPI() Device {
	return Device{
		ID:           m.ID,
		UDID:         m.UDID,
		SerialNumber: m.SerialNumber,
		Token:        m.Token,
		PushMagic:    m.PushMagic,
		UnlockToken:  m.UnlockToken,
	}
}

func decodeStringList(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func encodeStringList(values []string) datatypes.JSON {
	if len(values) == 0 {
		return nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return raw
}
