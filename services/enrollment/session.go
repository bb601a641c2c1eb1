package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Each session gets a private secret good for the two signed phases.
const sessionSecretQuota = 2

// CreateEnrollment registers a named enrollment backed by a fresh secret and
// returns the enrollment together with the secret's signed envelope.
func (s *Store) CreateEnrollment(ctx context.Context, name string, opts CreateSecretOptions) (*Enrollment, string, error) {
	if name == "" {
		return nil, "", errors.New("name is required")
	}
	if opts.Module == "" {
		opts.Module = ModuleMDM
	}

	secret, token, err := s.CreateSecret(ctx, opts)
	if err != nil {
		return nil, "", err
	}

	model := enrollmentModel{ID: uuid.New(), Name: name, SecretID: secret.ID}
	if err := s.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return nil, "", err
	}
	return &Enrollment{ID: model.ID, Name: model.Name, SecretID: model.SecretID}, token, nil
}

// EnrollmentByID looks up an enrollment.
func (s *Store) EnrollmentByID(ctx context.Context, id uuid.UUID) (*Enrollment, error) {
	var model enrollmentModel
	if err := s.orm.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &Enrollment{ID: model.ID, Name: model.Name, SecretID: model.SecretID}, nil
}

// EnrollmentBySecretID resolves the enrollment owning a secret.
func (s *Store) EnrollmentBySecretID(ctx context.Context, secretID uuid.UUID) (*Enrollment, error) {
	var model enrollmentModel
	if err := s.orm.WithContext(ctx).First(&model, "secret_id = ?", secretID).Error; err != nil {
		return nil, err
	}
	return &Enrollment{ID: model.ID, Name: model.Name, SecretID: model.SecretID}, nil
}

// CreateSession opens a PHASE_2 session for one device. The session gets its
// own secret scoped to the device's serial number (and UDID when known),
// inheriting the enrollment secret's business unit and expiry.
func (s *Store) CreateSession(ctx context.Context, enrollment *Enrollment, serialNumber, udid string) (*Session, *Secret, error) {
	if enrollment == nil {
		return nil, nil, errors.New("enrollment is required")
	}
	if serialNumber == "" {
		return nil, nil, errors.New("serial number is required")
	}

	parent, err := s.loadSecret(ctx, enrollment.SecretID)
	if err != nil {
		return nil, nil, fmt.Errorf("load enrollment secret: %w", err)
	}

	opts := CreateSecretOptions{
		Module:        parent.Module,
		Quota:         sessionSecretQuota,
		SerialNumbers: []string{serialNumber},
		ExpiredAt:     parent.ExpiredAt,
	}
	if udid != "" {
		opts.UDIDs = []string{udid}
	}
	if parent.BusinessUnit != nil {
		id := parent.BusinessUnit.ID
		opts.BusinessUnitID = &id
	}

	child, _, err := s.CreateSecret(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("mint session secret: %w", err)
	}

	model := sessionModel{
		ID:           uuid.New(),
		Status:       StatusPhase2,
		EnrollmentID: enrollment.ID,
		SecretID:     child.ID,
		SerialNumber: serialNumber,
		UDID:         udid,
	}
	if err := s.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return nil, nil, err
	}

	session := model.toAPI()
	return &session, child, nil
}

// SessionBySecret resolves a session from its raw secret value without
// consuming a use. Check-in requests authenticate this way after the signed
// phases are done.
func (s *Store) SessionBySecret(ctx context.Context, secret string) (*Session, error) {
	if secret == "" {
		return nil, authErrorf("missing session secret")
	}
	var model secretModel
	if err := s.orm.WithContext(ctx).First(&model, "secret = ?", secret).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, authErrorf("unknown session secret")
		}
		return nil, err
	}
	var session sessionModel
	if err := s.orm.WithContext(ctx).First(&session, "secret_id = ?", model.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, authErrorf("secret has no enrollment session")
		}
		return nil, err
	}
	api := session.toAPI()
	return &api, nil
}

// SessionByID loads a session.
func (s *Store) SessionByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	var model sessionModel
	if err := s.orm.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, err
	}
	session := model.toAPI()
	return &session, nil
}

// transition performs one guarded forward step of the session machine. The
// update only lands when the session is still in the expected status, so
// concurrent requests cannot replay or skip a phase.
func (s *Store) transition(ctx context.Context, sessionID uuid.UUID, from, to string, updates map[string]any) (*Session, error) {
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = to
	updates["updated_at"] = time.Now().UTC()

	res := s.orm.WithContext(ctx).
		Model(&sessionModel{}).
		Where("id = ? AND status = ?", sessionID, from).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, &PhaseTransitionError{SessionID: sessionID, From: from, To: to}
	}
	return s.SessionByID(ctx, sessionID)
}

// SetPhase2Verified records the phase 2 proof. The proof must come from the
// session's own secret.
func (s *Store) SetPhase2Verified(ctx context.Context, session *Session, proof *SecretRequest) (*Session, error) {
	if err := checkProof(session, proof); err != nil {
		return nil, err
	}
	return s.transition(ctx, session.ID, StatusPhase2, StatusPhase2Verified, map[string]any{
		"phase2_request_id": proof.ID,
	})
}

// SetPhase3 advances a verified phase 2 session to phase 3.
func (s *Store) SetPhase3(ctx context.Context, session *Session) (*Session, error) {
	if session == nil {
		return nil, errors.New("session is required")
	}
	return s.transition(ctx, session.ID, StatusPhase2Verified, StatusPhase3, nil)
}

// SetPhase3Verified records the phase 3 proof, again from the session's own
// secret.
func (s *Store) SetPhase3Verified(ctx context.Context, session *Session, proof *SecretRequest) (*Session, error) {
	if err := checkProof(session, proof); err != nil {
		return nil, err
	}
	return s.transition(ctx, session.ID, StatusPhase3, StatusPhase3Verified, map[string]any{
		"phase3_request_id": proof.ID,
	})
}

// SetAuthenticated binds the device record created by the MDM Authenticate
// check-in to the session.
func (s *Store) SetAuthenticated(ctx context.Context, session *Session, device *Device) (*Session, error) {
	if session == nil {
		return nil, errors.New("session is required")
	}
	if device == nil {
		return nil, errors.New("device is required")
	}
	return s.transition(ctx, session.ID, StatusPhase3Verified, StatusAuthenticated, map[string]any{
		"enrolled_device_id": device.ID,
		"udid":               device.UDID,
	})
}

// SetCompleted closes the session after the TokenUpdate check-in. COMPLETED
// is terminal.
func (s *Store) SetCompleted(ctx context.Context, session *Session) (*Session, error) {
	if session == nil {
		return nil, errors.New("session is required")
	}
	return s.transition(ctx, session.ID, StatusAuthenticated, StatusCompleted, nil)
}

func checkProof(session *Session, proof *SecretRequest) error {
	if session == nil {
		return errors.New("session is required")
	}
	if proof == nil {
		return authErrorf("missing verification proof")
	}
	if proof.SecretID != session.SecretID {
		return authErrorf("proof does not belong to the session secret")
	}
	return nil
}

// UpsertDevice creates or refreshes the enrolled device record keyed on UDID.
// Push credentials only overwrite when the check-in carries them.
func (s *Store) UpsertDevice(ctx context.Context, udid, serialNumber, token, pushMagic, unlockToken string) (*Device, error) {
	if udid == "" {
		return nil, errors.New("udid is required")
	}

	model := enrolledDeviceModel{
		ID:           uuid.New(),
		UDID:         udid,
		SerialNumber: serialNumber,
		Token:        token,
		PushMagic:    pushMagic,
		UnlockToken:  unlockToken,
	}

	assignments := map[string]any{
		"serial_number": serialNumber,
		"updated_at":    time.Now().UTC(),
	}
	if token != "" {
		assignments["token"] = token
	}
	if pushMagic != "" {
		assignments["push_magic"] = pushMagic
	}
	if unlockToken != "" {
		assignments["unlock_token"] = unlockToken
	}

	err := s.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "udid"}},
			DoUpdates: clause.Assignments(assignments),
		}).
		Create(&model).Error
	if err != nil {
		return nil, err
	}

	var stored enrolledDeviceModel
	if err := s.orm.WithContext(ctx).First(&stored, "udid = ?", udid).Error; err != nil {
		return nil, err
	}
	device := stored.toAPI()
	return &device, nil
}

// DeviceByUDID looks up an enrolled device.
func (s *Store) DeviceByUDID(ctx context.Context, udid string) (*Device, error) {
	var model enrolledDeviceModel
	if err := s.orm.WithContext(ctx).First(&model, "udid = ?", udid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, authErrorf("unknown device %q", udid)
		}
		return nil, err
	}
	device := model.toAPI()
	return &device, nil
}
