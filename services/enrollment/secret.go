package enrollment

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"roost/pkg/events"
)

// Module identifiers scoping enrollment secrets.
const (
	ModuleOsquery = "roost.osquery"
	ModuleMDM     = "roost.mdm"
)

// Store persists enrollment secrets, verification requests, enrollments,
// sessions and enrolled devices.
type Store struct {
	orm    *gorm.DB
	signer *Signer
	logger *log.Logger
}

// NewStore constructs a Store bound to the provided dependencies.
func NewStore(orm *gorm.DB, signer *Signer, logger *log.Logger) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Store{orm: orm, signer: signer, logger: logger}, nil
}

// CreateSecretOptions controls secret issuance.
type CreateSecretOptions struct {
	Module         string
	BusinessUnitID *uuid.UUID
	Quota          int // 0 = unlimited
	SerialNumbers  []string
	UDIDs          []string
	ExpiredAt      *time.Time
	SecretLength   int
}

// CreateSecret mints a new enrollment secret and returns it together with its
// signed wire envelope.
func (s *Store) CreateSecret(ctx context.Context, opts CreateSecretOptions) (*Secret, string, error) {
	if opts.Module == "" {
		return nil, "", errors.New("module is required")
	}
	if opts.SecretLength <= 0 {
		opts.SecretLength = 64
	}

	model := secretModel{
		ID:             uuid.New(),
		Secret:         randomString(opts.SecretLength),
		Module:         opts.Module,
		BusinessUnitID: opts.BusinessUnitID,
		Quota:          opts.Quota,
		SerialNumbers:  encodeStringList(opts.SerialNumbers),
		UDIDs:          encodeStringList(opts.UDIDs),
		ExpiredAt:      opts.ExpiredAt,
	}
	if err := s.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return nil, "", err
	}

	claims := TokenClaims{SecretID: model.ID, Module: model.Module}
	if opts.BusinessUnitID != nil {
		var bu businessUnitModel
		if err := s.orm.WithContext(ctx).First(&bu, "id = ?", *opts.BusinessUnitID).Error; err != nil {
			return nil, "", fmt.Errorf("load business unit: %w", err)
		}
		claims.BusinessUnitKey = bu.Key
	}

	token, err := s.signer.EncodeToken(claims)
	if err != nil {
		return nil, "", err
	}

	secret, err := s.loadSecret(ctx, model.ID)
	if err != nil {
		return nil, "", err
	}
	return secret, token, nil
}

// RevokeSecret marks a secret revoked. Already-revoked secrets are left alone.
func (s *Store) RevokeSecret(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	return s.orm.WithContext(ctx).
		Model(&secretModel{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", now).Error
}

// VerifyToken authenticates a signed secret envelope against the expected
// module scope, consumes one use, and records a verification request. The
// returned ScopedSecret carries the request, which doubles as a phase proof.
func (s *Store) VerifyToken(ctx context.Context, token, module string, meta events.RequestMetadata, udid string) (*ScopedSecret, error) {
	if token == "" {
		return nil, authErrorf("missing secret")
	}

	envelope, serial, err := SplitSerialSuffix(token)
	if err != nil {
		return nil, &AuthError{Reason: err.Error()}
	}

	claims, err := s.signer.DecodeToken(envelope)
	if err != nil {
		return nil, &AuthError{Reason: err.Error()}
	}
	if claims.Module != module {
		return nil, authErrorf("invalid module %q", claims.Module)
	}

	var model secretModel
	if err := s.orm.WithContext(ctx).First(&model, "id = ?", claims.SecretID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, authErrorf("unknown secret")
		}
		return nil, err
	}

	return s.verify(ctx, &model, meta, serial, udid)
}

// VerifySessionSecret authenticates a raw session-scoped secret value and
// checks that its owning session is in the expected status. It consumes one
// use and records the verification request.
func (s *Store) VerifySessionSecret(ctx context.Context, secret, expectedStatus string, meta events.RequestMetadata, serial, udid string) (*ScopedSecret, *Session, error) {
	if secret == "" {
		return nil, nil, authErrorf("missing session secret")
	}

	var model secretModel
	if err := s.orm.WithContext(ctx).First(&model, "secret = ?", secret).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, authErrorf("unknown session secret")
		}
		return nil, nil, err
	}

	var session sessionModel
	if err := s.orm.WithContext(ctx).First(&session, "secret_id = ?", model.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, authErrorf("secret has no enrollment session")
		}
		return nil, nil, err
	}
	if session.Status != expectedStatus {
		return nil, nil, authErrorf("enrollment session has status %s, expected %s", session.Status, expectedStatus)
	}

	scoped, err := s.verify(ctx, &model, meta, serial, udid)
	if err != nil {
		return nil, nil, err
	}
	apiSession := session.toAPI()
	return scoped, &apiSession, nil
}

// verify runs the shared secret checks and the atomic consume. Exactly one of
// two concurrent redemptions of an exhausted-quota secret wins.
func (s *Store) verify(ctx context.Context, model *secretModel, meta events.RequestMetadata, serial, udid string) (*ScopedSecret, error) {
	now := time.Now().UTC()
	if model.RevokedAt != nil {
		return nil, authErrorf("secret revoked")
	}
	if model.ExpiredAt != nil && model.ExpiredAt.Before(now) {
		return nil, authErrorf("secret expired")
	}
	if scoped := model.serialNumbers(); len(scoped) > 0 && !containsString(scoped, serial) {
		return nil, authErrorf("serial number %q not in secret scope", serial)
	}
	if scoped := model.udids(); len(scoped) > 0 && udid != "" && !containsString(scoped, udid) {
		return nil, authErrorf("udid %q not in secret scope", udid)
	}

	if model.Quota > 0 {
		res := s.orm.WithContext(ctx).
			Model(&secretModel{}).
			Where("id = ? AND used_count < quota", model.ID).
			Update("used_count", gorm.Expr("used_count + 1"))
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected != 1 {
			return nil, authErrorf("secret quota exhausted")
		}
	} else {
		res := s.orm.WithContext(ctx).
			Model(&secretModel{}).
			Where("id = ?", model.ID).
			Update("used_count", gorm.Expr("used_count + 1"))
		if res.Error != nil {
			return nil, res.Error
		}
	}

	request := secretRequestModel{
		ID:           uuid.New(),
		SecretID:     model.ID,
		SerialNumber: serial,
		UDID:         udid,
		UserAgent:    meta.UserAgent,
		PublicIP:     meta.PublicIP,
	}
	if err := s.orm.WithContext(ctx).Create(&request).Error; err != nil {
		return nil, err
	}

	secret, err := s.loadSecret(ctx, model.ID)
	if err != nil {
		return nil, err
	}

	req := request.toAPI()
	return &ScopedSecret{
		Secret:       secret,
		BusinessUnit: secret.BusinessUnit,
		SerialNumber: serial,
		Request:      &req,
	}, nil
}

func (s *Store) loadSecret(ctx context.Context, id uuid.UUID) (*Secret, error) {
	var model secretModel
	if err := s.orm.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, err
	}

	secret := &Secret{
		ID:            model.ID,
		Secret:        model.Secret,
		Module:        model.Module,
		Quota:         model.Quota,
		UsedCount:     model.UsedCount,
		SerialNumbers: model.serialNumbers(),
		UDIDs:         model.udids(),
		ExpiredAt:     model.ExpiredAt,
		RevokedAt:     model.RevokedAt,
	}

	if model.BusinessUnitID != nil {
		var bu businessUnitModel
		err := s.orm.WithContext(ctx).First(&bu, "id = ?", *model.BusinessUnitID).Error
		switch {
		case err == nil:
			secret.BusinessUnit = &BusinessUnit{ID: bu.ID, Name: bu.Name, Key: bu.Key}
		case errors.Is(err, gorm.ErrRecordNotFound):
			s.logger.Printf("WARN: secret %s references unknown business unit %s", model.ID, *model.BusinessUnitID)
		default:
			return nil, err
		}
	}

	return secret, nil
}

// CreateBusinessUnit registers a business unit.
func (s *Store) CreateBusinessUnit(ctx context.Context, name, key string) (*BusinessUnit, error) {
	if name == "" || key == "" {
		return nil, errors.New("name and key are required")
	}
	model := businessUnitModel{ID: uuid.New(), Name: name, Key: key}
	if err := s.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return nil, err
	}
	return &BusinessUnit{ID: model.ID, Name: model.Name, Key: model.Key}, nil
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

const randomAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomString returns n characters of unguessable randomness.
func randomString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	for i, b := range buf {
		buf[i] = randomAlphabet[int(b)%len(randomAlphabet)]
	}
	return string(buf)
}
