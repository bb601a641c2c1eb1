package carve

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"roost/pkg/events"
	"roost/services/distributed"
)

const sessionIDLength = 64

// Session lookup failures are credential failures: the session id is the only
// thing authenticating a carve continue request.
var ErrUnknownSession = errors.New("unknown carve session")

// ErrUnknownProbe rejects a carve start whose request id does not resolve to
// a registered probe.
var ErrUnknownProbe = errors.New("unknown carve probe")

// InvalidRequestError rejects a malformed carve request: bad geometry or a
// block id outside the session's range.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return e.Reason }

// IsInvalidRequest reports whether err is an InvalidRequestError.
func IsInvalidRequest(err error) bool {
	var ie *InvalidRequestError
	return errors.As(err, &ie)
}

// BlockStore is the object storage the carve blocks and archives land in.
// *s3.Client satisfies it.
type BlockStore interface {
	PutBytes(ctx context.Context, bucket, key string, data []byte) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Manager runs carve sessions: start, block collection, completion and
// archive assembly.
type Manager struct {
	orm      *gorm.DB
	registry *distributed.Registry
	store    BlockStore
	bucket   string
	emitter  events.Emitter
	logger   *log.Logger
}

// NewManager constructs a Manager.
func NewManager(orm *gorm.DB, registry *distributed.Registry, store BlockStore, bucket string, emitter events.Emitter, logger *log.Logger) (*Manager, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if store == nil {
		return nil, errors.New("block store is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{orm: orm, registry: registry, store: store, bucket: bucket, emitter: emitter, logger: logger}, nil
}

// StartOptions carries the osquery carve start request.
type StartOptions struct {
	SerialNumber string
	RequestID    string
	CarveGUID    string
	CarveSize    int64
	BlockSize    int
	BlockCount   int
}

// Start opens a carve session. The probe is resolved from the request id
// suffix, the way distributed query results resolve theirs.
func (m *Manager) Start(ctx context.Context, opts StartOptions, meta events.RequestMetadata) (string, error) {
	if opts.SerialNumber == "" {
		return "", errors.New("serial number is required")
	}
	if opts.CarveGUID == "" {
		return "", errors.New("carve guid is required")
	}
	if opts.BlockCount <= 0 || opts.BlockSize <= 0 || opts.CarveSize <= 0 {
		return "", &InvalidRequestError{Reason: fmt.Sprintf("invalid carve geometry: size %d, block size %d, block count %d", opts.CarveSize, opts.BlockSize, opts.BlockCount)}
	}

	probeID, ok := probeIDFromRequestID(opts.RequestID)
	if !ok {
		return "", fmt.Errorf("%w: request id %q", ErrUnknownProbe, opts.RequestID)
	}
	probe, err := m.registry.ProbeByID(ctx, probeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: id %d", ErrUnknownProbe, probeID)
		}
		return "", err
	}
	if probe.Kind != distributed.KindCarve {
		m.logger.Printf("WARN: carve started from %s probe %d", probe.Kind, probe.ID)
	}

	model := carveSessionModel{
		ID:           uuid.New(),
		ProbeID:      probe.ID,
		SerialNumber: opts.SerialNumber,
		SessionID:    newSessionID(),
		CarveGUID:    opts.CarveGUID,
		CarveSize:    opts.CarveSize,
		BlockSize:    opts.BlockSize,
		BlockCount:   opts.BlockCount,
	}
	if err := m.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return "", err
	}

	payload := map[string]any{
		"action":      "start",
		"session_id":  model.SessionID,
		"carve_guid":  opts.CarveGUID,
		"carve_size":  opts.CarveSize,
		"block_size":  opts.BlockSize,
		"block_count": opts.BlockCount,
		"probe":       map[string]any{"id": probe.ID, "name": probe.Name},
	}
	if err := m.emitter.Post(ctx, events.TypeFileCarve, opts.SerialNumber, meta, nil, []map[string]any{payload}); err != nil {
		m.logger.Printf("WARN: post carve start for %s: %v", opts.SerialNumber, err)
	}

	return model.SessionID, nil
}

// Continue stores one carve block. Duplicate blocks overwrite their earlier
// copy and never double-count towards completion. The call that stores the
// last distinct block flips the session to finished, fires the finished event
// exactly once and assembles the archive.
func (m *Manager) Continue(ctx context.Context, sessionID string, blockID int, data []byte, meta events.RequestMetadata) (*Session, error) {
	var model carveSessionModel
	if err := m.orm.WithContext(ctx).First(&model, "session_id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownSession
		}
		return nil, err
	}
	if blockID < 0 || blockID >= model.BlockCount {
		return nil, &InvalidRequestError{Reason: fmt.Sprintf("block id %d out of range [0, %d)", blockID, model.BlockCount)}
	}

	objectKey := blockObjectKey(model, blockID)
	if err := m.store.PutBytes(ctx, m.bucket, objectKey, data); err != nil {
		return nil, fmt.Errorf("store block %d: %w", blockID, err)
	}

	block := carveBlockModel{
		ID:             uuid.New(),
		CarveSessionID: model.ID,
		BlockID:        blockID,
		Size:           len(data),
		ObjectKey:      objectKey,
	}
	err := m.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "carve_session_id"}, {Name: "block_id"}},
			DoUpdates: clause.Assignments(map[string]any{"size": len(data), "object_key": objectKey}),
		}).
		Create(&block).Error
	if err != nil {
		return nil, err
	}

	var stored int64
	err = m.orm.WithContext(ctx).
		Model(&carveBlockModel{}).
		Where("carve_session_id = ?", model.ID).
		Count(&stored).Error
	if err != nil {
		return nil, err
	}
	finished := int(stored) >= model.BlockCount

	payload := map[string]any{
		"action":           "continue",
		"session_id":       model.SessionID,
		"block_id":         blockID,
		"block_size":       len(data),
		"session_finished": finished,
	}
	if err := m.emitter.Post(ctx, events.TypeFileCarve, model.SerialNumber, meta, nil, []map[string]any{payload}); err != nil {
		m.logger.Printf("WARN: post carve continue for %s: %v", model.SerialNumber, err)
	}

	if finished {
		if err := m.finish(ctx, &model, meta); err != nil {
			return nil, err
		}
	}

	return m.SessionByID(ctx, sessionID)
}

// finish assembles the archive, then flips finished_at and records the
// archive key with one guarded update, so only one request fires the finished
// event no matter how many observe the final block count. A failed assembly
// leaves the guard unconsumed and the next continue retries it.
func (m *Manager) finish(ctx context.Context, model *carveSessionModel, meta events.RequestMetadata) error {
	archiveKey, err := m.assembleArchive(ctx, model)
	if err != nil {
		return fmt.Errorf("assemble archive: %w", err)
	}

	res := m.orm.WithContext(ctx).
		Model(&carveSessionModel{}).
		Where("id = ? AND finished_at IS NULL", model.ID).
		Updates(map[string]any{
			"finished_at": time.Now().UTC(),
			"archive_key": archiveKey,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return nil
	}

	payload := map[string]any{
		"session_id": model.SessionID,
		"carve_guid": model.CarveGUID,
		"carve_size": model.CarveSize,
	}
	if err := m.emitter.Post(ctx, events.TypeFileCarveSessionFinished, model.SerialNumber, meta, nil, []map[string]any{payload}); err != nil {
		m.logger.Printf("WARN: post carve finished for %s: %v", model.SerialNumber, err)
	}

	return nil
}

// SessionByID loads a carve session by its osquery session id.
func (m *Manager) SessionByID(ctx context.Context, sessionID string) (*Session, error) {
	var model carveSessionModel
	if err := m.orm.WithContext(ctx).First(&model, "session_id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownSession
		}
		return nil, err
	}
	session := model.toAPI()
	return &session, nil
}

// ArchiveURL returns a presigned download URL for a finished carve's archive.
func (m *Manager) ArchiveURL(ctx context.Context, sessionID string, ttl time.Duration) (string, error) {
	session, err := m.SessionByID(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !session.Finished() || session.ArchiveKey == "" {
		return "", fmt.Errorf("carve session %s is not finished", sessionID)
	}
	return m.store.PresignGet(ctx, m.bucket, session.ArchiveKey, ttl)
}

func blockObjectKey(model carveSessionModel, blockID int) string {
	return fmt.Sprintf("carves/%d/%s/%s/%d", model.ProbeID, model.SerialNumber, model.SessionID[:8], blockID)
}

func archiveObjectKey(model carveSessionModel) string {
	return fmt.Sprintf("carves/%d/%s/%s/archive.tar.zst", model.ProbeID, model.SerialNumber, model.SessionID[:8])
}

func probeIDFromRequestID(requestID string) (int64, bool) {
	idx := strings.LastIndex(requestID, "_")
	if idx < 0 || idx == len(requestID)-1 {
		return 0, false
	}
	id, err := strconv.ParseInt(requestID[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

const sessionIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func newSessionID() string {
	buf := make([]byte, sessionIDLength)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = sessionIDAlphabet[int(b)%len(sessionIDAlphabet)]
	}
	return string(buf)
}
