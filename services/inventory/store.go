package inventory

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"roost/pkg/events"
)

// Source identifies snapshots committed by the osquery protocol surface.
const Source = "roost.osquery"

const referenceLength = 64

// ErrAmbiguousIdentity reports that more than one current snapshot matched a
// lookup. This means the current-pointer invariant is broken and must be
// investigated, not papered over.
var ErrAmbiguousIdentity = errors.New("ambiguous machine identity")

// Store persists snapshots and maintains the current-snapshot pointer.
type Store struct {
	orm     *gorm.DB
	emitter events.Emitter
	logger  *log.Logger
}

// NewStore constructs a Store bound to the provided dependencies.
func NewStore(orm *gorm.DB, emitter events.Emitter, logger *log.Logger) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Store{orm: orm, emitter: emitter, logger: logger}, nil
}

// Commit appends a snapshot and repoints the current pointer for its
// reference in one transaction. The snapshot history is append-only. The
// inventory update event is posted after the commit and never rolls it back.
func (s *Store) Commit(ctx context.Context, serialNumber, reference string, tree map[string]any) (*Snapshot, error) {
	if serialNumber == "" {
		return nil, errors.New("serial number is required")
	}
	if reference == "" {
		return nil, errors.New("reference is required")
	}

	model := snapshotModel{
		ID:           uuid.New(),
		SerialNumber: serialNumber,
		Reference:    reference,
		Source:       Source,
		Tree:         toJSONMap(tree),
	}

	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		current := snapshotCurrentModel{
			SnapshotID:   model.ID,
			Reference:    reference,
			SerialNumber: serialNumber,
			Source:       Source,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reference"}},
			DoUpdates: clause.AssignmentColumns([]string{"snapshot_id", "serial_number", "source", "updated_at"}),
		}).Create(&current).Error
	})
	if err != nil {
		return nil, err
	}

	meta := events.RequestMetadata{}
	if ip, ok := tree["public_ip_address"].(string); ok {
		meta.PublicIP = ip
	}
	payload := map[string]any{"reference": reference, "snapshot_id": model.ID.String()}
	if err := s.emitter.Post(ctx, events.TypeInventoryUpdate, serialNumber, meta, nil, []map[string]any{payload}); err != nil {
		s.logger.Printf("WARN: post inventory update for %s: %v", serialNumber, err)
	}

	snapshot := model.toAPI()
	return &snapshot, nil
}

// CurrentByReference returns the current snapshot for a machine reference.
func (s *Store) CurrentByReference(ctx context.Context, reference string) (*Snapshot, error) {
	return s.current(ctx, "reference = ?", reference)
}

// CurrentBySerial returns the current snapshot for a serial number.
func (s *Store) CurrentBySerial(ctx context.Context, serialNumber string) (*Snapshot, error) {
	return s.current(ctx, "serial_number = ?", serialNumber)
}

func (s *Store) current(ctx context.Context, cond string, arg string) (*Snapshot, error) {
	var pointers []snapshotCurrentModel
	if err := s.orm.WithContext(ctx).Where(cond, arg).Find(&pointers).Error; err != nil {
		return nil, err
	}
	switch len(pointers) {
	case 0:
		return nil, gorm.ErrRecordNotFound
	case 1:
	default:
		s.logger.Printf("ERROR: %d current snapshots for %q", len(pointers), arg)
		return nil, fmt.Errorf("%w: %q", ErrAmbiguousIdentity, arg)
	}

	var model snapshotModel
	if err := s.orm.WithContext(ctx).First(&model, "id = ?", pointers[0].SnapshotID).Error; err != nil {
		return nil, err
	}
	snapshot := model.toAPI()
	return &snapshot, nil
}

// EnrollOptions carries the request context of an osquery enrollment.
type EnrollOptions struct {
	SerialNumber   string
	HostIdentifier string
	BusinessUnit   map[string]any
	PublicIP       string
}

// Enroll registers a machine with the inventory. A new serial number gets a
// fresh tree under a newly minted reference; a known serial number is a
// re-enrollment and keeps its reference, with its prior tree re-committed.
// Returns the committed snapshot and whether the machine was already known.
func (s *Store) Enroll(ctx context.Context, opts EnrollOptions) (*Snapshot, bool, error) {
	if opts.SerialNumber == "" {
		return nil, false, errors.New("serial number is required")
	}

	previous, err := s.CurrentBySerial(ctx, opts.SerialNumber)
	switch {
	case err == nil:
		tree := make(map[string]any, len(previous.Tree))
		for k, v := range previous.Tree {
			tree[k] = v
		}
		stampEnrollment(tree, opts)
		snapshot, err := s.Commit(ctx, opts.SerialNumber, previous.Reference, tree)
		if err != nil {
			return nil, false, err
		}
		return snapshot, true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		reference := newReference()
		tree := map[string]any{
			"source":        Source,
			"reference":     reference,
			"serial_number": opts.SerialNumber,
		}
		if opts.HostIdentifier != "" {
			tree[treeKeySystemInfo] = map[string]any{"computer_name": opts.HostIdentifier}
		}
		stampEnrollment(tree, opts)
		snapshot, err := s.Commit(ctx, opts.SerialNumber, reference, tree)
		if err != nil {
			return nil, false, err
		}
		return snapshot, false, nil
	default:
		return nil, false, err
	}
}

func stampEnrollment(tree map[string]any, opts EnrollOptions) {
	tree["last_seen"] = time.Now().UTC().Format(time.RFC3339)
	if opts.PublicIP != "" {
		tree["public_ip_address"] = opts.PublicIP
	}
	if len(opts.BusinessUnit) > 0 {
		tree["business_unit"] = opts.BusinessUnit
	}
}

const referenceAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newReference mints the machine reference handed to osquery as its node key.
func newReference() string {
	buf := make([]byte, referenceLength)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = referenceAlphabet[int(b)%len(referenceAlphabet)]
	}
	return string(buf)
}
