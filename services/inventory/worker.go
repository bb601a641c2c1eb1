package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"roost/pkg/bus"
	"roost/pkg/db"
	"roost/pkg/events"
)

const (
	auditActor  = "machine"
	auditAction = "inventory_updated"
	workerQueue = "inventory-audit"
)

// Worker consumes inventory update events from NATS, diffs each committed
// snapshot against the machine's previous one and writes audit log entries
// describing the changes.
type Worker struct {
	pool *pgxpool.Pool
	bus  *bus.Bus

	subMu sync.Mutex
	sub   io.Closer
}

// NewWorker constructs a Worker for the provided dependencies.
func NewWorker(pool *pgxpool.Pool, bus *bus.Bus) (*Worker, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	return &Worker{pool: pool, bus: bus}, nil
}

// Start subscribes to inventory updates and processes them until ctx is
// cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if w == nil {
		return errors.New("nil worker")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	handler := func(msgCtx context.Context, data []byte) error {
		return w.handleUpdate(msgCtx, data)
	}

	sub, err := w.bus.Subscribe(ctx, events.Subject(events.TypeInventoryUpdate), workerQueue, handler)
	if err != nil {
		return err
	}

	w.subMu.Lock()
	w.sub = sub
	w.subMu.Unlock()

	return nil
}

// Close stops the underlying subscription if it was created.
func (w *Worker) Close() error {
	if w == nil {
		return nil
	}

	w.subMu.Lock()
	defer w.subMu.Unlock()

	if w.sub == nil {
		return nil
	}
	err := w.sub.Close()
	w.sub = nil
	return err
}

func (w *Worker) handleUpdate(ctx context.Context, data []byte) error {
	var evt events.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}

	for _, payload := range evt.Payloads {
		rawID, _ := payload["snapshot_id"].(string)
		reference, _ := payload["reference"].(string)
		if rawID == "" || reference == "" {
			continue
		}
		snapshotID, err := uuid.Parse(rawID)
		if err != nil {
			return err
		}

		current, err := w.snapshotTree(ctx, snapshotID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return err
		}

		previous, err := w.previousTree(ctx, reference, snapshotID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		diff := computeDiff(previous, current)
		if err := w.insertAudit(ctx, evt.SerialNumber, snapshotID, diff); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) snapshotTree(ctx context.Context, id uuid.UUID) (map[string]any, error) {
	var raw []byte
	err := db.Get(ctx, w.pool, &raw, `
SELECT tree
FROM snapshots
WHERE id = $1
`, id)
	if err != nil {
		return nil, err
	}
	return decodeTree(raw)
}

func (w *Worker) previousTree(ctx context.Context, reference string, currentID uuid.UUID) (map[string]any, error) {
	var raw []byte
	err := db.Get(ctx, w.pool, &raw, `
SELECT tree
FROM snapshots
WHERE reference = $1 AND id <> $2
ORDER BY created_at DESC
LIMIT 1
`, reference, currentID)
	if err != nil {
		return nil, err
	}
	return decodeTree(raw)
}

func decodeTree(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func (w *Worker) insertAudit(ctx context.Context, serialNumber string, snapshotID uuid.UUID, diff map[string]map[string]any) error {
	details := map[string]any{
		"serial_number": serialNumber,
		"snapshot_id":   snapshotID.String(),
		"changes":       diff,
	}

	detailsBytes, err := json.Marshal(details)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, w.pool, `
INSERT INTO audit (actor, action, obj, details)
VALUES ($1, $2, $3, $4::jsonb)
`, auditActor, auditAction, serialNumber, detailsBytes)
	return err
}

func computeDiff(previous, current map[string]any) map[string]map[string]any {
	if previous == nil {
		previous = map[string]any{}
	}
	if current == nil {
		current = map[string]any{}
	}

	diff := make(map[string]map[string]any)

	for key, prevVal := range previous {
		curVal, ok := current[key]
		if !ok {
			diff[key] = map[string]any{"old": prevVal, "new": nil}
			continue
		}
		if !reflect.DeepEqual(prevVal, curVal) {
			diff[key] = map[string]any{"old": prevVal, "new": curVal}
		}
	}

	for key, curVal := range current {
		if _, seen := previous[key]; seen {
			continue
		}
		diff[key] = map[string]any{"old": nil, "new": curVal}
	}

	return diff
}
