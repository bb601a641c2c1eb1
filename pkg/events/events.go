package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"roost/pkg/bus"
)

// Event types emitted by the protocol engine.
const (
	TypeEnrollment               = "enrollment"
	TypeRequest                  = "request"
	TypeDistributedQueryResult   = "distributed_query_result"
	TypeFileCarve                = "file_carve"
	TypeFileCarveSessionFinished = "file_carve_session_finished"
	TypeMachineConflict          = "machine_conflict"
	TypeInventoryUpdate          = "inventory_update"
	TypeMDMOTARequest            = "mdm_ota_request"
	TypeMDMRequest               = "mdm_request"
	TypeOsqueryLog               = "osquery_log"
)

const subjectPrefix = "roost.events."

// Subject returns the bus subject carrying events of the given type.
func Subject(typ string) string {
	return subjectPrefix + typ
}

// RequestMetadata carries the client context attached to every audit event.
type RequestMetadata struct {
	UserAgent string `json:"user_agent"`
	PublicIP  string `json:"public_ip"`
}

// Event is one audit record. Payloads are batched: one protocol request that
// produces several results posts a single event with several payloads.
type Event struct {
	ID           uuid.UUID        `json:"id"`
	Type         string           `json:"type"`
	SerialNumber string           `json:"serial_number,omitempty"`
	Metadata     RequestMetadata  `json:"metadata"`
	Tags         []string         `json:"tags,omitempty"`
	Payloads     []map[string]any `json:"payloads"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Emitter is the durable audit event sink. Posting must never roll back the
// state change that triggered it; callers log failures and move on.
type Emitter interface {
	Post(ctx context.Context, typ, serialNumber string, meta RequestMetadata, tags []string, payloads []map[string]any) error
}

// BusEmitter publishes events to the NATS event streams.
type BusEmitter struct {
	bus *bus.Bus
}

// NewBusEmitter returns an Emitter backed by the provided bus.
func NewBusEmitter(b *bus.Bus) (*BusEmitter, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	return &BusEmitter{bus: b}, nil
}

// Post publishes one event to roost.events.<type>.
func (e *BusEmitter) Post(ctx context.Context, typ, serialNumber string, meta RequestMetadata, tags []string, payloads []map[string]any) error {
	if e == nil {
		return errors.New("nil emitter")
	}
	if typ == "" {
		return errors.New("event type is required")
	}
	if len(payloads) == 0 {
		payloads = []map[string]any{{}}
	}

	evt := Event{
		ID:           uuid.New(),
		Type:         typ,
		SerialNumber: serialNumber,
		Metadata:     meta,
		Tags:         tags,
		Payloads:     payloads,
		CreatedAt:    time.Now().UTC(),
	}

	return e.bus.Publish(ctx, Subject(typ), evt)
}

// Recorder is an in-memory Emitter for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Post records the event.
func (r *Recorder) Post(_ context.Context, typ, serialNumber string, meta RequestMetadata, tags []string, payloads []map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{
		ID:           uuid.New(),
		Type:         typ,
		SerialNumber: serialNumber,
		Metadata:     meta,
		Tags:         tags,
		Payloads:     payloads,
		CreatedAt:    time.Now().UTC(),
	})
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns the recorded events of the given type.
func (r *Recorder) ByType(typ string) []Event {
	var out []Event
	for _, evt := range r.Events() {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}
