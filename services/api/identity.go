package api

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"roost/pkg/events"
	"roost/services/enrollment"
	"roost/services/inventory"
)

// resolveMachine authenticates a node key against the current machine
// snapshots and posts the request audit event. A missing or unknown key is a
// credential failure; more than one current snapshot is a server-side
// identity fault and is reported as such.
func (a *API) resolveMachine(ctx context.Context, nodeKey, requestType string, meta events.RequestMetadata) (*inventory.Snapshot, error) {
	if nodeKey == "" {
		return nil, a.nodeKeyFailure(ctx, requestType, "missing node_key", meta)
	}

	snapshot, err := a.inventory.CurrentByReference(ctx, nodeKey)
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, a.nodeKeyFailure(ctx, requestType, "wrong node_key", meta)
	case errors.Is(err, inventory.ErrAmbiguousIdentity):
		a.logger.Printf("ERROR: multiple current snapshots for node key")
		return nil, err
	default:
		return nil, err
	}

	payload := map[string]any{"request_type": requestType}
	if err := a.store.Emitter.Post(ctx, events.TypeRequest, snapshot.SerialNumber, meta, nil, []map[string]any{payload}); err != nil {
		a.logger.Printf("WARN: post request event for %s: %v", snapshot.SerialNumber, err)
	}

	return snapshot, nil
}

// nodeKeyFailure audits a rejected node key. The machine is unidentified, so
// the event carries no serial number.
func (a *API) nodeKeyFailure(ctx context.Context, requestType, reason string, meta events.RequestMetadata) error {
	payload := map[string]any{
		"request_type": requestType,
		"status":       "failure",
		"reason":       reason,
	}
	if err := a.store.Emitter.Post(ctx, events.TypeRequest, "", meta, nil, []map[string]any{payload}); err != nil {
		a.logger.Printf("WARN: post request failure event: %v", err)
	}
	return &enrollment.AuthError{Reason: reason}
}
