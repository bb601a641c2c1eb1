package api

import (
	"context"
	"net/http"
	"sort"

	"roost/pkg/events"
	"roost/services/distributed"
	"roost/services/enrollment"
	"roost/services/inventory"
)

func (a *API) handleOsqueryEnroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EnrollSecret        string `json:"enroll_secret"`
		MachineSerialNumber string `json:"machine_serial_number"`
		HostIdentifier      string `json:"host_identifier"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	meta := requestMetadata(r)

	scoped, err := a.enrollment.VerifyToken(ctx, req.EnrollSecret, enrollment.ModuleOsquery, meta, "")
	if err != nil {
		a.respondFailure(ctx, w, events.TypeEnrollment, req.MachineSerialNumber, meta, err)
		return
	}

	serialNumber := req.MachineSerialNumber
	if serialNumber == "" {
		serialNumber = scoped.SerialNumber
	}
	if serialNumber == "" {
		respondError(w, &enrollment.AuthError{Reason: "enroll request without machine serial number"})
		return
	}

	var businessUnit map[string]any
	if scoped.BusinessUnit != nil {
		businessUnit = map[string]any{
			"name": scoped.BusinessUnit.Name,
			"key":  scoped.BusinessUnit.Key,
		}
	}

	snapshot, known, err := a.inventory.Enroll(ctx, inventory.EnrollOptions{
		SerialNumber:   serialNumber,
		HostIdentifier: req.HostIdentifier,
		BusinessUnit:   businessUnit,
		PublicIP:       meta.PublicIP,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	action := "enrollment"
	if known {
		action = "re-enrollment"
	}
	payload := map[string]any{"action": action}
	if err := a.store.Emitter.Post(ctx, events.TypeEnrollment, serialNumber, meta, nil, []map[string]any{payload}); err != nil {
		a.logger.Printf("WARN: post enrollment event for %s: %v", serialNumber, err)
	}

	respondJSON(w, http.StatusOK, map[string]any{"node_key": snapshot.Reference})
}

func (a *API) handleOsqueryConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeKey string `json:"node_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	snapshot, err := a.resolveMachine(ctx, req.NodeKey, "config", requestMetadata(r))
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, a.buildOsqueryConfig(snapshot))
}

func (a *API) handleDistributedRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeKey string `json:"node_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	snapshot, err := a.resolveMachine(ctx, req.NodeKey, "distributed_read", requestMetadata(r))
	if err != nil {
		respondError(w, err)
		return
	}

	queries, err := a.coordinator.Pull(ctx, snapshot)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"queries": queries})
}

func (a *API) handleDistributedWrite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeKey  string           `json:"node_key"`
		Queries  map[string][]any `json:"queries"`
		Statuses map[string]any   `json:"statuses"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	meta := requestMetadata(r)

	snapshot, err := a.resolveMachine(ctx, req.NodeKey, "distributed_write", meta)
	if err != nil {
		respondError(w, err)
		return
	}

	queries := make(map[string][]map[string]string, len(req.Queries))
	for key, rows := range req.Queries {
		queries[key] = inventory.RowsFromAny(rows)
	}

	if _, err := a.coordinator.Push(ctx, snapshot, queries, req.Statuses, meta); err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{})
}

type osqueryLogResult struct {
	Name        string            `json:"name"`
	UnixTime    int64             `json:"unixTime"`
	Snapshot    []any             `json:"snapshot"`
	Decorations map[string]string `json:"decorations"`
	Line        string            `json:"line"`
}

func (a *API) handleOsqueryLog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeKey string             `json:"node_key"`
		LogType string             `json:"log_type"`
		Data    []osqueryLogResult `json:"data"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	meta := requestMetadata(r)

	snapshot, err := a.resolveMachine(ctx, req.NodeKey, "log", meta)
	if err != nil {
		respondError(w, err)
		return
	}

	// The serial number decorated by osquery must match the enrolled one on
	// macOS. A mismatch means the device is not the one the secret was
	// issued to.
	for _, result := range req.Data {
		if err := a.checkLogDecorations(ctx, snapshot, result.Decorations, meta); err != nil {
			respondError(w, err)
			return
		}
	}

	var inventoryResults []osqueryLogResult
	var otherResults []osqueryLogResult
	for _, result := range req.Data {
		if result.Name == distributed.InventoryQueryName {
			inventoryResults = append(inventoryResults, result)
		} else {
			otherResults = append(otherResults, result)
		}
	}

	if len(inventoryResults) > 0 {
		sort.Slice(inventoryResults, func(i, j int) bool {
			return inventoryResults[i].UnixTime > inventoryResults[j].UnixTime
		})
		latest := inventoryResults[0]
		tree, stats := inventory.MergeRows(snapshot.Tree, inventory.RowsFromAny(latest.Snapshot))
		for key, count := range stats.Duplicates {
			a.logger.Printf("WARN: %d duplicate %s rows from %s", count, key, snapshot.SerialNumber)
		}
		if _, err := a.inventory.Commit(ctx, snapshot.SerialNumber, snapshot.Reference, tree); err != nil {
			respondError(w, err)
			return
		}
	}

	if len(otherResults) > 0 {
		payloads := make([]map[string]any, 0, len(otherResults))
		for _, result := range otherResults {
			payloads = append(payloads, map[string]any{
				"name":        result.Name,
				"unix_time":   result.UnixTime,
				"decorations": result.Decorations,
				"line":        result.Line,
			})
		}
		if err := a.store.Emitter.Post(ctx, events.TypeOsqueryLog, snapshot.SerialNumber, meta, nil, payloads); err != nil {
			a.logger.Printf("WARN: post osquery log for %s: %v", snapshot.SerialNumber, err)
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{})
}

func (a *API) checkLogDecorations(ctx context.Context, snapshot *inventory.Snapshot, decorations map[string]string, meta events.RequestMetadata) error {
	if len(decorations) == 0 {
		return nil
	}
	osName := decorations["os_name"]
	if !isMacOSName(osName) {
		// Other platforms may legitimately report a different serial: the
		// enrollment secret can carry a cloud instance id instead.
		return nil
	}
	hardwareSerial := decorations["hardware_serial"]
	if hardwareSerial == "" || hardwareSerial == snapshot.SerialNumber {
		return nil
	}

	payload := map[string]any{
		"reported_serial_number": hardwareSerial,
		"enrolled_serial_number": snapshot.SerialNumber,
		"decorations":            decorations,
	}
	if err := a.store.Emitter.Post(ctx, events.TypeMachineConflict, snapshot.SerialNumber, meta, nil, []map[string]any{payload}); err != nil {
		a.logger.Printf("WARN: post machine conflict for %s: %v", snapshot.SerialNumber, err)
	}
	return &enrollment.AuthError{
		Reason: "osquery reported serial number " + hardwareSerial + " different from enrollment serial number " + snapshot.SerialNumber,
	}
}

func isMacOSName(osName string) bool {
	switch osName {
	case "macOS", "Mac OS X", "OS X":
		return true
	default:
		return false
	}
}
