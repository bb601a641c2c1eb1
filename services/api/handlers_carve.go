package api

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	"roost/services/carve"
)

func (a *API) handleCarveStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeKey    string `json:"node_key"`
		RequestID  string `json:"request_id"`
		CarveID    string `json:"carve_id"`
		CarveSize  int64  `json:"carve_size"`
		BlockSize  int    `json:"block_size"`
		BlockCount int    `json:"block_count"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	meta := requestMetadata(r)

	snapshot, err := a.resolveMachine(ctx, req.NodeKey, "carve_start", meta)
	if err != nil {
		respondError(w, err)
		return
	}

	sessionID, err := a.carves.Start(ctx, carve.StartOptions{
		SerialNumber: snapshot.SerialNumber,
		RequestID:    req.RequestID,
		CarveGUID:    req.CarveID,
		CarveSize:    req.CarveSize,
		BlockSize:    req.BlockSize,
		BlockCount:   req.BlockCount,
	}, meta)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"session_id": sessionID})
}

func (a *API) handleCarveContinue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		BlockID   int    `json:"block_id"`
		Data      string `json:"data"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, err)
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		respondBadRequest(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	// The session id is the credential here: carve continue requests carry
	// no node key.
	if _, err := a.carves.Continue(ctx, req.SessionID, req.BlockID, data, requestMetadata(r)); err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{})
}

func (a *API) handleCarveArchive(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	url, err := a.carves.ArchiveURL(ctx, sessionID, a.config.ArchiveURLTTL)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"url": url})
}
