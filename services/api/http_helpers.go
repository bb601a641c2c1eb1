package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"gorm.io/gorm"

	"roost/pkg/events"
	"roost/services/carve"
	"roost/services/distributed"
	"roost/services/enrollment"
	"roost/services/inventory"
)

// decodeJSON decodes a request body, transparently inflating gzip bodies
// (osquery sends them with --logger_tls_compress).
func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	body := r.Body
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return err
		}
		defer gz.Close()
		body = gz
	}

	return json.NewDecoder(body).Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusForError(err), map[string]any{"error": err.Error()})
}

// statusForError maps the protocol error types to HTTP statuses.
func statusForError(err error) int {
	switch {
	case enrollment.IsAuthError(err),
		errors.Is(err, carve.ErrUnknownSession):
		return http.StatusForbidden
	case enrollment.IsPhaseTransitionError(err):
		return http.StatusConflict
	case errors.Is(err, inventory.ErrAmbiguousIdentity):
		return http.StatusInternalServerError
	case distributed.IsInvalidStatusCode(err),
		carve.IsInvalidRequest(err),
		errors.Is(err, carve.ErrUnknownProbe),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondFailure audits credential and sequencing failures before answering.
// Other errors pass through unaudited.
func (a *API) respondFailure(ctx context.Context, w http.ResponseWriter, typ, serialNumber string, meta events.RequestMetadata, err error) {
	if enrollment.IsAuthError(err) || enrollment.IsPhaseTransitionError(err) {
		payload := map[string]any{"status": "failure", "reason": err.Error()}
		if postErr := a.store.Emitter.Post(ctx, typ, serialNumber, meta, nil, []map[string]any{payload}); postErr != nil {
			a.logger.Printf("WARN: post failure event: %v", postErr)
		}
	}
	respondError(w, err)
}

func respondBadRequest(w http.ResponseWriter, err error) {
	respondJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}

// requestMetadata extracts the audit metadata of a request. The RealIP
// middleware has already resolved forwarded addresses into RemoteAddr.
func requestMetadata(r *http.Request) events.RequestMetadata {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return events.RequestMetadata{
		UserAgent: r.UserAgent(),
		PublicIP:  ip,
	}
}
