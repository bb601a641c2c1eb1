package api

import (
	"context"
	"net/http"

	"roost/pkg/events"
	"roost/services/enrollment"
)

// OTA enrollment runs in two signed phases. Phase 2 authenticates with the
// enrollment secret and answers with a per-session SCEP challenge; phase 3
// authenticates with that session secret. The SCEP service reports challenge
// verifications through /scep/verify, which moves the session forward.
func (a *API) handleOTAEnroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EnrollSecret  string `json:"enroll_secret"`
		SessionSecret string `json:"session_secret"`
		SerialNumber  string `json:"serial_number"`
		UDID          string `json:"udid"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	meta := requestMetadata(r)

	switch {
	case req.EnrollSecret != "":
		a.otaPhase2(w, ctx, req.EnrollSecret, req.SerialNumber, req.UDID, meta)
	case req.SessionSecret != "":
		a.otaPhase3(w, ctx, req.SessionSecret, meta)
	default:
		a.respondFailure(ctx, w, events.TypeMDMOTARequest, req.SerialNumber, meta, &enrollment.AuthError{Reason: "missing enrollment credentials"})
	}
}

func (a *API) otaPhase2(w http.ResponseWriter, ctx context.Context, secret, serialNumber, udid string, meta events.RequestMetadata) {
	scoped, err := a.enrollment.VerifyToken(ctx, secret, enrollment.ModuleMDM, meta, udid)
	if err != nil {
		a.respondFailure(ctx, w, events.TypeMDMOTARequest, serialNumber, meta, err)
		return
	}

	if serialNumber == "" {
		serialNumber = scoped.SerialNumber
	}
	if serialNumber == "" {
		a.respondFailure(ctx, w, events.TypeMDMOTARequest, "", meta, &enrollment.AuthError{Reason: "ota enrollment without serial number"})
		return
	}

	enrollmentRecord, err := a.enrollment.EnrollmentBySecretID(ctx, scoped.Secret.ID)
	if err != nil {
		respondError(w, err)
		return
	}

	session, sessionSecret, err := a.enrollment.CreateSession(ctx, enrollmentRecord, serialNumber, udid)
	if err != nil {
		respondError(w, err)
		return
	}

	a.postOTAEvent(ctx, serialNumber, meta, map[string]any{"phase": 2, "session_id": session.ID.String()})

	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":     session.ID.String(),
		"status":         session.Status,
		"scep_challenge": sessionSecret.Secret,
	})
}

func (a *API) otaPhase3(w http.ResponseWriter, ctx context.Context, sessionSecret string, meta events.RequestMetadata) {
	session, err := a.enrollment.SessionBySecret(ctx, sessionSecret)
	if err != nil {
		a.respondFailure(ctx, w, events.TypeMDMOTARequest, "", meta, err)
		return
	}

	serialNumber := session.SerialNumber
	session, err = a.enrollment.SetPhase3(ctx, session)
	if err != nil {
		a.respondFailure(ctx, w, events.TypeMDMOTARequest, serialNumber, meta, err)
		return
	}

	a.postOTAEvent(ctx, session.SerialNumber, meta, map[string]any{"phase": 3, "session_id": session.ID.String()})

	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":     session.ID.String(),
		"status":         session.Status,
		"scep_challenge": sessionSecret,
	})
}

// handleSCEPVerify is called by the SCEP service when a device presents its
// challenge. The challenge is the session secret; which phase it proves
// depends on where the session stands.
func (a *API) handleSCEPVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Challenge    string `json:"challenge"`
		SerialNumber string `json:"serial_number"`
		UDID         string `json:"udid"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	meta := requestMetadata(r)

	scoped, session, err := a.enrollment.VerifySessionSecret(ctx, req.Challenge, enrollment.StatusPhase2, meta, req.SerialNumber, req.UDID)
	if err == nil {
		session, err = a.enrollment.SetPhase2Verified(ctx, session, scoped.Request)
	} else if enrollment.IsAuthError(err) {
		scoped, session, err = a.enrollment.VerifySessionSecret(ctx, req.Challenge, enrollment.StatusPhase3, meta, req.SerialNumber, req.UDID)
		if err == nil {
			session, err = a.enrollment.SetPhase3Verified(ctx, session, scoped.Request)
		}
	}
	if err != nil {
		a.respondFailure(ctx, w, events.TypeMDMOTARequest, req.SerialNumber, meta, err)
		return
	}

	a.postOTAEvent(ctx, session.SerialNumber, meta, map[string]any{"scep_verified": session.Status, "session_id": session.ID.String()})

	respondJSON(w, http.StatusOK, map[string]any{"status": session.Status})
}

func (a *API) handleCheckin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageType   string `json:"message_type"`
		SessionSecret string `json:"session_secret"`
		UDID          string `json:"udid"`
		SerialNumber  string `json:"serial_number"`
		Token         string `json:"token"`
		PushMagic     string `json:"push_magic"`
		UnlockToken   string `json:"unlock_token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	meta := requestMetadata(r)

	session, err := a.enrollment.SessionBySecret(ctx, req.SessionSecret)
	if err != nil {
		a.respondFailure(ctx, w, events.TypeMDMRequest, req.SerialNumber, meta, err)
		return
	}

	switch req.MessageType {
	case "Authenticate":
		if session.Status != enrollment.StatusPhase3Verified {
			a.respondFailure(ctx, w, events.TypeMDMRequest, session.SerialNumber, meta, &enrollment.PhaseTransitionError{
				SessionID: session.ID,
				From:      session.Status,
				To:        enrollment.StatusAuthenticated,
			})
			return
		}
		serialNumber := req.SerialNumber
		if serialNumber == "" {
			serialNumber = session.SerialNumber
		}
		device, err := a.enrollment.UpsertDevice(ctx, req.UDID, serialNumber, "", "", "")
		if err != nil {
			respondError(w, err)
			return
		}
		sessionSerial := session.SerialNumber
		session, err = a.enrollment.SetAuthenticated(ctx, session, device)
		if err != nil {
			a.respondFailure(ctx, w, events.TypeMDMRequest, sessionSerial, meta, err)
			return
		}
	case "TokenUpdate":
		device, err := a.enrollment.DeviceByUDID(ctx, req.UDID)
		if err != nil {
			respondError(w, err)
			return
		}
		if _, err := a.enrollment.UpsertDevice(ctx, device.UDID, device.SerialNumber, req.Token, req.PushMagic, req.UnlockToken); err != nil {
			respondError(w, err)
			return
		}
		sessionSerial := session.SerialNumber
		session, err = a.enrollment.SetCompleted(ctx, session)
		if err != nil {
			a.respondFailure(ctx, w, events.TypeMDMRequest, sessionSerial, meta, err)
			return
		}
	default:
		respondBadRequest(w, &enrollment.AuthError{Reason: "unknown check-in message type " + req.MessageType})
		return
	}

	payload := map[string]any{"message_type": req.MessageType, "session_id": session.ID.String()}
	if err := a.store.Emitter.Post(ctx, events.TypeMDMRequest, session.SerialNumber, meta, nil, []map[string]any{payload}); err != nil {
		a.logger.Printf("WARN: post mdm request for %s: %v", session.SerialNumber, err)
	}

	respondJSON(w, http.StatusOK, map[string]any{"status": session.Status})
}

func (a *API) postOTAEvent(ctx context.Context, serialNumber string, meta events.RequestMetadata, payload map[string]any) {
	if err := a.store.Emitter.Post(ctx, events.TypeMDMOTARequest, serialNumber, meta, nil, []map[string]any{payload}); err != nil {
		a.logger.Printf("WARN: post mdm ota event for %s: %v", serialNumber, err)
	}
}
