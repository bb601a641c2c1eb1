package api

import (
	"context"
	"net/http"
	"testing"

	"roost/pkg/events"
	"roost/services/enrollment"
)

func (e *testEnv) mdmToken(t *testing.T) string {
	t.Helper()
	_, token, err := e.api.enrollment.CreateEnrollment(context.Background(), "mdm-fleet", enrollment.CreateSecretOptions{
		Module: enrollment.ModuleMDM,
	})
	if err != nil {
		t.Fatalf("CreateEnrollment: %v", err)
	}
	return token
}

func TestOTAEnrollmentFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.mdmToken(t)
	const serialNumber = "C02MDM1"
	const udid = "7F1C8A2E-0000-0000-0000-0000000MDM01"

	// Phase 2: authenticate with the enrollment secret, receive the
	// per-session SCEP challenge.
	status, body := env.post(t, "/v1/mdm/ota/enroll", map[string]any{
		"enroll_secret": token,
		"serial_number": serialNumber,
		"udid":          udid,
	})
	if status != http.StatusOK {
		t.Fatalf("phase 2 status = %d, body %v", status, body)
	}
	if body["status"] != enrollment.StatusPhase2 {
		t.Fatalf("phase 2 session status = %v", body["status"])
	}
	challenge, _ := body["scep_challenge"].(string)
	if len(challenge) != 64 {
		t.Fatalf("scep_challenge = %q, want 64 characters", challenge)
	}

	// The SCEP service verifies the phase 2 challenge.
	status, body = env.post(t, "/v1/mdm/scep/verify", map[string]any{
		"challenge":     challenge,
		"serial_number": serialNumber,
		"udid":          udid,
	})
	if status != http.StatusOK {
		t.Fatalf("phase 2 verify status = %d, body %v", status, body)
	}
	if body["status"] != enrollment.StatusPhase2Verified {
		t.Fatalf("status after phase 2 verify = %v", body["status"])
	}

	// Phase 3: the device comes back with the session secret.
	status, body = env.post(t, "/v1/mdm/ota/enroll", map[string]any{
		"session_secret": challenge,
	})
	if status != http.StatusOK {
		t.Fatalf("phase 3 status = %d, body %v", status, body)
	}
	if body["status"] != enrollment.StatusPhase3 {
		t.Fatalf("phase 3 session status = %v", body["status"])
	}

	status, body = env.post(t, "/v1/mdm/scep/verify", map[string]any{
		"challenge":     challenge,
		"serial_number": serialNumber,
		"udid":          udid,
	})
	if status != http.StatusOK {
		t.Fatalf("phase 3 verify status = %d, body %v", status, body)
	}
	if body["status"] != enrollment.StatusPhase3Verified {
		t.Fatalf("status after phase 3 verify = %v", body["status"])
	}

	status, body = env.post(t, "/v1/mdm/checkin", map[string]any{
		"message_type":   "Authenticate",
		"session_secret": challenge,
		"udid":           udid,
		"serial_number":  serialNumber,
	})
	if status != http.StatusOK {
		t.Fatalf("authenticate status = %d, body %v", status, body)
	}
	if body["status"] != enrollment.StatusAuthenticated {
		t.Fatalf("status after authenticate = %v", body["status"])
	}

	status, body = env.post(t, "/v1/mdm/checkin", map[string]any{
		"message_type":   "TokenUpdate",
		"session_secret": challenge,
		"udid":           udid,
		"token":          "apns-token",
		"push_magic":     "push-magic",
		"unlock_token":   "unlock-token",
	})
	if status != http.StatusOK {
		t.Fatalf("token update status = %d, body %v", status, body)
	}
	if body["status"] != enrollment.StatusCompleted {
		t.Fatalf("status after token update = %v", body["status"])
	}

	device, err := env.api.enrollment.DeviceByUDID(context.Background(), udid)
	if err != nil {
		t.Fatalf("DeviceByUDID: %v", err)
	}
	if device.SerialNumber != serialNumber || device.Token != "apns-token" || device.PushMagic != "push-magic" {
		t.Errorf("device = %+v", device)
	}

	if evts := env.recorder.ByType(events.TypeMDMOTARequest); len(evts) != 4 {
		t.Errorf("mdm ota request events = %d, want 4", len(evts))
	}
	if evts := env.recorder.ByType(events.TypeMDMRequest); len(evts) != 2 {
		t.Errorf("mdm request events = %d, want 2", len(evts))
	}
}

func TestOTAEnrollBadSecret(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.post(t, "/v1/mdm/ota/enroll", map[string]any{
		"enroll_secret": "not-a-token",
		"serial_number": "C02MDM2",
		"udid":          "UDID-MDM2",
	})
	if status != http.StatusForbidden {
		t.Errorf("bad secret status = %d, want %d", status, http.StatusForbidden)
	}

	status, _ = env.post(t, "/v1/mdm/ota/enroll", map[string]any{
		"serial_number": "C02MDM2",
	})
	if status != http.StatusForbidden {
		t.Errorf("missing credentials status = %d, want %d", status, http.StatusForbidden)
	}

	// Rejections are audited with a reason.
	evts := env.recorder.ByType(events.TypeMDMOTARequest)
	if len(evts) != 2 {
		t.Fatalf("mdm ota request events = %d, want 2", len(evts))
	}
	for _, evt := range evts {
		if evt.Payloads[0]["status"] != "failure" || evt.Payloads[0]["reason"] == "" {
			t.Errorf("failure payload = %v", evt.Payloads[0])
		}
	}
}

func TestSCEPVerifyBadChallenge(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.post(t, "/v1/mdm/scep/verify", map[string]any{
		"challenge":     "bogus",
		"serial_number": "C02MDM3",
		"udid":          "UDID-MDM3",
	})
	if status != http.StatusForbidden {
		t.Errorf("status = %d, want %d", status, http.StatusForbidden)
	}
}

func TestCheckinOutOfOrder(t *testing.T) {
	env := newTestEnv(t)
	token := env.mdmToken(t)
	const serialNumber = "C02MDM4"
	const udid = "UDID-MDM4"

	status, body := env.post(t, "/v1/mdm/ota/enroll", map[string]any{
		"enroll_secret": token,
		"serial_number": serialNumber,
		"udid":          udid,
	})
	if status != http.StatusOK {
		t.Fatalf("phase 2 status = %d", status)
	}
	challenge, _ := body["scep_challenge"].(string)

	// Authenticate before the SCEP phases have run.
	status, _ = env.post(t, "/v1/mdm/checkin", map[string]any{
		"message_type":   "Authenticate",
		"session_secret": challenge,
		"udid":           udid,
		"serial_number":  serialNumber,
	})
	if status != http.StatusConflict {
		t.Errorf("early authenticate status = %d, want %d", status, http.StatusConflict)
	}

	// Skipping phase 3: the session cannot move to PHASE_3 before its
	// phase 2 challenge was verified.
	status, _ = env.post(t, "/v1/mdm/ota/enroll", map[string]any{
		"session_secret": challenge,
	})
	if status != http.StatusConflict {
		t.Errorf("early phase 3 status = %d, want %d", status, http.StatusConflict)
	}

	status, _ = env.post(t, "/v1/mdm/checkin", map[string]any{
		"message_type":   "Wipe",
		"session_secret": challenge,
		"udid":           udid,
	})
	if status != http.StatusBadRequest {
		t.Errorf("unknown message type status = %d, want %d", status, http.StatusBadRequest)
	}
}
