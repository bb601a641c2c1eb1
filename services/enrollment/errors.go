package enrollment

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AuthError is a credential failure: bad signature, unknown or revoked
// secret, scope mismatch, exhausted quota. It always terminates the request
// with a client error and is audited with its reason.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func authErrorf(format string, args ...any) error {
	return &AuthError{Reason: fmt.Sprintf(format, args...)}
}

// IsAuthError reports whether err is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// PhaseTransitionError is a protocol sequencing violation: a stale, foreign
// or out-of-order phase proof. Non-retryable.
type PhaseTransitionError struct {
	SessionID uuid.UUID
	From      string
	To        string
}

func (e *PhaseTransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition for session %s: %s -> %s", e.SessionID, e.From, e.To)
}

// IsPhaseTransitionError reports whether err is a PhaseTransitionError.
func IsPhaseTransitionError(err error) bool {
	var pe *PhaseTransitionError
	return errors.As(err, &pe)
}
