package enrollment

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
	"github.com/google/uuid"
)

const (
	envSecretKey = "ROOST_SECRET_KEY"
	envPublicKey = "ROOST_PUBLIC_KEY"
)

// Signer signs and verifies enrollment secret envelopes using an Ed25519 key
// pair derived from an age X25519 secret key. Verification-only deployments
// can be configured with just the public key.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// TokenClaims is the signed payload of a secret envelope.
type TokenClaims struct {
	SecretID        uuid.UUID `json:"secret_id"`
	Module          string    `json:"module"`
	BusinessUnitKey string    `json:"bu_k,omitempty"`
}

// NewSignerFromEnv initialises a Signer using ROOST_SECRET_KEY /
// ROOST_PUBLIC_KEY environment variables. At least one must be provided.
// ROOST_PUBLIC_KEY is a base64-encoded Ed25519 public key derived from the
// age secret key seed.
func NewSignerFromEnv() (*Signer, error) {
	secret := strings.TrimSpace(os.Getenv(envSecretKey))
	pub := strings.TrimSpace(os.Getenv(envPublicKey))

	if secret == "" && pub == "" {
		return nil, fmt.Errorf("%s or %s must be set", envSecretKey, envPublicKey)
	}

	var (
		privateKey ed25519.PrivateKey
		publicKey  ed25519.PublicKey
		recipient  string
	)

	if secret != "" {
		seed, err := decodeAgeSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envSecretKey, err)
		}
		privateKey = ed25519.NewKeyFromSeed(seed)
		publicKey = ed25519.PublicKey(privateKey[ed25519.SeedSize:])

		if identity, err := age.ParseX25519Identity(secret); err == nil {
			if r := identity.Recipient(); r != nil {
				recipient = r.String()
			}
		}
	}

	if pub != "" {
		decoded, err := base64.StdEncoding.DecodeString(pub)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", envPublicKey, err)
		}
		if l := len(decoded); l != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%s must decode to %d bytes, got %d", envPublicKey, ed25519.PublicKeySize, l)
		}
		if publicKey == nil {
			publicKey = ed25519.PublicKey(decoded)
		} else if !bytes.Equal(publicKey, decoded) {
			return nil, errors.New("ROOST_PUBLIC_KEY does not match ROOST_SECRET_KEY")
		}
	}

	if publicKey == nil {
		return nil, errors.New("no public key available for signer")
	}

	return &Signer{
		privateKey: privateKey,
		publicKey:  publicKey,
		recipient:  recipient,
	}, nil
}

// NewSignerFromSeed builds a Signer from a raw Ed25519 seed. Used by tests.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	privateKey := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		privateKey: privateKey,
		publicKey:  ed25519.PublicKey(privateKey[ed25519.SeedSize:]),
	}, nil
}

// Recipient returns the age recipient string of the signing key, if any.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

// EncodeToken signs claims into a secret envelope:
// base64url(claims JSON) "." base64url(Ed25519 signature).
func (s *Signer) EncodeToken(claims TokenClaims) (string, error) {
	if s == nil {
		return "", errors.New("nil signer")
	}
	if len(s.privateKey) == 0 {
		return "", errors.New("signer configured without private key")
	}
	if claims.SecretID == uuid.Nil {
		return "", errors.New("secret id is required")
	}
	if claims.Module == "" {
		return "", errors.New("module is required")
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	sig := ed25519.Sign(s.privateKey, payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// DecodeToken verifies a secret envelope and returns its claims.
func (s *Signer) DecodeToken(token string) (TokenClaims, error) {
	if s == nil {
		return TokenClaims{}, errors.New("nil signer")
	}

	payloadPart, sigPart, found := strings.Cut(token, ".")
	if !found {
		return TokenClaims{}, errors.New("malformed secret envelope")
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return TokenClaims{}, fmt.Errorf("decode payload: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return TokenClaims{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return TokenClaims{}, fmt.Errorf("invalid signature length %d", len(sig))
	}

	if !ed25519.Verify(s.publicKey, payload, sig) {
		return TokenClaims{}, errors.New("bad secret signature")
	}

	var claims TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return TokenClaims{}, fmt.Errorf("decode claims: %w", err)
	}
	return claims, nil
}

// SplitSerialSuffix splits an optional "$SERIAL$<value>" suffix off a secret
// token. Fleet-wide secrets are shared between machines and carry the machine
// serial number in the suffix; the serial is reported by the device and not
// verified here.
func SplitSerialSuffix(token string) (envelope, serial string, err error) {
	if !strings.Contains(token, "$") {
		return token, "", nil
	}
	parts := strings.SplitN(token, "$", 3)
	if len(parts) != 3 {
		return "", "", errors.New("malformed secret token")
	}
	if parts[1] != "SERIAL" {
		return "", "", fmt.Errorf("invalid secret token method %q", parts[1])
	}
	serial = strings.TrimSpace(parts[2])
	if idx := strings.IndexAny(serial, "\r\n"); idx >= 0 {
		serial = serial[:idx]
	}
	if serial == "" {
		return "", "", errors.New("empty serial number in secret token")
	}
	return parts[0], serial, nil
}

func decodeAgeSecretKey(secret string) ([]byte, error) {
	hrp, data, err := bech32.Decode(strings.ToLower(secret))
	if err != nil {
		return nil, err
	}
	if hrp != "age-secret-key-" {
		return nil, fmt.Errorf("unexpected key prefix %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return seed, nil
}
