package event

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Domain label for key derivation. Changing this invalidates all signatures.
const signingDomain = "proctorforge-event-signing-v1"

// Signer produces HMAC-SHA256 signatures over canonically serialized event
// payloads. The signing key is derived per attempt from the session secret,
// so a leaked key cannot forge events for other attempts.
type Signer struct {
	key []byte
}

// NewSigner derives an attempt-scoped signing key from the session secret.
func NewSigner(secret []byte, attemptID string) (*Signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty signing secret")
	}
	r := hkdf.New(sha256.New, secret, []byte(attemptID), []byte(signingDomain))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Sign computes the signature for the violation and returns a signed copy.
// The original is not modified.
func (s *Signer) Sign(v Violation) (Violation, error) {
	sig, err := s.signature(v)
	if err != nil {
		return Violation{}, err
	}
	v.Signature = sig
	return v, nil
}

// Verify checks the violation's signature.
func (s *Signer) Verify(v Violation) bool {
	sig, err := s.signature(v)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(v.Signature))
}

// signature serializes the event core with sorted keys and MACs it. The
// map round-trip matches the authority's canonical form (JSON with sorted
// keys); encoding/json emits map keys in sorted order.
func (s *Signer) signature(v Violation) (string, error) {
	core := map[string]any{
		"attempt_id":  v.AttemptID,
		"id":          v.ID,
		"kind":        string(v.Kind),
		"occurred_at": v.OccurredAt.UnixNano(),
		"confidence":  v.Confidence,
	}
	payload, err := json.Marshal(core)
	if err != nil {
		return "", fmt.Errorf("serialize event core: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
