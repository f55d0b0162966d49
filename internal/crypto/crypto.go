// Package crypto implements the relay's integrity primitives: the canonical
// payload hash that identifies an event's content and the Ed25519 check that
// ties the content to its author key.
//
// Canonical payload bytes are the encoding/json serialization of the parsed
// payload — object keys sorted, no insignificant whitespace — or the empty
// byte string when the payload is absent. Producers must emit the same
// encoding when signing; this is not a JCS canonicalization.
package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"lukechampine.com/blake3"
)

// ErrInvalidSignature covers every verification failure: malformed hex, a key
// that is not 32 bytes, a signature that is not 64 bytes, or a signature that
// simply does not verify. Callers surface all of them as one condition.
var ErrInvalidSignature = errors.New("invalid signature")

// CanonicalPayloadBytes returns the byte string over which payload_hash is
// computed and signatures verify. A nil or JSON-null payload canonicalizes to
// the empty byte string.
func CanonicalPayloadBytes(payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		return []byte{}, nil
	}

	var parsed interface{}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if parsed == nil {
		return []byte{}, nil
	}

	canonical, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return canonical, nil
}

// CanonicalPayloadHash computes the lowercase-hex BLAKE3 digest of the
// canonical payload bytes.
func CanonicalPayloadHash(payload json.RawMessage) (string, error) {
	canonical, err := CanonicalPayloadBytes(payload)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifySignature checks an Ed25519 signature over msg. pubkeyHex must decode
// to a 32-byte key and signatureHex to a 64-byte signature; any decode or
// verification failure is reported as ErrInvalidSignature.
func VerifySignature(pubkeyHex string, msg []byte, signatureHex string) error {
	pubkey, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(pubkey) != ed25519.PublicKeySize {
		return ErrInvalidSignature
	}

	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}

	if !ed25519.Verify(ed25519.PublicKey(pubkey), msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}
