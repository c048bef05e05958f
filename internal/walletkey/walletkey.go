// Package walletkey provides the key-handling primitives used across the
// engine: ed25519 verification of session-key signatures (the scheme
// Solana-class chains use natively), and base58 textual encoding for
// on-chain addresses, matching the wire conventions intents and
// settlement payloads are expected to carry.
package walletkey

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// VerifySessionSignature verifies that signature authenticates data under
// the ed25519 public key encoded (base58) in sessionPubkey. This is the
// check behind admission's step 3 ("Authorization").
func VerifySessionSignature(sessionPubkey string, data, signature []byte) (bool, error) {
	pub, err := DecodePubkey(sessionPubkey)
	if err != nil {
		return false, fmt.Errorf("decode session pubkey: %w", err)
	}
	if len(signature) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(pub, data, signature), nil
}

// DecodePubkey base58-decodes a textual pubkey into raw ed25519 key bytes.
func DecodePubkey(encoded string) (ed25519.PublicKey, error) {
	raw := base58.Decode(encoded)
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("expected %d byte pubkey, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EncodePubkey renders an ed25519 public key in the on-chain textual form.
func EncodePubkey(pub ed25519.PublicKey) string {
	return base58.Encode(pub)
}

// EncodeBase58 renders arbitrary raw key/address bytes in the same
// textual form, for callers (like the secp256k1 authority key) that
// aren't themselves ed25519 public keys.
func EncodeBase58(data []byte) string {
	return base58.Encode(data)
}

// GenerateSessionKeypair creates a fresh ed25519 keypair for tests and
// operator tooling (e.g. minting a session key to authorize in a policy).
func GenerateSessionKeypair() (pub string, priv ed25519.PrivateKey, err error) {
	p, s, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", nil, err
	}
	return EncodePubkey(p), s, nil
}

// Sign signs data with priv, returning the raw signature bytes an intent
// carries in its Signature field.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// IsValidOnChainAddress reports whether addr parses as a plausible
// base58-encoded 32-byte on-chain public key. The Settlement Driver uses
// this to filter items and cash deltas before building the payload.
func IsValidOnChainAddress(addr string) bool {
	if addr == "" {
		return false
	}
	raw := base58.Decode(addr)
	return len(raw) == ed25519.PublicKeySize
}

// ProjectBatchID deterministically and lossily projects a string batch id
// onto a 32-bit domain, the integer form the on-chain program's
// instruction takes. Collisions in this projected space are a distinct
// concern from collisions in the string batch_id and must be separately
// guarded (see store.ReserveBatchProjection).
func ProjectBatchID(batchID string) uint32 {
	h := sha256.Sum256([]byte(batchID))
	// Mask to 31 bits so the value stays representable whether the
	// receiving side reads it as signed or unsigned.
	v := uint32(h[0])<<24 | uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])
	return v & 0x7fffffff
}

// HexFingerprint returns a short hex fingerprint of data, useful for log
// lines that must not leak full signatures or keys.
func HexFingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
