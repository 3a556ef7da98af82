package cryptoprim

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
)

// EncodePublicKey renders an Ed25519 public key in NEAR's wire format,
// "ed25519:<base58>", the shape every NEAR RPC method and explorer
// expects for a public_key field.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return "ed25519:" + base58.Encode(pub)
}

// DecodeBlockHash base58-decodes a NEAR block hash into the 32-byte
// array the borsh transaction encoding needs.
func DecodeBlockHash(hash string) ([32]byte, error) {
	var out [32]byte
	raw, err := base58.Decode(hash)
	if err != nil {
		return out, fmt.Errorf("decode block hash: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("block hash must decode to 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// DecodePublicKey parses NEAR's "ed25519:<base58>" public key format.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	const prefix = "ed25519:"
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return nil, fmt.Errorf("public key missing ed25519: prefix: %q", s)
	}
	raw, err := base58.Decode(s[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must decode to %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
