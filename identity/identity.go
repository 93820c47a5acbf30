// Package identity implements the Tor v3 hidden-service identifier: a
// 56-character textual address that both encodes and is derivable from
// an Ed25519 verifying key. There is no separate PKI — the address is
// the key.
package identity

import (
	"crypto/ed25519"
	"encoding/base32"
	"errors"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// checksumConstant is the fixed prefix mixed into the v3 checksum,
	// per the Tor rend-spec-v3 address derivation.
	checksumConstant = ".onion checksum"
	addressVersion   = byte(0x03)
	checksumLen      = 2
	// TextLen is the length of the base32 address body, excluding any
	// ".onion" suffix: 32-byte pubkey + 2-byte checksum + 1 version byte,
	// is 280 bits, which base32 (5 bits/char) encodes in exactly 56
	// characters.
	TextLen = 56
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var (
	ErrMalformed   = errors.New("identity: malformed address")
	ErrChecksum    = errors.New("identity: checksum mismatch")
	ErrVersion     = errors.New("identity: unsupported version")
	ErrKeyLength   = errors.New("identity: wrong public key length")
)

// Identity is an immutable hidden-service identifier: its textual form
// and the Ed25519 verifying key it encodes.
type Identity struct {
	text      string
	publicKey ed25519.PublicKey
}

// New derives the textual identity for a public key.
func New(pub ed25519.PublicKey) (Identity, error) {
	if len(pub) != ed25519.PublicKeySize {
		return Identity{}, ErrKeyLength
	}
	checksum := computeChecksum(pub)
	raw := make([]byte, 0, ed25519.PublicKeySize+checksumLen+1)
	raw = append(raw, pub...)
	raw = append(raw, checksum...)
	raw = append(raw, addressVersion)
	text := strings.ToLower(encoding.EncodeToString(raw))
	return Identity{text: text, publicKey: append(ed25519.PublicKey(nil), pub...)}, nil
}

// Parse recovers an Identity from its textual form. The ".onion" suffix,
// if present, is stripped before decoding.
func Parse(text string) (Identity, error) {
	text = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(text), ".onion"))
	if len(text) != TextLen {
		return Identity{}, ErrMalformed
	}
	raw, err := encoding.DecodeString(strings.ToUpper(text))
	if err != nil {
		return Identity{}, ErrMalformed
	}
	if len(raw) != ed25519.PublicKeySize+checksumLen+1 {
		return Identity{}, ErrMalformed
	}
	pub := ed25519.PublicKey(raw[:ed25519.PublicKeySize])
	checksum := raw[ed25519.PublicKeySize : ed25519.PublicKeySize+checksumLen]
	version := raw[ed25519.PublicKeySize+checksumLen]
	if version != addressVersion {
		return Identity{}, ErrVersion
	}
	if !equalChecksum(checksum, computeChecksum(pub)) {
		return Identity{}, ErrChecksum
	}
	return Identity{text: text, publicKey: append(ed25519.PublicKey(nil), pub...)}, nil
}

func computeChecksum(pub ed25519.PublicKey) []byte {
	h := sha3.New256()
	h.Write([]byte(checksumConstant))
	h.Write(pub)
	h.Write([]byte{addressVersion})
	sum := h.Sum(nil)
	return sum[:checksumLen]
}

func equalChecksum(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// String returns the bare 56-character textual identity (no ".onion").
func (id Identity) String() string { return id.text }

// Onion returns the textual identity with the ".onion" suffix, suitable
// for dialing.
func (id Identity) Onion() string { return id.text + ".onion" }

// PublicKey returns the Ed25519 verifying key this identity encodes.
func (id Identity) PublicKey() ed25519.PublicKey { return id.publicKey }

// IsZero reports whether this is the zero Identity.
func (id Identity) IsZero() bool { return id.text == "" }

// Equal reports whether two identities are the same textual address.
func (id Identity) Equal(other Identity) bool { return id.text == other.text }

// Verify checks an Ed25519 signature over data against this identity's key.
func (id Identity) Verify(data, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize || len(id.publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(id.publicKey, data, sig)
}

// FromAddress extracts the Identity embedded in a dial address of the
// form "<identity>.onion:<port>" or a bare "<identity>.onion".
func FromAddress(address string) (Identity, error) {
	host := address
	if i := strings.LastIndex(address, ":"); i >= 0 {
		// Only treat the suffix as a port if it's all digits; IPv6-ish
		// inputs are not a concern for onion addresses.
		if isAllDigits(address[i+1:]) {
			host = address[:i]
		}
	}
	return Parse(host)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
