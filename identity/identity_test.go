package identity

import (
	"crypto/ed25519"
	"testing"
)

func TestNewParseRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := New(pub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(id.String()) != TextLen {
		t.Fatalf("text length = %d, want %d", len(id.String()), TextLen)
	}

	parsed, err := Parse(id.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !parsed.Equal(id) {
		t.Fatalf("parsed identity %q != original %q", parsed.String(), id.String())
	}
	if !parsed.PublicKey().Equal(pub) {
		t.Fatalf("parsed public key does not match original")
	}
}

func TestParseOnionSuffix(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	id, _ := New(pub)

	parsed, err := Parse(id.Onion())
	if err != nil {
		t.Fatalf("Parse with .onion suffix: %v", err)
	}
	if !parsed.Equal(id) {
		t.Fatalf("parsed != original")
	}
}

func TestParseRejectsBadChecksum(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	id, _ := New(pub)

	text := []byte(id.String())
	// Flip a character that encodes only checksum bits: character 53
	// covers bits 265-269 of the 35-byte payload, inside checksum byte 33.
	i := TextLen - 3
	if text[i] == 'a' {
		text[i] = 'b'
	} else {
		text[i] = 'a'
	}

	if _, err := Parse(string(text)); err == nil {
		t.Fatalf("expected error for corrupted address, got nil")
	}
}

func TestFromAddress(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	id, _ := New(pub)

	cases := []string{
		id.Onion(),
		id.Onion() + ":9001",
		id.String(),
	}
	for _, addr := range cases {
		got, err := FromAddress(addr)
		if err != nil {
			t.Fatalf("FromAddress(%q): %v", addr, err)
		}
		if !got.Equal(id) {
			t.Fatalf("FromAddress(%q) = %q, want %q", addr, got.String(), id.String())
		}
	}
}

func TestCredentialSignVerify(t *testing.T) {
	cred, err := NewCredential()
	if err != nil {
		t.Fatalf("NewCredential: %v", err)
	}
	data := []byte("session hash goes here")
	sig := cred.Sign(data)
	if !cred.Identity().Verify(data, sig) {
		t.Fatalf("signature did not verify against own identity")
	}
	other, _ := NewCredential()
	if other.Identity().Verify(data, sig) {
		t.Fatalf("signature verified against unrelated identity")
	}
}
