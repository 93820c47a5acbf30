package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

var ErrPrivateKeySize = errors.New("identity: invalid private key length")

// Credential is the local participant's identity: the Ed25519 private
// signing key and the Identity it derives. Only the engine holds a
// Credential; connection actors never see the private key directly.
type Credential struct {
	privateKey ed25519.PrivateKey
	id         Identity
}

// NewCredential generates a fresh random identity.
func NewCredential() (*Credential, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewCredentialFromPrivateKey(priv)
}

// NewCredentialFromPrivateKey builds a Credential around an existing
// Ed25519 private key (e.g. loaded from an external key store — key
// persistence itself is outside this package's scope).
func NewCredentialFromPrivateKey(priv ed25519.PrivateKey) (*Credential, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrPrivateKeySize
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, ErrPrivateKeySize
	}
	id, err := New(pub)
	if err != nil {
		return nil, err
	}
	return &Credential{privateKey: priv, id: id}, nil
}

// Identity returns the local participant's Identity.
func (c *Credential) Identity() Identity { return c.id }

// PrivateKey returns the raw Ed25519 private key backing this
// Credential, for callers that must hand it to an external system (a
// key store, a Tor hidden-service config) rather than route signing
// through Sign. The engine itself never calls this.
func (c *Credential) PrivateKey() ed25519.PrivateKey {
	return append(ed25519.PrivateKey(nil), c.privateKey...)
}

// Sign signs data with the local private key.
func (c *Credential) Sign(data []byte) []byte {
	return ed25519.Sign(c.privateKey, data)
}
