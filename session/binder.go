// Package session binds the anonymous key exchange performed by package
// handshake to the two peers' long-term identities, and decides whether
// an authenticated peer is admitted onto the chat layer.
package session

import (
	"context"
	"crypto/sha256"
	"errors"

	"github.com/duskchat/duskchat/identity"
	"github.com/duskchat/duskchat/record"
	"github.com/duskchat/duskchat/wire"
)

var (
	// ErrSignatureInvalid means the AuthMessage's signature did not verify
	// against the identity it was checked against.
	ErrSignatureInvalid = errors.New("session: auth signature invalid")
	// ErrUnexpectedIdentity means the peer's claimed service_id is not the
	// identity this side expected to reach. Fatal regardless of whether
	// the signature would otherwise verify for that claimed identity.
	ErrUnexpectedIdentity = errors.New("session: peer identity does not match expected address")
	// ErrNotAuthorized means the acceptor's admission policy declined
	// this peer.
	ErrNotAuthorized = errors.New("session: peer not authorized")
	// ErrUnexpectedBody means a peer sent a body other than the one the
	// handshake protocol step required.
	ErrUnexpectedBody = errors.New("session: unexpected body in handshake step")
	// ErrMalformedIdentity means the peer's service_id did not parse as a
	// valid identity at all.
	ErrMalformedIdentity = errors.New("session: malformed peer identity")
)

// Hash computes the session-binding hash over both parties' identities,
// long-term verifying keys, and the shared secret from the key exchange.
// Both sides must compute it from the same (clientID, serverID) pair for
// the signatures to agree; client is the dialer, server the acceptor of
// the underlying stream. The shared secret is mixed in so a signature
// cannot be replayed into any other session.
func Hash(clientID, serverID identity.Identity, sharedSecret []byte) []byte {
	h := sha256.New()
	h.Write([]byte(clientID.String()))
	h.Write([]byte(serverID.String()))
	h.Write(clientID.PublicKey())
	h.Write(serverID.PublicKey())
	h.Write(sharedSecret)
	return h.Sum(nil)
}

// signingInput is what each side actually signs: the session hash with
// the signer's own identity text appended, binding the signature to the
// claim made in AuthMessage.service_id.
func signingInput(h []byte, identityText string) []byte {
	return append(append([]byte{}, h...), []byte(identityText)...)
}

// Result is what authentication establishes about the remote peer.
type Result struct {
	PeerIdentity identity.Identity
}

// Signer produces an Ed25519 signature over data using a local identity's
// private key, without exposing that key to the caller. Engine backs
// this with a signing-oracle goroutine so the private key never leaves
// engine's own goroutine.
type Signer func(data []byte) []byte

// AuthenticateAsClient signs and sends the client's AuthMessage, then
// reads and verifies the server's. expected is the identity parsed from
// the address this connection dialed: the server's claimed service_id
// must equal it exactly, and the signature is checked against expected's
// verifying key specifically — never against whatever key the peer's
// claim happens to name. This is what makes impersonation of a third
// party's onion address fail even when the impersonator signs validly
// for its own, different, identity.
func AuthenticateAsClient(ctx context.Context, w *record.Writer, r *record.Reader, clientID identity.Identity, sign Signer, expected identity.Identity, sharedSecret []byte) (Result, error) {
	h := Hash(clientID, expected, sharedSecret)
	defer zero(h)
	sig := sign(signingInput(h, clientID.String()))

	if err := w.WriteBody(wire.AuthMessage{ServiceID: clientID.String(), Signature: sig}); err != nil {
		return Result{}, err
	}

	body, err := r.ReadBody()
	if err != nil {
		return Result{}, err
	}
	msg, ok := body.(wire.AuthMessage)
	if !ok {
		return Result{}, ErrUnexpectedBody
	}
	if msg.ServiceID != expected.String() {
		return Result{}, ErrUnexpectedIdentity
	}
	if !expected.Verify(signingInput(h, expected.String()), msg.Signature) {
		return Result{}, ErrSignatureInvalid
	}
	return Result{PeerIdentity: expected}, nil
}

// AuthenticateAsServer reads the client's AuthMessage — recovering the
// client's claimed identity from the message itself, since the acceptor
// has no prior knowledge of who is dialing in — verifies it against that
// claimed identity's own key (self-consistency is the acceptor's whole
// check; whatever identity verifies is who gets reported upward), then
// signs and sends its own AuthMessage. It does not itself decide
// admission — callers consult an ApprovalManager with the returned peer
// identity before proceeding to ConnectionAuthorizedMessage.
func AuthenticateAsServer(ctx context.Context, w *record.Writer, r *record.Reader, serverID identity.Identity, sign Signer, sharedSecret []byte) (Result, error) {
	body, err := r.ReadBody()
	if err != nil {
		return Result{}, err
	}
	msg, ok := body.(wire.AuthMessage)
	if !ok {
		return Result{}, ErrUnexpectedBody
	}
	claimed, err := identity.Parse(msg.ServiceID)
	if err != nil {
		return Result{}, ErrMalformedIdentity
	}

	h := Hash(claimed, serverID, sharedSecret)
	defer zero(h)
	if !claimed.Verify(signingInput(h, claimed.String()), msg.Signature) {
		return Result{}, ErrSignatureInvalid
	}

	sig := sign(signingInput(h, serverID.String()))
	if err := w.WriteBody(wire.AuthMessage{ServiceID: serverID.String(), Signature: sig}); err != nil {
		return Result{}, err
	}
	return Result{PeerIdentity: claimed}, nil
}

// SendAuthorized writes the acceptor's "admitted" signal. Callers send
// this only after ApprovalManager has approved the peer.
func SendAuthorized(w *record.Writer) error {
	return w.WriteBody(wire.ConnectionAuthorizedMessage{})
}

// AwaitAuthorized blocks until the server's ConnectionAuthorizedMessage
// arrives, completing the client side of admission. A clean close by the
// server before that message is reported as ErrNotAuthorized.
func AwaitAuthorized(r *record.Reader) error {
	body, err := r.ReadBody()
	if err != nil {
		if err == record.ErrEndOfStream {
			return ErrNotAuthorized
		}
		return err
	}
	if _, ok := body.(wire.ConnectionAuthorizedMessage); !ok {
		return ErrUnexpectedBody
	}
	return nil
}

// zero overwrites b in place. The session hash is bound to the shared
// secret that produced it, so it is wiped once it has been used for
// signing or verification rather than left sitting in memory for the
// life of the connection.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
