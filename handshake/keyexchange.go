// Package handshake performs the anonymous X25519 Diffie-Hellman key
// agreement that opens every connection, before either side's identity
// is known. It derives the single symmetric key the record layer uses;
// identity binding happens one layer up, in package session.
package handshake

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// version is the opening-packet wire version (spec.md §4.2).
	version = byte(1)
	// algorithm identifies X25519 as the key-agreement algorithm; spec.md
	// reserves the byte for future algorithm agility.
	algorithm = byte(0)

	packetSize = 1 + 1 + curve25519.PointSize // version + algorithm + pubkey

	// keyInfo is the fixed HKDF info string deriving the record-layer key.
	keyInfo = "encryption"

	// DefaultTimeout bounds how long either side waits for its peer's
	// opening packet before giving up.
	DefaultTimeout = 10 * time.Second
)

var (
	ErrShortPacket     = errors.New("handshake: opening packet too short")
	ErrUnsupportedVersion = errors.New("handshake: unsupported version")
	ErrUnsupportedAlgorithm = errors.New("handshake: unsupported algorithm")
	ErrKeyAgreement    = errors.New("handshake: key agreement failed")
)

// Result is the outcome of a completed key exchange.
type Result struct {
	// Key is the 32-byte symmetric key the record layer uses for the AEAD
	// in both directions; both peers derive the same Key since both
	// compute the same X25519 shared secret.
	Key [32]byte
	// SharedSecret is the raw X25519 output, retained so package session
	// can bind it into the post-handshake identity signature.
	SharedSecret []byte
}

// Client performs the initiator side of the key exchange: generate an
// ephemeral key pair, write the opening packet, then read the peer's.
func Client(ctx context.Context, rw io.ReadWriter) (Result, error) {
	return exchange(ctx, rw, true)
}

// Server performs the acceptor side of the key exchange: read the peer's
// opening packet first, then write its own.
func Server(ctx context.Context, rw io.ReadWriter) (Result, error) {
	return exchange(ctx, rw, false)
}

// deadlineSetter is satisfied by net.Conn; when rw implements it, exchange
// applies ctx's deadline directly so a blocked Read/Write actually unblocks
// on timeout instead of leaking a goroutine.
type deadlineSetter interface {
	SetDeadline(time.Time) error
}

func exchange(ctx context.Context, rw io.ReadWriter, writeFirst bool) (Result, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if setter, ok := rw.(deadlineSetter); ok {
			if err := setter.SetDeadline(deadline); err != nil {
				return Result{}, err
			}
		}
	}

	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return Result{}, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return Result{}, ErrKeyAgreement
	}

	done := make(chan struct{})
	var peerPub []byte
	var opErr error

	go func() {
		defer close(done)
		if writeFirst {
			if opErr = writePacket(rw, pub); opErr != nil {
				return
			}
			peerPub, opErr = readPacket(rw)
			return
		}
		peerPub, opErr = readPacket(rw)
		if opErr != nil {
			return
		}
		opErr = writePacket(rw, pub)
	}()

	select {
	case <-done:
		if opErr != nil {
			return Result{}, opErr
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return Result{}, ErrKeyAgreement
	}
	zero(peerPub)

	var result Result
	result.SharedSecret = shared
	if err := deriveKey(shared, result.Key[:]); err != nil {
		return Result{}, err
	}
	return result, nil
}

// zero overwrites b in place, for key material that must not linger in
// memory once it has served its purpose.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WithTimeout derives a context bounded by DefaultTimeout from parent,
// for callers that don't already carry a deadline.
func WithTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultTimeout)
}

func writePacket(w io.Writer, pub []byte) error {
	packet := make([]byte, packetSize)
	packet[0] = version
	packet[1] = algorithm
	copy(packet[2:], pub)
	_, err := w.Write(packet)
	return err
}

func readPacket(r io.Reader) ([]byte, error) {
	packet := make([]byte, packetSize)
	if _, err := io.ReadFull(r, packet); err != nil {
		return nil, err
	}
	if packet[0] != version {
		return nil, ErrUnsupportedVersion
	}
	if packet[1] != algorithm {
		return nil, ErrUnsupportedAlgorithm
	}
	return packet[2:], nil
}

// deriveKey expands the raw X25519 output into the record-layer key via
// HKDF-SHA256 with an empty salt and the fixed info string "encryption".
func deriveKey(sharedSecret []byte, out []byte) error {
	kdf := hkdf.New(sha256.New, sharedSecret, nil, []byte(keyInfo))
	_, err := io.ReadFull(kdf, out)
	if err != nil {
		// HKDF-SHA256 expanding 32 bytes from a 32-byte secret cannot
		// fail; treat it as unreachable.
		panic("handshake: HKDF expansion failed unexpectedly")
	}
	return err
}
