// Package record implements the length-prefixed, padded, AEAD-encrypted
// framing used for every message after a session key is established.
// Each plaintext record is padded to a multiple of Block bytes before
// encryption, so an observer of ciphertext lengths learns only the
// block-quantized size of a message, never its exact length.
package record

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/duskchat/duskchat/wire"
)

// Block is the plaintext padding granularity (spec.md §4.1).
const Block = 64

const (
	nonceSize  = chacha20poly1305.NonceSize
	lengthSize = 4
	maxFrame   = 1 << 24 // generous ceiling against a malicious length prefix
)

var (
	// ErrEndOfStream indicates the peer closed the connection cleanly.
	ErrEndOfStream = errors.New("record: end of stream")
	// ErrDecrypt indicates AEAD authentication failed; fatal to the connection.
	ErrDecrypt = errors.New("record: decryption failed")
	// ErrDecode indicates the decrypted plaintext did not parse as a body
	// (including a pad_len inconsistent with the plaintext length); fatal.
	ErrDecode = errors.New("record: decode failed")
	// ErrFrameTooLarge guards against a peer-supplied length prefix used
	// to force an unbounded allocation.
	ErrFrameTooLarge = errors.New("record: frame exceeds maximum size")
)

// Writer serializes, pads, and encrypts bodies onto an underlying stream.
type Writer struct {
	w    io.Writer
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		NonceSize() int
		Overhead() int
	}
}

// Reader decrypts, unpads, and deserializes bodies from an underlying stream.
type Reader struct {
	r    io.Reader
	aead interface {
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewWriter builds a Writer using the given 32-byte ChaCha20-Poly1305 key.
func NewWriter(w io.Writer, key [32]byte) (*Writer, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &Writer{w: w, aead: aead}, nil
}

// NewReader builds a Reader using the given 32-byte ChaCha20-Poly1305 key.
func NewReader(r io.Reader, key [32]byte) (*Reader, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &Reader{r: r, aead: aead}, nil
}

// WriteBody serializes, pads to a Block boundary, encrypts under a fresh
// random nonce, and frames one body.
func (w *Writer) WriteBody(body wire.Body) error {
	encoded, err := wire.Encode(body)
	if err != nil {
		return err
	}
	return w.writeFrame(encoded)
}

func (w *Writer) writeFrame(encodedBody []byte) error {
	plaintext := pad(encodedBody)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	sealed := w.aead.Seal(nil, nonce, plaintext, nil)

	frame := make([]byte, lengthSize+nonceSize+len(sealed))
	binary.BigEndian.PutUint32(frame[:lengthSize], uint32(nonceSize+len(sealed)))
	copy(frame[lengthSize:lengthSize+nonceSize], nonce)
	copy(frame[lengthSize+nonceSize:], sealed)

	_, err := w.w.Write(frame)
	return err
}

// pad returns body wrapped in [pad_len | body | pad_len random bytes] such
// that the total length is the smallest multiple of Block >= 1+len(body).
func pad(body []byte) []byte {
	total := 1 + len(body)
	packetLen := ((total + Block - 1) / Block) * Block
	padLen := packetLen - total

	out := make([]byte, packetLen)
	out[0] = byte(padLen)
	copy(out[1:1+len(body)], body)
	if padLen > 0 {
		// The error from crypto/rand is discarded: the reader never
		// inspects padding bytes, so a best-effort fill is enough here.
		_, _ = rand.Read(out[1+len(body):])
	}
	return out
}

// ReadBody reads one frame, decrypts, strips padding, and decodes the body.
func (r *Reader) ReadBody() (wire.Body, error) {
	lenBuf := make([]byte, lengthSize)
	if _, err := io.ReadFull(r.r, lenBuf); err != nil {
		if err == io.EOF {
			return nil, ErrEndOfStream
		}
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf)
	if frameLen > maxFrame {
		return nil, ErrFrameTooLarge
	}
	if frameLen < nonceSize {
		return nil, ErrDecrypt
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r.r, frame); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrEndOfStream
		}
		return nil, err
	}

	nonce := frame[:nonceSize]
	ciphertext := frame[nonceSize:]

	plaintext, err := r.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(plaintext) == 0 {
		return nil, ErrDecode
	}

	padLen := int(plaintext[0])
	if padLen > len(plaintext)-1 {
		return nil, ErrDecode
	}
	bodyBytes := plaintext[1 : len(plaintext)-padLen]

	body, err := wire.Decode(bodyBytes)
	if err != nil {
		if err == wire.ErrUnknownTag {
			return nil, err
		}
		return nil, ErrDecode
	}
	return body, nil
}
