// Package wire defines the tagged union of record bodies exchanged once
// a session is established, and their CBOR encoding. Adding a variant is
// backward compatible; an unrecognized tag is always a fatal Protocol
// error so a peer can never be silently downgraded.
package wire

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Tag identifies which Body variant an envelope carries.
type Tag uint8

const (
	TagAuthMessage                Tag = 1
	TagConnectionAuthorizedMessage Tag = 2
	TagChatMessage                Tag = 3
)

var ErrUnknownTag = errors.New("wire: unknown body tag")

// Body is the interface implemented by every record payload variant.
type Body interface {
	tag() Tag
}

// AuthMessage carries a signed proof of identity, bound to a session hash
// by the caller before signing (see package session).
type AuthMessage struct {
	ServiceID string `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

func (AuthMessage) tag() Tag { return TagAuthMessage }

// ConnectionAuthorizedMessage is the acceptor's "go ahead" signal once it
// has admitted the peer.
type ConnectionAuthorizedMessage struct{}

func (ConnectionAuthorizedMessage) tag() Tag { return TagConnectionAuthorizedMessage }

// ChatMessage is a single chat-phase text message.
type ChatMessage struct {
	Date      int64  `cbor:"1,keyasint"` // seconds since epoch, UTC
	Sender    string `cbor:"2,keyasint"`
	Recipient string `cbor:"3,keyasint"`
	Message   string `cbor:"4,keyasint"`
}

func (ChatMessage) tag() Tag { return TagChatMessage }

// NewChatMessage stamps the message with at, truncated to whole seconds
// UTC, as spec.md's Open Question resolves.
func NewChatMessage(sender, recipient, message string, at time.Time) ChatMessage {
	return ChatMessage{
		Date:      at.UTC().Unix(),
		Sender:    sender,
		Recipient: recipient,
		Message:   message,
	}
}

// Time returns the message timestamp as a UTC time.Time.
func (m ChatMessage) Time() time.Time { return time.Unix(m.Date, 0).UTC() }

type envelope struct {
	Tag     Tag             `cbor:"1,keyasint"`
	Payload cbor.RawMessage `cbor:"2,keyasint"`
}

var encMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// Encode serializes a Body into its self-describing wire form.
func Encode(body Body) ([]byte, error) {
	payload, err := encMode.Marshal(body)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(envelope{Tag: body.tag(), Payload: payload})
}

// Decode parses a previously Encode-d Body. An unrecognized tag is
// ErrUnknownTag, which callers must treat as fatal.
func Decode(data []byte) (Body, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Tag {
	case TagAuthMessage:
		var m AuthMessage
		if err := cbor.Unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TagConnectionAuthorizedMessage:
		var m ConnectionAuthorizedMessage
		if err := cbor.Unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TagChatMessage:
		var m ChatMessage
		if err := cbor.Unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, ErrUnknownTag
	}
}
