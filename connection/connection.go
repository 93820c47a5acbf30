// Package connection implements the per-peer actor: one goroutine per
// authenticated connection, owning its record stream and serializing all reads,
// writes, and inbox deliveries through a single select loop.
package connection

import (
	"context"
	"net"
	"time"

	"github.com/duskchat/duskchat/identity"
	"github.com/duskchat/duskchat/record"
	"github.com/duskchat/duskchat/session"
	"github.com/duskchat/duskchat/wire"
)

// Direction records which side initiated the underlying transport dial.
type Direction int

const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

// State is the connection's position in its lifecycle. Transitions are
// monotonic: Opened -> KeyAgreed -> Authenticated -> Live -> Closed.
type State int

const (
	StateOpened State = iota
	StateKeyAgreed
	StateAuthenticated
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateKeyAgreed:
		return "key-agreed"
	case StateAuthenticated:
		return "authenticated"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason classifies why a connection ended, so the engine and any
// UI layered on it can distinguish a clean hangup from a break-in attempt.
type CloseReason int

const (
	CloseClean CloseReason = iota
	CloseTransport
	CloseProtocol
	CloseCryptographic
)

// Info describes a connection for the engine's bookkeeping and for
// Event payloads delivered upward.
type Info struct {
	PeerAddress  string
	PeerIdentity identity.Identity
	Direction    Direction
}

// InboxEvent is something the engine asks a connection actor to do: one
// of the three kinds the spec's inbox carries — a chat message to send,
// the acceptor-only admission signal, or a request to close.
type InboxEvent struct {
	Send      *wire.ChatMessage
	Authorize bool
	Close     bool
}

// Event is something a connection actor reports upward to the engine.
type Event struct {
	Info         Info
	NewConn      bool
	Message      *wire.ChatMessage
	Closed       bool
	CloseReason  CloseReason
	Log          string
}

// Connection is a single peer connection's actor state.
type Connection struct {
	info  Info
	conn  net.Conn
	w     *record.Writer
	r     *record.Reader
	state State

	inbox  chan InboxEvent
	events chan<- Event
}

// New builds a Connection actor around an already key-agreed and
// authenticated stream. Callers construct it once the handshake and
// session layers have completed — on the dialer side that is also once
// admission has been granted (the dialer already blocked for
// ConnectionAuthorizedMessage before this point); on the acceptor side
// admission is still pending and arrives later as an Authorize inbox
// event.
func New(conn net.Conn, w *record.Writer, r *record.Reader, info Info, events chan<- Event) *Connection {
	return &Connection{
		info:   info,
		conn:   conn,
		w:      w,
		r:      r,
		state:  StateAuthenticated,
		inbox:  make(chan InboxEvent, 16),
		events: events,
	}
}

// Inbox returns the channel the engine uses to deliver InboxEvents to
// this connection's actor.
func (c *Connection) Inbox() chan<- InboxEvent { return c.inbox }

// State reports the connection's current lifecycle state.
func (c *Connection) State() State { return c.state }

// MarkLive transitions the actor directly to Live. Callers use this for
// the dialer side, where admission already completed synchronously
// before the actor was constructed. The acceptor side instead reaches
// Live from within Run, when it processes an Authorize inbox event.
func (c *Connection) MarkLive() {
	c.state = StateLive
}

// Authorize asks the actor to send the acceptor's ConnectionAuthorizedMessage
// and transition to Live. It is a no-op request on the dialer side, where
// MarkLive already did this before Run started.
func (c *Connection) Authorize() bool {
	select {
	case c.inbox <- InboxEvent{Authorize: true}:
		return true
	case <-time.After(SendTimeout):
		return false
	}
}

// Run is the actor's main loop. It must be started in its own goroutine
// once the connection has reached Authenticated; it exits when ctx is
// canceled, the inbox asks for a close, or the underlying stream fails.
func (c *Connection) Run(ctx context.Context) {
	// Clear any key-exchange deadline still set on conn so that reads and
	// writes from here on are unbounded.
	_ = c.conn.SetDeadline(time.Time{})

	c.events <- Event{Info: c.info, NewConn: true}

	incoming := make(chan wire.Body, 1)
	readErr := make(chan error, 1)
	go c.readLoop(incoming, readErr)

	for {
		select {
		case <-ctx.Done():
			c.closeWith(CloseClean)
			return

		case evt, ok := <-c.inbox:
			if !ok || evt.Close {
				c.closeWith(CloseClean)
				return
			}
			if evt.Authorize && c.state != StateLive {
				if err := session.SendAuthorized(c.w); err != nil {
					c.events <- Event{Info: c.info, Log: "write failed: " + err.Error()}
					c.closeWith(CloseTransport)
					return
				}
				c.state = StateLive
			}
			if evt.Send != nil {
				if c.state != StateLive {
					// A pending acceptor-side connection can still have a
					// Send enqueued behind the Authorize event that hasn't
					// arrived yet; only Live permits chat records on the
					// wire, so drop it rather than write out of order.
					c.events <- Event{Info: c.info, Log: "dropped chat message: connection not yet live"}
				} else if err := c.w.WriteBody(*evt.Send); err != nil {
					c.events <- Event{Info: c.info, Log: "write failed: " + err.Error()}
					c.closeWith(CloseTransport)
					return
				}
			}

		case body, ok := <-incoming:
			if !ok {
				c.closeWith(CloseClean)
				return
			}
			switch m := body.(type) {
			case wire.ChatMessage:
				c.events <- Event{Info: c.info, Message: &m}
			default:
				c.events <- Event{Info: c.info, Log: "unexpected body while live"}
			}

		case err := <-readErr:
			c.closeWith(classifyReadError(err))
			return
		}
	}
}

func (c *Connection) readLoop(incoming chan<- wire.Body, readErr chan<- error) {
	for {
		body, err := c.r.ReadBody()
		if err != nil {
			readErr <- err
			return
		}
		incoming <- body
	}
}

func classifyReadError(err error) CloseReason {
	switch err {
	case record.ErrEndOfStream:
		return CloseClean
	case record.ErrDecrypt:
		return CloseCryptographic
	case record.ErrDecode, wire.ErrUnknownTag:
		return CloseProtocol
	default:
		return CloseTransport
	}
}

func (c *Connection) closeWith(reason CloseReason) {
	c.state = StateClosed
	_ = c.conn.Close()
	c.events <- Event{Info: c.info, Closed: true, CloseReason: reason}
}

// SendTimeout bounds how long an engine caller waits to enqueue an
// InboxEvent before concluding the actor is wedged or gone.
const SendTimeout = 5 * time.Second

// Send enqueues a chat message for delivery, returning false if the
// actor's inbox did not accept it within SendTimeout.
func (c *Connection) Send(msg wire.ChatMessage) bool {
	select {
	case c.inbox <- InboxEvent{Send: &msg}:
		return true
	case <-time.After(SendTimeout):
		return false
	}
}

// Close asks the actor to end the connection.
func (c *Connection) Close() {
	select {
	case c.inbox <- InboxEvent{Close: true}:
	case <-time.After(SendTimeout):
	}
}
