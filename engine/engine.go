// Package engine owns the local identity and routes connections by peer
// identity. It never imports package transport directly — Dialer and
// Listener are structural interfaces transport's types satisfy, so the
// dependency points the other way and engine stays transport-agnostic.
package engine

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/duskchat/duskchat/connection"
	"github.com/duskchat/duskchat/handshake"
	"github.com/duskchat/duskchat/identity"
	"github.com/duskchat/duskchat/record"
	"github.com/duskchat/duskchat/session"
	"github.com/duskchat/duskchat/wire"
)

// Dialer is anything that can open an outbound stream to an onion
// address, such as a SOCKS5 client dialing through Tor.
type Dialer interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// Listener is anything that can accept inbound streams on a published
// hidden service, such as a Tor onion-service listener.
type Listener interface {
	Accept() (net.Conn, error)
}

var (
	ErrAlreadyConnected = errors.New("engine: already connected to peer")
	ErrUnknownPeer      = errors.New("engine: no connection to peer")
	ErrEngineClosed     = errors.New("engine: closed")
)

// signRequest is how connection-establishment goroutines ask the engine's
// signing oracle for a signature, without ever touching the private key
// themselves.
type signRequest struct {
	data  []byte
	reply chan []byte
}

// Engine owns the local Credential, the set of live connection actors
// keyed by peer identity text, and the upward event stream.
type Engine struct {
	cred     *identity.Credential
	approval *session.ApprovalManager

	mu    sync.Mutex
	peers map[string]*connection.Connection

	events chan connection.Event
	signCh chan signRequest

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine around a local Credential. The Engine owns
// the private key for its lifetime; callers never see it directly.
func New(cred *identity.Credential) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cred:     cred,
		approval: session.NewApprovalManager(),
		peers:    make(map[string]*connection.Connection),
		events:   make(chan connection.Event, 64),
		signCh:   make(chan signRequest),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.wg.Add(1)
	go e.signOracle()
	return e
}

// Identity returns the local peer's public identity.
func (e *Engine) Identity() identity.Identity { return e.cred.Identity() }

// Approval exposes the admission policy so a UI or CLI layer can toggle
// modes and approve/deny specific peers.
func (e *Engine) Approval() *session.ApprovalManager { return e.approval }

// Events returns the channel of upward notifications: new connections,
// inbound messages, closures, and log lines.
func (e *Engine) Events() <-chan connection.Event { return e.events }

func (e *Engine) signOracle() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case req := <-e.signCh:
			req.reply <- e.cred.Sign(req.data)
		}
	}
}

// sign is the session.Signer backing every AuthMessage this engine
// produces: it routes through the signing oracle so the private key is
// only ever touched by the oracle goroutine, never by a dial/accept
// caller's own goroutine.
func (e *Engine) sign(data []byte) []byte {
	reply := make(chan []byte, 1)
	e.signCh <- signRequest{data: data, reply: reply}
	return <-reply
}

// SpawnDial opens an outbound connection to address, performs the key
// exchange and mutual authentication, and — once admitted — starts its
// actor goroutine and registers it under the peer's identity.
func (e *Engine) SpawnDial(ctx context.Context, dialer Dialer, address string) error {
	expected, err := identity.FromAddress(address)
	if err != nil {
		return err
	}

	hsCtx, cancel := handshake.WithTimeout(ctx)
	defer cancel()

	conn, err := dialer.Dial(hsCtx, address)
	if err != nil {
		return err
	}

	result, err := handshake.Client(hsCtx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	w, err := record.NewWriter(conn, result.Key)
	if err != nil {
		conn.Close()
		return err
	}
	r, err := record.NewReader(conn, result.Key)
	if err != nil {
		conn.Close()
		return err
	}
	zeroKey(&result.Key)

	authResult, err := session.AuthenticateAsClient(hsCtx, w, r, e.cred.Identity(), e.sign, expected, result.SharedSecret)
	zeroBytes(result.SharedSecret)
	if err != nil {
		conn.Close()
		return err
	}

	if err := session.AwaitAuthorized(r); err != nil {
		conn.Close()
		return err
	}

	info := connection.Info{PeerAddress: address, PeerIdentity: authResult.PeerIdentity, Direction: connection.DirectionOutbound}
	_, err = e.register(conn, w, r, info, true)
	return err
}

// SpawnAccept accepts one inbound connection from listener, authenticates
// it, and registers its actor as pending admission: the actor is already
// reachable by peer identity and running its event loop, but it will not
// send ConnectionAuthorizedMessage or reach Live until an Authorize inbox
// event arrives, either from the current admission policy right here or
// from a later call to Authorize by the upper layer (e.g. a user prompt).
func (e *Engine) SpawnAccept(ctx context.Context, listener Listener) error {
	conn, err := listener.Accept()
	if err != nil {
		return err
	}

	hsCtx, cancel := handshake.WithTimeout(ctx)
	defer cancel()

	result, err := handshake.Server(hsCtx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	w, err := record.NewWriter(conn, result.Key)
	if err != nil {
		conn.Close()
		return err
	}
	r, err := record.NewReader(conn, result.Key)
	if err != nil {
		conn.Close()
		return err
	}
	zeroKey(&result.Key)

	authResult, err := session.AuthenticateAsServer(hsCtx, w, r, e.cred.Identity(), e.sign, result.SharedSecret)
	zeroBytes(result.SharedSecret)
	if err != nil {
		conn.Close()
		return err
	}

	info := connection.Info{PeerAddress: conn.RemoteAddr().String(), PeerIdentity: authResult.PeerIdentity, Direction: connection.DirectionInbound}
	actor, err := e.register(conn, w, r, info, false)
	if err != nil {
		return err
	}

	if e.approval.IsAuthorized(authResult.PeerIdentity.String()) {
		actor.Authorize()
	}
	return nil
}

func (e *Engine) register(conn net.Conn, w *record.Writer, r *record.Reader, info connection.Info, live bool) (*connection.Connection, error) {
	e.mu.Lock()
	if _, exists := e.peers[info.PeerIdentity.String()]; exists {
		e.mu.Unlock()
		conn.Close()
		return nil, ErrAlreadyConnected
	}
	actor := connection.New(conn, w, r, info, e.events)
	if live {
		actor.MarkLive()
	}
	e.peers[info.PeerIdentity.String()] = actor
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		actor.Run(e.ctx)
		e.mu.Lock()
		delete(e.peers, info.PeerIdentity.String())
		e.mu.Unlock()
	}()
	return actor, nil
}

// Send routes a chat message to an already-connected peer.
func (e *Engine) Send(peer identity.Identity, msg wire.ChatMessage) error {
	e.mu.Lock()
	actor, ok := e.peers[peer.String()]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	if !actor.Send(msg) {
		return ErrUnknownPeer
	}
	return nil
}

// Authorize updates the admission decision for a peer identity. Admitting
// enqueues the ConnectionAuthorized inbox event on that peer's actor —
// whether it is still pending (the common case, right after SpawnAccept)
// or already live — so the acceptor's own event loop is what sends
// ConnectionAuthorizedMessage, per spec's authorize(peer_id) table entry.
// Denying records the decision and disconnects any pending or live
// connection for that peer, per the revisitable-admission design.
func (e *Engine) Authorize(peer identity.Identity, admit bool) error {
	peerText := peer.String()
	if !admit {
		e.approval.Deny(peerText)
		return e.Disconnect(peer)
	}
	e.approval.Approve(peerText)

	e.mu.Lock()
	actor, ok := e.peers[peerText]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	if !actor.Authorize() {
		return ErrUnknownPeer
	}
	return nil
}

// Disconnect closes a live or pending connection to peer.
func (e *Engine) Disconnect(peer identity.Identity) error {
	e.mu.Lock()
	actor, ok := e.peers[peer.String()]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	actor.Close()
	return nil
}

// Close shuts down the engine: cancels all connection actors and the
// signing oracle, then waits for them to exit.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
	close(e.events)
}

// zeroKey overwrites a record-layer session key once it has been handed
// to record.NewWriter/NewReader, which copy it into their own AEAD state
// and have no further need of the plaintext form.
func zeroKey(key *[32]byte) {
	for i := range key {
		key[i] = 0
	}
}

// zeroBytes overwrites the raw key-exchange shared secret once the
// session layer is done binding it into a signature.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
