package connection

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/duskchat/duskchat/identity"
	"github.com/duskchat/duskchat/record"
	"github.com/duskchat/duskchat/wire"
)

func pipeConnections(t *testing.T) (a, b net.Conn) {
	t.Helper()
	a, b = net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func keyFor(seed byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = seed
	}
	return k
}

func newTestConnection(t *testing.T, conn net.Conn, key [32]byte, events chan Event) *Connection {
	t.Helper()
	w, err := record.NewWriter(conn, key)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	r, err := record.NewReader(conn, key)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	cred, err := identity.NewCredential()
	if err != nil {
		t.Fatalf("NewCredential: %v", err)
	}
	info := Info{PeerAddress: "peer.onion:9001", PeerIdentity: cred.Identity(), Direction: DirectionOutbound}
	c := New(conn, w, r, info, events)
	c.MarkLive()
	return c
}

func TestRunDeliversIncomingMessage(t *testing.T) {
	connA, connB := pipeConnections(t)
	key := keyFor(0x11)

	events := make(chan Event, 8)
	local := newTestConnection(t, connA, key, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go local.Run(ctx)

	// NewConn event fires immediately.
	first := <-events
	if !first.NewConn {
		t.Fatalf("expected NewConn event first, got %+v", first)
	}

	remoteW, err := record.NewWriter(connB, key)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	msg := wire.NewChatMessage("peer", "me", "hi there", time.Now())
	if err := remoteW.WriteBody(msg); err != nil {
		t.Fatalf("WriteBody: %v", err)
	}

	select {
	case evt := <-events:
		if evt.Message == nil || evt.Message.Message != "hi there" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message event")
	}
}

func TestSendDeliversToRemote(t *testing.T) {
	connA, connB := pipeConnections(t)
	key := keyFor(0x22)

	events := make(chan Event, 8)
	local := newTestConnection(t, connA, key, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go local.Run(ctx)
	<-events // NewConn

	remoteR, err := record.NewReader(connB, key)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	msg := wire.NewChatMessage("me", "peer", "outgoing", time.Now())
	if !local.Send(msg) {
		t.Fatalf("Send timed out")
	}

	body, err := remoteR.ReadBody()
	if err != nil {
		t.Fatalf("ReadBody: %v", err)
	}
	got, ok := body.(wire.ChatMessage)
	if !ok || got.Message != "outgoing" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestCloseEmitsClosedEvent(t *testing.T) {
	connA, _ := pipeConnections(t)
	key := keyFor(0x33)

	events := make(chan Event, 8)
	local := newTestConnection(t, connA, key, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go local.Run(ctx)
	<-events // NewConn

	local.Close()

	select {
	case evt := <-events:
		if !evt.Closed || evt.CloseReason != CloseClean {
			t.Fatalf("unexpected close event: %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for closed event")
	}
}

func TestAuthorizeSendsConnectionAuthorizedRecord(t *testing.T) {
	connA, connB := pipeConnections(t)
	key := keyFor(0x44)

	w, err := record.NewWriter(connA, key)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	r, err := record.NewReader(connA, key)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	cred, err := identity.NewCredential()
	if err != nil {
		t.Fatalf("NewCredential: %v", err)
	}
	info := Info{PeerAddress: "peer.onion:9001", PeerIdentity: cred.Identity(), Direction: DirectionInbound}
	events := make(chan Event, 8)
	local := New(connA, w, r, info, events) // pending admission, not MarkLive'd

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go local.Run(ctx)
	<-events // NewConn

	remoteR, err := record.NewReader(connB, key)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	if !local.Authorize() {
		t.Fatalf("Authorize timed out")
	}

	body, err := remoteR.ReadBody()
	if err != nil {
		t.Fatalf("ReadBody: %v", err)
	}
	if _, ok := body.(wire.ConnectionAuthorizedMessage); !ok {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestSendBeforeAuthorizeIsDropped(t *testing.T) {
	connA, connB := pipeConnections(t)
	key := keyFor(0x55)

	w, err := record.NewWriter(connA, key)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	r, err := record.NewReader(connA, key)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	cred, err := identity.NewCredential()
	if err != nil {
		t.Fatalf("NewCredential: %v", err)
	}
	info := Info{PeerAddress: "peer.onion:9001", PeerIdentity: cred.Identity(), Direction: DirectionInbound}
	events := make(chan Event, 8)
	local := New(connA, w, r, info, events) // pending admission

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go local.Run(ctx)
	<-events // NewConn

	msg := wire.NewChatMessage("me", "peer", "too early", time.Now())
	if !local.Send(msg) {
		t.Fatalf("Send timed out")
	}

	select {
	case evt := <-events:
		if evt.Log == "" {
			t.Fatalf("expected a dropped-message log event, got %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dropped-message log event")
	}

	if !local.Authorize() {
		t.Fatalf("Authorize timed out")
	}

	remoteR, err := record.NewReader(connB, key)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	body, err := remoteR.ReadBody()
	if err != nil {
		t.Fatalf("ReadBody: %v", err)
	}
	if _, ok := body.(wire.ConnectionAuthorizedMessage); !ok {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestClassifyReadError(t *testing.T) {
	cases := map[error]CloseReason{
		record.ErrEndOfStream: CloseClean,
		record.ErrDecrypt:     CloseCryptographic,
		record.ErrDecode:      CloseProtocol,
		wire.ErrUnknownTag:    CloseProtocol,
	}
	for err, want := range cases {
		if got := classifyReadError(err); got != want {
			t.Fatalf("classifyReadError(%v) = %v, want %v", err, got, want)
		}
	}
}
