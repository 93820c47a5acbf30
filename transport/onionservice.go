package transport

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"time"

	"github.com/cretz/bine/tor"
)

// DefaultOnionPort is the public port a duskchat hidden service is
// published on; the internal listener always binds to it too since
// there is no separate backend to forward to.
const DefaultOnionPort = 9191

// OnionListener publishes a Tor v3 hidden service and accepts inbound
// streams on it. It satisfies engine.Listener structurally.
type OnionListener struct {
	t       *tor.Tor
	service *tor.OnionService
}

// StartOnionListener launches a local Tor process using dataDir as its
// data directory and publishes a hidden service for keyPair on port. A nil
// keyPair asks Tor to mint a fresh identity; callers that need the
// published address to match an identity.Credential must pass that
// credential's Ed25519 key pair.
func StartOnionListener(ctx context.Context, dataDir string, keyPair ed25519.PrivateKey, port int) (*OnionListener, error) {
	t, err := tor.Start(ctx, &tor.StartConf{
		DataDir:   dataDir,
		NoAutoSocksPort: false,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: start tor: %w", err)
	}

	listenCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	conf := &tor.ListenConf{
		RemotePorts: []int{port},
		Version3:    true,
	}
	if len(keyPair) > 0 {
		conf.Key = keyPair
	}

	onion, err := t.Listen(listenCtx, conf)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("transport: publish hidden service: %w", err)
	}

	return &OnionListener{t: t, service: onion}, nil
}

// Accept blocks for the next inbound stream on the published service.
func (l *OnionListener) Accept() (net.Conn, error) {
	return l.service.Accept()
}

// Address returns the published onion identity's bare textual address
// (no ".onion" suffix), matching identity.Identity.String's form.
func (l *OnionListener) Address() string {
	return l.service.ID
}

// Close tears down the hidden service and the underlying Tor process.
func (l *OnionListener) Close() error {
	serviceErr := l.service.Close()
	torErr := l.t.Close()
	if serviceErr != nil {
		return serviceErr
	}
	return torErr
}
