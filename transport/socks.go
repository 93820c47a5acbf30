// Package transport adapts real network surfaces — a local Tor SOCKS
// port for outbound dials, a published hidden service for inbound
// accepts — to the structural Dialer and Listener interfaces package
// engine declares. Neither adapter is imported by engine; the
// dependency points from transport to engine's interfaces, never back.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/proxy"
)

// ErrNoSOCKSAddress means a SOCKSDialer was constructed without a proxy
// address to dial through.
var ErrNoSOCKSAddress = errors.New("transport: no SOCKS address configured")

// SOCKSDialer dials onion addresses through a local Tor SOCKS5 port. It
// satisfies engine.Dialer structurally.
type SOCKSDialer struct {
	proxyAddr string
	dialer    proxy.Dialer
}

// NewSOCKSDialer builds a dialer that routes through the SOCKS5 proxy
// listening at proxyAddr (typically Tor's default "127.0.0.1:9050").
func NewSOCKSDialer(proxyAddr string) (*SOCKSDialer, error) {
	if proxyAddr == "" {
		return nil, ErrNoSOCKSAddress
	}
	d, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("transport: build SOCKS5 dialer: %w", err)
	}
	return &SOCKSDialer{proxyAddr: proxyAddr, dialer: d}, nil
}

// Dial connects to address (an onion service "<identity>.onion:<port>")
// through the configured SOCKS5 proxy. golang.org/x/net/proxy's Dialer
// has no context-aware form, so ctx is honored by racing the blocking
// dial against ctx.Done() in a goroutine; a cancellation after the dial
// completes leaks nothing since the established conn is closed.
func (d *SOCKSDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, err := d.dialer.Dial("tcp", address)
		resCh <- result{conn, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, fmt.Errorf("transport: socks dial %s: %w", address, res.err)
		}
		return res.conn, nil
	case <-ctx.Done():
		go func() {
			if res := <-resCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
