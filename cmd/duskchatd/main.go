package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/duskchat/duskchat/connection"
	"github.com/duskchat/duskchat/engine"
	"github.com/duskchat/duskchat/identity"
	"github.com/duskchat/duskchat/transport"
	"github.com/duskchat/duskchat/wire"
)

var (
	flagSOCKSAddr  string
	flagTorDataDir string
	flagOnionPort  int
	flagKeySeed    string
	flagDial       string
)

var rootCmd = &cobra.Command{
	Use:   "duskchatd",
	Short: "anonymous end-to-end encrypted peer-to-peer Tor hidden-service chat",
	RunE:  run,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagSOCKSAddr, "socks-addr", "127.0.0.1:9050", "local Tor SOCKS5 proxy address for outbound dials")
	flags.StringVar(&flagTorDataDir, "tor-data-dir", "", "Tor data directory for the embedded hidden-service listener (empty = ephemeral)")
	flags.IntVar(&flagOnionPort, "onion-port", transport.DefaultOnionPort, "public port the hidden service is published on")
	flags.StringVar(&flagKeySeed, "key-seed", os.Getenv("DUSKCHAT_KEY_SEED"), "hex-encoded 64-byte Ed25519 private key; random identity if empty (env: DUSKCHAT_KEY_SEED)")
	flags.StringVar(&flagDial, "dial", "", "onion address to dial on startup, e.g. <identity>.onion:9191")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cred, err := loadCredential(flagKeySeed)
	if err != nil {
		return fmt.Errorf("duskchatd: load credential: %w", err)
	}
	log.Info().Str("identity", cred.Identity().Onion()).Msg("[duskchatd] local identity")

	eng := engine.New(cred)
	defer eng.Close()

	listener, err := transport.StartOnionListener(ctx, flagTorDataDir, cred.PrivateKey(), flagOnionPort)
	if err != nil {
		return fmt.Errorf("duskchatd: start hidden service: %w", err)
	}
	defer listener.Close()
	log.Info().Str("address", listener.Address()).Msg("[duskchatd] hidden service published")

	go acceptLoop(ctx, eng, listener)
	go printEvents(ctx, eng)

	if flagDial != "" {
		dialer, err := transport.NewSOCKSDialer(flagSOCKSAddr)
		if err != nil {
			return fmt.Errorf("duskchatd: build dialer: %w", err)
		}
		go func() {
			if err := eng.SpawnDial(ctx, dialer, flagDial); err != nil {
				log.Error().Err(err).Str("address", flagDial).Msg("[duskchatd] dial failed")
			}
		}()
	}

	go readStdinAndSend(ctx, eng, cred.Identity().String())

	<-ctx.Done()
	log.Info().Msg("[duskchatd] shutting down...")
	return nil
}

func acceptLoop(ctx context.Context, eng *engine.Engine, listener *transport.OnionListener) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := eng.SpawnAccept(ctx, listener); err != nil {
			log.Error().Err(err).Msg("[duskchatd] accept failed")
		}
	}
}

func printEvents(ctx context.Context, eng *engine.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-eng.Events():
			if !ok {
				return
			}
			logEvent(evt)
		}
	}
}

func logEvent(evt connection.Event) {
	switch {
	case evt.NewConn:
		log.Info().Str("peer", evt.Info.PeerIdentity.Onion()).Msg("[duskchatd] peer connected")
	case evt.Message != nil:
		fmt.Printf("%s: %s\n", evt.Message.Sender, evt.Message.Message)
	case evt.Closed:
		log.Info().Str("peer", evt.Info.PeerIdentity.Onion()).Int("reason", int(evt.CloseReason)).Msg("[duskchatd] peer disconnected")
	case evt.Log != "":
		log.Warn().Str("peer", evt.Info.PeerIdentity.Onion()).Msg(evt.Log)
	}
}

func readStdinAndSend(ctx context.Context, eng *engine.Engine, selfID string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		to, text, ok := strings.Cut(line, " ")
		if !ok {
			log.Warn().Msg("[duskchatd] usage: <peer-identity> <message text>")
			continue
		}
		peer, err := identity.Parse(to)
		if err != nil {
			log.Error().Err(err).Str("peer", to).Msg("[duskchatd] bad peer identity")
			continue
		}
		msg := wire.NewChatMessage(selfID, peer.String(), text, time.Now())
		if err := eng.Send(peer, msg); err != nil {
			log.Error().Err(err).Str("peer", to).Msg("[duskchatd] send failed")
		}
	}
}

func loadCredential(seedHex string) (*identity.Credential, error) {
	if seedHex == "" {
		return identity.NewCredential()
	}
	raw, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode key-seed: %w", err)
	}
	return identity.NewCredentialFromPrivateKey(ed25519.PrivateKey(raw))
}
