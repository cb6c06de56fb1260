// Package main implements the hiveswap daemon CLI.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base32"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivenet-dev/hiveswap/pkg/blockstore"
	"github.com/hivenet-dev/hiveswap/pkg/discovery"
	"github.com/hivenet-dev/hiveswap/pkg/node"
	"github.com/hivenet-dev/hiveswap/pkg/pin"
	"github.com/hivenet-dev/hiveswap/pkg/swarm"
	"github.com/hivenet-dev/hiveswap/pkg/transport"
	"github.com/hivenet-dev/hiveswap/pkg/transport/quic"
	"github.com/hivenet-dev/hiveswap/pkg/transport/tcp"
)

// Build-time variables set by ldflags
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	case "start":
		if err := startCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "id":
		if err := idCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "gc":
		if err := gcCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("Hiveswap %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commitHash)
}

func printUsage() {
	fmt.Printf(`Hiveswap v%s - content-addressed block exchange daemon

Usage:
  hiveswap <command> [options]

Commands:
  start     Start the exchange daemon
  id        Show the local peer id
  gc        Collect unpinned blocks in an offline repository
  version   Show version information
  help      Show this help message

Examples:
  # Start a listening node
  hiveswap start --listen 0.0.0.0:27489 --transport tcp

  # Start and connect to existing peers
  hiveswap start --connect 203.0.113.5:27489,203.0.113.9:27489

  # Collect garbage while the daemon is stopped
  hiveswap gc --data ~/.hiveswap

`, version)
}

// defaultDataDir returns the repository path
func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".hiveswap"
	}
	return filepath.Join(homeDir, ".hiveswap")
}

var peerIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// loadOrCreatePeerID loads the persisted peer id, generating one on first
// run
func loadOrCreatePeerID(dataDir string) (swarm.PeerID, error) {
	idPath := filepath.Join(dataDir, "identity")

	if raw, err := os.ReadFile(idPath); err == nil {
		id := strings.TrimSpace(string(raw))
		if id == "" {
			return "", fmt.Errorf("empty identity file %s", idPath)
		}
		return swarm.PeerID(id), nil
	}

	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return "", fmt.Errorf("generating peer id: %w", err)
	}
	id := "hive-" + strings.ToLower(peerIDEncoding.EncodeToString(seed[:]))

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(idPath, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("saving peer id: %w", err)
	}
	fmt.Printf("New peer id saved to %s\n", idPath)
	return swarm.PeerID(id), nil
}

// ephemeralTLSConfig generates a self-signed certificate for this process.
// Connections are encrypted; peer identity comes from the exchange
// handshake, not the certificate.
func ephemeralTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating TLS key: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"Hiveswap"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("creating TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  priv,
		}},
		NextProtos:         []string{transport.ALPNProtocol},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
	}, nil
}

func newTransport(name string) (transport.Transport, error) {
	switch name {
	case "quic":
		return quic.New(), nil
	case "tcp":
		return tcp.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want quic or tcp)", name)
	}
}

// startCommand implements the start subcommand
func startCommand(args []string) error {
	flags := flag.NewFlagSet("start", flag.ExitOnError)
	dataDir := flags.String("data", defaultDataDir(), "repository directory")
	listen := flags.String("listen", "", "listen address (host:port); empty disables inbound connections")
	transportName := flags.String("transport", "quic", "transport to use (quic or tcp)")
	connect := flags.String("connect", "", "comma-separated peer addresses to connect to")
	logLevel := flags.String("log-level", "info", "log level (debug, info, warn, error)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q", *logLevel)
	}
	logger.SetLevel(level)

	self, err := loadOrCreatePeerID(*dataDir)
	if err != nil {
		return err
	}

	store, err := blockstore.OpenBadger(filepath.Join(*dataDir, "blocks"))
	if err != nil {
		return err
	}

	tr, err := newTransport(*transportName)
	if err != nil {
		return err
	}
	tlsConfig, err := ephemeralTLSConfig()
	if err != nil {
		return err
	}

	network, err := transport.NewNetwork(transport.NetworkConfig{
		Self:       self,
		Transport:  tr,
		ListenAddr: *listen,
		TLS:        tlsConfig,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	n, err := node.New(ctx, node.Config{
		Network:   network,
		Store:     store,
		Datastore: store.Datastore(),
		Finder:    discovery.NewStatic(30 * time.Minute),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("Peer: %s\n", self)
	if addr := network.ListenAddr(); addr != nil {
		fmt.Printf("Listening on %s (%s)\n", addr, *transportName)
	}

	if *connect != "" {
		for _, addr := range strings.Split(*connect, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			peer, err := network.Connect(dialCtx, addr)
			cancel()
			if err != nil {
				logger.WithError(err).Warnf("connect to %s failed", addr)
				continue
			}
			fmt.Printf("Connected to %s at %s\n", peer, addr)
		}
	}

	// Run until interrupted
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	fmt.Println("Daemon running. Press Ctrl+C to stop.")
	<-sigCh

	fmt.Println("Shutting down...")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("node stop failed")
	}
	return network.Stop()
}

// idCommand implements the id subcommand
func idCommand(args []string) error {
	flags := flag.NewFlagSet("id", flag.ExitOnError)
	dataDir := flags.String("data", defaultDataDir(), "repository directory")
	if err := flags.Parse(args); err != nil {
		return err
	}

	self, err := loadOrCreatePeerID(*dataDir)
	if err != nil {
		return err
	}
	fmt.Printf("Peer: %s\n", self)
	return nil
}

// gcCommand implements the gc subcommand against a stopped repository
func gcCommand(args []string) error {
	flags := flag.NewFlagSet("gc", flag.ExitOnError)
	dataDir := flags.String("data", defaultDataDir(), "repository directory")
	if err := flags.Parse(args); err != nil {
		return err
	}

	store, err := blockstore.OpenBadger(filepath.Join(*dataDir, "blocks"))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	pins, err := pin.NewSet(ctx, store.Datastore())
	if err != nil {
		return err
	}

	gc := pin.NewGC(store, pins, pin.GCConfig{})
	result, err := gc.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Live blocks: %d\n", result.Live)
	fmt.Printf("Removed blocks: %d\n", result.Removed)
	return nil
}
