package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hoshizora-mesh/filemesh/internal/config"
	"github.com/hoshizora-mesh/filemesh/internal/discovery"
	"github.com/hoshizora-mesh/filemesh/internal/logging"
	"github.com/hoshizora-mesh/filemesh/internal/peerstore"
	"github.com/hoshizora-mesh/filemesh/internal/pin"
	"github.com/hoshizora-mesh/filemesh/internal/preview"
	"github.com/hoshizora-mesh/filemesh/internal/relayclient"
	"github.com/hoshizora-mesh/filemesh/internal/search"
	"github.com/hoshizora-mesh/filemesh/internal/security"
)

func main() {
	nodeDefaults := config.DefaultNode()
	relayDefaults := config.Default()

	var (
		dataDir      string
		displayName  string
		listenPort   int
		apiPort      int
		relayURL     string
		identityPass string
		forceRelay   bool
	)
	flag.StringVar(&dataDir, "data-dir", "./filemeshd-data", "directory for identity and peer cache")
	flag.StringVar(&displayName, "name", "", "this node's display name")
	flag.IntVar(&listenPort, "listen-port", 0, "libp2p TCP listen port (0 = OS-assigned)")
	flag.IntVar(&apiPort, "api-port", 8787, "local control HTTP API port, also advertised on the discovery beacon")
	flag.StringVar(&relayURL, "relay-url", relayDefaults.ServerURL, "relay server base URL")
	flag.StringVar(&identityPass, "identity-passphrase", "", "passphrase sealing the identity file on disk")
	flag.BoolVar(&forceRelay, "force-relay", false, "always prefer the relay path over direct transfer")
	flag.Parse()

	if envName := os.Getenv("FILEMESH_DISPLAY_NAME"); envName != "" && displayName == "" {
		displayName = envName
	}
	if envPass := os.Getenv("FILEMESH_IDENTITY_PASSPHRASE"); envPass != "" {
		identityPass = envPass
	}

	log := logging.New("main")

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		log.Printf("create data dir: %v", err)
		os.Exit(1)
	}

	id, err := loadOrCreateIdentity(dataDir, identityPass)
	if err != nil {
		log.Printf("identity setup failed: %v", err)
		os.Exit(1)
	}
	selfPeerID := peerstore.DeterministicPeerID(id.SignPub)
	log.Printf("node identity ready: peerId=%s", selfPeerID)

	peers := peerstore.New()
	peerCachePath := filepath.Join(dataDir, "peers.enc")
	if n, err := peers.LoadEncrypted(peerCachePath, peerCacheKey(id)); err != nil {
		log.Printf("load peer cache: %v", err)
	} else if n > 0 {
		log.Printf("restored %d cached peers", n)
	}

	share := newShareRegistry()
	searchIdx := search.NewIndex()
	dedup := search.NewDedup()
	aggregator := search.NewAggregator()
	previews := preview.NewStore()
	pinCache := pin.NewCache(func(p string) { log.Printf("pin %s expired", p) })
	relay := relayclient.New(relayURL)
	relay.ChunkSize = relayDefaults.RelayChunkSize

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	node, err := newNode(ctx, id, selfPeerID, listenPort, peers, share, searchIdx, dedup, aggregator, previews, pinCache, relay)
	if err != nil {
		log.Printf("node bootstrap failed: %v", err)
		os.Exit(1)
	}
	defer node.h.Close()
	node.preferRelay = forceRelay

	for _, a := range node.h.Addrs() {
		log.Printf("listening on %s/p2p/%s", a, node.h.ID())
	}

	broadcaster := discovery.NewBroadcaster(id, selfPeerID, displayName, apiPort, nodeDefaults.HeartbeatInterval)
	if err := broadcaster.Run(ctx); err != nil {
		log.Printf("start discovery broadcaster: %v", err)
	}

	listener := discovery.NewListener(peers, selfPeerID)
	if err := listener.Run(ctx, firstMulticastInterface()); err != nil {
		log.Printf("start discovery listener: %v", err)
	}
	go listener.RunStaleSweep(ctx, nodeDefaults.HeartbeatInterval, 5*time.Second)
	go consumeDiscoveryEvents(ctx, node, listener)

	go peers.RunAutoSave(ctx, peerCachePath, selfPeerID, peerCacheKey(id), 30*time.Second, logging.New("peerstore"))
	go pinCache.RunSweeper(ctx.Done())

	httpAddr := fmt.Sprintf(":%d", apiPort)
	httpSrv := node.serveHTTP(httpAddr)
	log.Printf("control api listening on %s", httpAddr)

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// loadOrCreateIdentity loads a sealed identity from dataDir, generating
// and persisting a fresh one on first run, mirroring credentials.go's
// sealed on-disk format so a restarted node keeps the same PeerID.
func loadOrCreateIdentity(dataDir, passphrase string) (*security.Identity, error) {
	path := filepath.Join(dataDir, "identity.sealed")
	pass := []byte(passphrase)

	if _, err := os.Stat(path); err == nil {
		return security.LoadIdentity(path, pass)
	}

	id, err := security.NewIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := security.SaveIdentity(path, id, pass); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return id, nil
}

// peerCacheKey derives the symmetric key sealing the on-disk peer cache
// from this node's own signing key, so no separate secret needs managing.
func peerCacheKey(id *security.Identity) []byte {
	k, _ := security.DeriveKey(id.SigningKey(), "filemesh-peer-cache-v1", 32)
	return k
}

// consumeDiscoveryEvents keeps the node's libp2p<->filemesh peer-ID index
// in sync with whatever the LAN beacon discovers: each newly discovered
// peer's signing key is registered via registerPeerMapping. It does not
// dial the peer.
func consumeDiscoveryEvents(ctx context.Context, node *Node, listener *discovery.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-listener.Events():
			if !ok {
				return
			}
			if ev.Kind != discovery.EventPeerDiscovered {
				continue
			}
			signPub, err := decodeSignPub(ev.Peer.SignPubB64)
			if err == nil {
				node.registerPeerMapping(ev.Peer.PeerID, signPub)
			}
		}
	}
}

func decodeSignPub(b64 string) ([]byte, error) {
	pub, err := security.DecodePub(b64)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// firstMulticastInterface finds a network interface suitable for the
// discovery multicast join, falling back to nil (every interface) when
// none is obviously eligible, mirroring discover.go's "any interface with
// multicast support" default.
func firstMulticastInterface() *net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagMulticast != 0 && iface.Flags&net.FlagUp != 0 {
			ifc := iface
			return &ifc
		}
	}
	return nil
}
