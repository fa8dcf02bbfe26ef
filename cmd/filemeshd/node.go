// Command filemeshd is the peer-to-peer node process: discovery, resumable
// chunked transfer, flooded search, PIN rendezvous, and preview serving.
// The direct transfer channel is grounded on go-node's node.go
// newNode/pingLoop/handleFileStream, generalized from a single JSON-probe
// stream carrying FileManifest/FileChunk values to the framed
// internal/wire command protocol, and from a hardcoded group AEAD key to
// per-recipient key wrapping via internal/security.WrapKey.
package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"

	"github.com/hoshizora-mesh/filemesh/internal/logging"
	"github.com/hoshizora-mesh/filemesh/internal/peerstore"
	"github.com/hoshizora-mesh/filemesh/internal/pin"
	"github.com/hoshizora-mesh/filemesh/internal/preview"
	"github.com/hoshizora-mesh/filemesh/internal/relayclient"
	"github.com/hoshizora-mesh/filemesh/internal/search"
	"github.com/hoshizora-mesh/filemesh/internal/security"
)

// protoTransfer is the libp2p protocol ID the direct transfer wire
// protocol rides on, replacing node.go's protoFile.
const protoTransfer = "/filemesh/transfer/1.0.0"

const mdnsTag = "filemesh-mdns"

// Node bundles the libp2p host with the mesh state every handler needs,
// replacing node.go's single-purpose chat/file Node with one wired to the
// full set of internal services.
type Node struct {
	h  host.Host
	id *security.Identity

	selfPeerID string
	peers      *peerstore.Store
	share      *shareRegistry
	searchIdx  *search.Index
	dedup      *search.Dedup
	aggregator *search.Aggregator
	previews   *preview.Store
	pins       *pin.Cache
	relay      *relayclient.Client

	latMu sync.Mutex
	rtts  map[peer.ID]time.Duration

	idxMu         sync.Mutex
	libp2pIndex   map[peer.ID]string // libp2p peer.ID -> filemesh peerID
	filemeshIndex map[string]peer.ID // filemesh peerID -> libp2p peer.ID

	preferRelay bool

	log *logging.Logger
}

type mdnsNotifee struct{ h host.Host }

func (m *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	_ = m.h.Connect(context.Background(), info)
}

// ed25519LibP2PKey converts this node's signing keypair into the libp2p
// crypto.PrivKey form libp2p.Identity expects, mirroring node.go's
// crypto.KeyPairFromStdKey(&priv) conversion. Deriving the libp2p host
// identity from the same Ed25519 key the mesh already uses for signing
// means a peer's libp2p peer.ID is always computable from their
// advertised SignPub, which registerPeerMapping relies on to reconcile
// the two identity spaces without a side channel.
func ed25519LibP2PKey(id *security.Identity) (lcrypto.PrivKey, error) {
	priv := id.SigningKey()
	libPriv, _, err := lcrypto.KeyPairFromStdKey(&priv)
	if err != nil {
		return nil, err
	}
	return libPriv, nil
}

// newNode constructs the libp2p host, registers the transfer stream
// handler, starts mDNS companion discovery, and starts the ping-RTT loop.
func newNode(ctx context.Context, id *security.Identity, selfPeerID string, listenPort int, peers *peerstore.Store, share *shareRegistry, idx *search.Index, dedup *search.Dedup, agg *search.Aggregator, previews *preview.Store, pins *pin.Cache, relay *relayclient.Client) (*Node, error) {
	libPriv, err := ed25519LibP2PKey(id)
	if err != nil {
		return nil, fmt.Errorf("convert identity to libp2p key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(libPriv),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.DefaultTransports,
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort), fmt.Sprintf("/ip6/::/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	if _, err := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h}); err != nil {
		h.Close()
		return nil, fmt.Errorf("start mdns: %w", err)
	}

	n := &Node{
		h:           h,
		id:          id,
		selfPeerID:  selfPeerID,
		peers:       peers,
		share:       share,
		searchIdx:   idx,
		dedup:       dedup,
		aggregator:  agg,
		previews:    previews,
		pins:        pins,
		relay:       relay,
		rtts:          map[peer.ID]time.Duration{},
		libp2pIndex:   map[peer.ID]string{},
		filemeshIndex: map[string]peer.ID{},
		log:           logging.New("node"),
	}

	h.SetStreamHandler(protoTransfer, n.handleTransferStream)

	go n.pingLoop(ctx)
	return n, nil
}

// registerPeerMapping records the libp2p peer.ID corresponding to a
// filemesh peer once its signing key is known from a discovery beacon,
// so an inbound stream's s.Conn().RemotePeer() can be
// resolved back to a PeerIdentity for key wrapping and trust decisions.
func (n *Node) registerPeerMapping(filemeshPeerID string, signPub []byte) {
	libPub, err := lcrypto.UnmarshalEd25519PublicKey(signPub)
	if err != nil {
		n.log.Printf("bad signing key for peer %s: %v", filemeshPeerID, err)
		return
	}
	pid, err := peer.IDFromPublicKey(libPub)
	if err != nil {
		n.log.Printf("derive peer id for %s: %v", filemeshPeerID, err)
		return
	}
	n.idxMu.Lock()
	n.libp2pIndex[pid] = filemeshPeerID
	n.filemeshIndex[filemeshPeerID] = pid
	n.idxMu.Unlock()
}

func (n *Node) resolvePeerID(p peer.ID) (string, bool) {
	n.idxMu.Lock()
	defer n.idxMu.Unlock()
	id, ok := n.libp2pIndex[p]
	return id, ok
}

// libp2pPeerFor looks up the libp2p peer.ID for a filemesh PeerID,
// populated as soon as a discovery beacon reveals that peer's signing key, the download path's entry point for dialing.
func (n *Node) libp2pPeerFor(filemeshPeerID string) (peer.ID, bool) {
	n.idxMu.Lock()
	defer n.idxMu.Unlock()
	pid, ok := n.filemeshIndex[filemeshPeerID]
	return pid, ok
}

// pingLoop maintains an RTT estimate to every connected peer, read by
// nearestPeer, mirroring node.go's pingLoop.
func (n *Node) pingLoop(ctx context.Context) {
	svc := ping.NewPingService(n.h)
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		for _, pid := range n.h.Network().Peers() {
			ch := svc.Ping(ctx, pid)
			select {
			case res := <-ch:
				if res.Error == nil {
					n.latMu.Lock()
					n.rtts[pid] = res.RTT
					n.latMu.Unlock()
				}
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// nearestPeer returns the connected peer with the lowest measured RTT, as
// reported by the nearest-peer HTTP route. The transfer dispatch in
// internal/transfer does not consult RTTs.
func (n *Node) nearestPeer() (peer.ID, time.Duration) {
	n.latMu.Lock()
	defer n.latMu.Unlock()
	type item struct {
		id  peer.ID
		rtt time.Duration
	}
	var arr []item
	for _, p := range n.h.Network().Peers() {
		arr = append(arr, item{p, n.rtts[p]})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].rtt < arr[j].rtt })
	if len(arr) == 0 {
		return "", 0
	}
	return arr[0].id, arr[0].rtt
}

// dial opens a fresh transfer stream to target, used both by the outward
// download path and by anything else in this node that needs a direct
// channel to a peer already known to libp2p (via mDNS or a prior
// connection from the discovery beacon's advertised address).
func (n *Node) dial(ctx context.Context, target peer.ID) (network.Stream, error) {
	return n.h.NewStream(ctx, target, protoTransfer)
}
