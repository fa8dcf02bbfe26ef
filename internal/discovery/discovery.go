// Package discovery implements LAN peer announcement and liveness tracking
// (spec §4.3): a signed multicast beacon loop grounded on go-node's
// discover.go startBroadcaster/startListener, generalized from a symmetric
// beaconKey to per-peer Ed25519 signatures so any listener can verify a
// beacon without sharing a group secret.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hoshizora-mesh/filemesh/internal/logging"
	"github.com/hoshizora-mesh/filemesh/internal/peerstore"
	"github.com/hoshizora-mesh/filemesh/internal/security"
)

// MulticastGroup and MulticastPort mirror discover.go's MCGroup/MCPort defaults.
const (
	MulticastGroup = "239.42.42.42"
	MulticastPort  = 42424
	beaconTag      = "beacon"
)

// State is a peer's liveness state machine, spec §4.3: Unknown → Seen →
// Alive → Stale → Lost.
type State string

const (
	StateUnknown State = "unknown"
	StateSeen    State = "seen"
	StateAlive   State = "alive"
	StateStale   State = "stale"
	StateLost    State = "lost"
)

// Beacon is the signed payload broadcast on the multicast group, replacing
// discover.go's encrypted Beacon struct (which relied on a pre-shared
// symmetric beaconKey) with a publicly verifiable signature.
type Beacon struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	SignPubB64  string `json:"signPub"`
	AgreePubB64 string `json:"agreePub"`
	APIPort     int    `json:"apiPort"`
	Timestamp   int64  `json:"ts"`
	SigB64      string `json:"sig"`
}

func (b Beacon) body() []byte {
	type unsigned struct {
		PeerID      string
		DisplayName string
		SignPubB64  string
		AgreePubB64 string
		APIPort     int
		Timestamp   int64
	}
	j, _ := json.Marshal(unsigned{b.PeerID, b.DisplayName, b.SignPubB64, b.AgreePubB64, b.APIPort, b.Timestamp})
	return j
}

// EventKind distinguishes discovery events delivered on the channel
// returned by Listener.Events, replacing a listener-callback interface with
// a variant-event channel per spec §9's guidance on Go-idiomatic eventing.
type EventKind string

const (
	EventPeerDiscovered EventKind = "peer_discovered"
	EventPeerLost       EventKind = "peer_lost"
)

type Event struct {
	Kind EventKind
	Peer peerstore.PeerIdentity
}

// Broadcaster periodically announces this node's presence on the LAN
// multicast group, the signed generalization of discover.go's
// startBroadcaster.
type Broadcaster struct {
	id       *security.Identity
	peerID   string
	display  string
	apiPort  int
	interval time.Duration
	log      *logging.Logger
}

func NewBroadcaster(id *security.Identity, peerID, display string, apiPort int, interval time.Duration) *Broadcaster {
	return &Broadcaster{id: id, peerID: peerID, display: display, apiPort: apiPort, interval: interval, log: logging.New("broadcast")}
}

// Run sends beacons until ctx is cancelled, mirroring startBroadcaster's
// ticker-driven loop.
func (b *Broadcaster) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", MulticastGroup, MulticastPort))
	if err != nil {
		return fmt.Errorf("resolve multicast addr: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("dial multicast: %w", err)
	}
	b.log.Printf("-> %s every %s", addr, b.interval)

	ticker := time.NewTicker(b.interval)
	go func() {
		defer conn.Close()
		defer ticker.Stop()
		b.sendOnce(conn)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sendOnce(conn)
			}
		}
	}()
	return nil
}

func (b *Broadcaster) sendOnce(conn *net.UDPConn) {
	beacon := Beacon{
		PeerID:      b.peerID,
		DisplayName: b.display,
		SignPubB64:  b.id.SignPubB64(),
		AgreePubB64: b.id.AgreePubB64(),
		APIPort:     b.apiPort,
		Timestamp:   time.Now().Unix(),
	}
	beacon.SigB64 = security.SignB64(b.id, beacon.body())

	pkt, err := json.Marshal(beacon)
	if err != nil {
		b.log.Printf("marshal beacon: %v", err)
		return
	}
	if _, err := conn.Write(pkt); err != nil {
		b.log.Printf("write fail: %v", err)
		return
	}
}

// Listener joins the multicast group, verifies incoming beacons, and
// updates a peerstore.Store, the verified generalization of discover.go's
// startListener.
type Listener struct {
	store      *peerstore.Store
	selfPeerID string
	events     chan Event
	log        *logging.Logger

	stateMu sync.Mutex
	states  map[string]State
}

func NewListener(store *peerstore.Store, selfPeerID string) *Listener {
	return &Listener{
		store:      store,
		selfPeerID: selfPeerID,
		events:     make(chan Event, 64),
		log:        logging.New("listen"),
		states:     make(map[string]State),
	}
}

// Events returns the channel discovery events are delivered on.
func (l *Listener) Events() <-chan Event {
	return l.events
}

// Run joins the multicast group and processes beacons until ctx is
// cancelled.
func (l *Listener) Run(ctx context.Context, iface *net.Interface) error {
	groupIP := net.ParseIP(MulticastGroup)
	if groupIP == nil {
		return fmt.Errorf("invalid multicast group %s", MulticastGroup)
	}
	laddr := &net.UDPAddr{IP: groupIP, Port: MulticastPort}

	conn, err := net.ListenMulticastUDP("udp", iface, laddr)
	if err != nil {
		return fmt.Errorf("join multicast: %w", err)
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		l.log.Printf("set read buffer: %v", err)
	}
	l.log.Printf("joined %s:%d", MulticastGroup, MulticastPort)

	go func() {
		defer conn.Close()
		buf := make([]byte, 65535)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				n, src, err := conn.ReadFromUDP(buf)
				if err != nil {
					if ne, ok := err.(net.Error); ok && ne.Timeout() {
						continue
					}
					l.log.Printf("read error: %v", err)
					continue
				}
				l.handlePacket(buf[:n], src)
			}
		}
	}()
	return nil
}

func (l *Listener) handlePacket(raw []byte, src *net.UDPAddr) {
	var b Beacon
	if err := json.Unmarshal(raw, &b); err != nil {
		return
	}
	if b.PeerID == l.selfPeerID {
		return
	}
	pub, err := security.DecodePub(b.SignPubB64)
	if err != nil {
		return
	}
	sig, err := security.DecodeSigB64(b.SigB64)
	if err != nil || !security.Verify(pub, b.body(), sig) {
		l.log.Printf("rejected beacon from %s: bad signature", b.PeerID)
		return
	}

	addr := net.JoinHostPort(src.IP.String(), strconv.Itoa(b.APIPort))
	peerRec := peerstore.PeerIdentity{
		PeerID:      b.PeerID,
		DisplayName: b.DisplayName,
		SignPubB64:  b.SignPubB64,
		AgreePubB64: b.AgreePubB64,
		Addr:        addr,
		LastSeen:    time.Now(),
	}

	// Verification uses the sender's public key from the payload on first
	// contact, and the pinned key thereafter (spec §4.3); a beacon
	// claiming a known peerId under a different signing key is rejected
	// outright rather than silently overwriting the stored identity.
	if err := l.store.UpsertPinned(peerRec); err != nil {
		l.log.Printf("rejected beacon from %s: %v", b.PeerID, err)
		return
	}

	if discovered := l.advance(b.PeerID) == StateSeen; discovered {
		select {
		case l.events <- Event{Kind: EventPeerDiscovered, Peer: peerRec}:
		default:
		}
	}
}

// advance drives one step of spec §4.3's Unknown → Seen → Alive state
// machine on receipt of a verified beacon and returns the peer's new
// state: the first verified beacon moves a peer from Unknown to Seen
// (firing onPeerDiscovered), and every beacon after that — including one
// received while the peer was Stale — moves it to (or keeps it at) Alive.
func (l *Listener) advance(peerID string) State {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	prev, known := l.states[peerID]
	if !known || prev == StateUnknown {
		l.states[peerID] = StateSeen
		return StateSeen
	}
	l.states[peerID] = StateAlive
	return StateAlive
}

// RunStaleSweep drives the Alive → Stale → Lost tail of spec §4.3's state
// machine on heartbeatInterval-sized thresholds (Stale after one missed
// interval, Lost and evicted after three), checking every sweepInterval.
// This is the active counterpart to discover.go's passive per-packet
// LastSeen updates, which only ever tracked presence, never staleness.
func (l *Listener) RunStaleSweep(ctx context.Context, heartbeatInterval, sweepInterval time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweepOnce(heartbeatInterval)
		}
	}
}

func (l *Listener) sweepOnce(heartbeatInterval time.Duration) {
	staleAfter := heartbeatInterval
	lostAfter := 3 * heartbeatInterval
	now := time.Now()

	for _, p := range l.store.List() {
		elapsed := now.Sub(p.LastSeen)

		l.stateMu.Lock()
		state := l.states[p.PeerID]
		switch {
		case elapsed > lostAfter && (state == StateAlive || state == StateStale):
			l.states[p.PeerID] = StateLost
			delete(l.states, p.PeerID)
			l.stateMu.Unlock()

			l.store.Remove(p.PeerID)
			select {
			case l.events <- Event{Kind: EventPeerLost, Peer: p}:
			default:
			}
		case elapsed > staleAfter && (state == StateAlive || state == StateSeen):
			l.states[p.PeerID] = StateStale
			l.stateMu.Unlock()
		default:
			l.stateMu.Unlock()
		}
	}
}
