package discovery

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/hoshizora-mesh/filemesh/internal/peerstore"
	"github.com/hoshizora-mesh/filemesh/internal/security"
	"github.com/stretchr/testify/require"
)

func TestBeaconSignatureRoundTrip(t *testing.T) {
	id, err := security.NewIdentity()
	require.NoError(t, err)

	b := Beacon{
		PeerID:      "peer-1",
		DisplayName: "alice",
		SignPubB64:  id.SignPubB64(),
		AgreePubB64: id.AgreePubB64(),
		APIPort:     7777,
		Timestamp:   time.Now().Unix(),
	}
	b.SigB64 = security.SignB64(id, b.body())

	pub, err := security.DecodePub(b.SignPubB64)
	require.NoError(t, err)
	sig, err := security.DecodeSigB64(b.SigB64)
	require.NoError(t, err)
	require.True(t, security.Verify(pub, b.body(), sig))
}

func TestBeaconSignatureRejectsTamperedPayload(t *testing.T) {
	id, err := security.NewIdentity()
	require.NoError(t, err)

	b := Beacon{
		PeerID:     "peer-1",
		SignPubB64: id.SignPubB64(),
		APIPort:    7777,
		Timestamp:  time.Now().Unix(),
	}
	b.SigB64 = security.SignB64(id, b.body())
	b.APIPort = 9999 // tamper after signing

	pub, _ := security.DecodePub(b.SignPubB64)
	sig, _ := security.DecodeSigB64(b.SigB64)
	require.False(t, security.Verify(pub, b.body(), sig))
}

func TestListenerIgnoresOwnBeacon(t *testing.T) {
	id, err := security.NewIdentity()
	require.NoError(t, err)

	store := peerstore.New()
	l := NewListener(store, "self-peer")

	b := Beacon{
		PeerID:     "self-peer",
		SignPubB64: id.SignPubB64(),
		APIPort:    7777,
		Timestamp:  time.Now().Unix(),
	}
	b.SigB64 = security.SignB64(id, b.body())
	raw, err := json.Marshal(b)
	require.NoError(t, err)

	l.handlePacket(raw, nil)
	require.Empty(t, store.List())
}

func signedBeacon(t *testing.T, id *security.Identity, peerID string) Beacon {
	t.Helper()
	b := Beacon{
		PeerID:      peerID,
		SignPubB64:  id.SignPubB64(),
		AgreePubB64: id.AgreePubB64(),
		APIPort:     7777,
		Timestamp:   time.Now().Unix(),
	}
	b.SigB64 = security.SignB64(id, b.body())
	return b
}

func packetFrom(t *testing.T, b Beacon) ([]byte, *net.UDPAddr) {
	t.Helper()
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	return raw, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}
}

func TestHandlePacketAcceptsFirstContact(t *testing.T) {
	id, err := security.NewIdentity()
	require.NoError(t, err)

	store := peerstore.New()
	l := NewListener(store, "self-peer")

	raw, src := packetFrom(t, signedBeacon(t, id, "peer-1"))
	l.handlePacket(raw, src)

	p, ok := store.Get("peer-1")
	require.True(t, ok)
	require.Equal(t, id.SignPubB64(), p.SignPubB64)

	select {
	case ev := <-l.Events():
		require.Equal(t, EventPeerDiscovered, ev.Kind)
	default:
		t.Fatal("expected a discovered event on first contact")
	}
}

// TestHandlePacketRejectsKeyMismatch is the regression test for spec §3/
// §4.3's key-pinning invariant: a beacon claiming an already-known peerId
// under a different signing key must be dropped, not silently accepted
// and used to overwrite the pinned identity.
func TestHandlePacketRejectsKeyMismatch(t *testing.T) {
	original, err := security.NewIdentity()
	require.NoError(t, err)
	impostor, err := security.NewIdentity()
	require.NoError(t, err)

	store := peerstore.New()
	l := NewListener(store, "self-peer")

	raw, src := packetFrom(t, signedBeacon(t, original, "peer-1"))
	l.handlePacket(raw, src)
	<-l.Events() // drain the discovered event

	raw2, src2 := packetFrom(t, signedBeacon(t, impostor, "peer-1"))
	l.handlePacket(raw2, src2)

	p, ok := store.Get("peer-1")
	require.True(t, ok)
	require.Equal(t, original.SignPubB64(), p.SignPubB64, "pinned key must not be overwritten by an impostor beacon")

	select {
	case ev := <-l.Events():
		t.Fatalf("unexpected event after rejected beacon: %+v", ev)
	default:
	}
}

func TestListenerStateMachineSeenThenAlive(t *testing.T) {
	id, err := security.NewIdentity()
	require.NoError(t, err)

	store := peerstore.New()
	l := NewListener(store, "self-peer")

	raw, src := packetFrom(t, signedBeacon(t, id, "peer-1"))
	l.handlePacket(raw, src)
	require.Equal(t, StateSeen, l.states["peer-1"])
	<-l.Events()

	raw2, src2 := packetFrom(t, signedBeacon(t, id, "peer-1"))
	l.handlePacket(raw2, src2)
	require.Equal(t, StateAlive, l.states["peer-1"])

	select {
	case ev := <-l.Events():
		t.Fatalf("second beacon must not re-fire onPeerDiscovered: %+v", ev)
	default:
	}
}

func TestSweepOnceMarksStaleThenEvictsLost(t *testing.T) {
	store := peerstore.New()
	l := NewListener(store, "self-peer")

	const heartbeat = 10 * time.Second
	require.NoError(t, store.UpsertPinned(peerstore.PeerIdentity{
		PeerID:   "peer-1",
		LastSeen: time.Now().Add(-2 * heartbeat),
	}))
	l.states["peer-1"] = StateAlive

	l.sweepOnce(heartbeat)
	require.Equal(t, StateStale, l.states["peer-1"])
	_, stillKnown := store.Get("peer-1")
	require.True(t, stillKnown, "a merely stale peer is not evicted yet")

	l.states["peer-1"] = StateStale
	store.Touch("peer-1", time.Now().Add(-4*heartbeat))
	l.sweepOnce(heartbeat)

	_, known := store.Get("peer-1")
	require.False(t, known, "a peer past the lost threshold must be evicted")
	select {
	case ev := <-l.Events():
		require.Equal(t, EventPeerLost, ev.Kind)
	default:
		t.Fatal("expected an onPeerLost event")
	}
}
