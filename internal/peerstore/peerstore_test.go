package peerstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpsertAndList(t *testing.T) {
	s := New()
	s.Upsert(PeerIdentity{PeerID: "p1", DisplayName: "alice", LastSeen: time.Now()})
	s.Upsert(PeerIdentity{PeerID: "p2", DisplayName: "bob", LastSeen: time.Now()})

	all := s.List()
	require.Len(t, all, 2)

	p, ok := s.Get("p1")
	require.True(t, ok)
	require.Equal(t, "alice", p.DisplayName)
}

func TestTouchUpdatesLastSeenOnly(t *testing.T) {
	s := New()
	old := time.Now().Add(-time.Hour)
	s.Upsert(PeerIdentity{PeerID: "p1", DisplayName: "alice", LastSeen: old})

	now := time.Now()
	require.True(t, s.Touch("p1", now))
	p, _ := s.Get("p1")
	require.Equal(t, "alice", p.DisplayName)
	require.WithinDuration(t, now, p.LastSeen, time.Millisecond)

	require.False(t, s.Touch("missing", now))
}

func TestEvictStale(t *testing.T) {
	s := New()
	s.Upsert(PeerIdentity{PeerID: "fresh", LastSeen: time.Now()})
	s.Upsert(PeerIdentity{PeerID: "stale", LastSeen: time.Now().Add(-time.Hour)})

	lost := s.EvictStale(time.Minute)
	require.Equal(t, []string{"stale"}, lost)

	all := s.List()
	require.Len(t, all, 1)
	require.Equal(t, "fresh", all[0].PeerID)
}

func TestSaveLoadEncryptedRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	s := New()
	s.Upsert(PeerIdentity{PeerID: "p1", DisplayName: "alice", LastSeen: time.Now()})
	s.Upsert(PeerIdentity{PeerID: "p2", DisplayName: "bob", LastSeen: time.Now()})

	path := filepath.Join(t.TempDir(), "peers.enc")
	require.NoError(t, s.SaveEncrypted(path, "self-id", key))

	restored := New()
	n, err := restored.LoadEncrypted(path, key)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, restored.List(), 2)
}

func TestLoadEncryptedMissingFileIsNotError(t *testing.T) {
	s := New()
	n, err := s.LoadEncrypted(filepath.Join(t.TempDir(), "missing.enc"), make([]byte, 32))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestUpsertPinnedRejectsKeyChange(t *testing.T) {
	s := New()
	require.NoError(t, s.UpsertPinned(PeerIdentity{PeerID: "p1", SignPubB64: "key-a", LastSeen: time.Now()}))

	err := s.UpsertPinned(PeerIdentity{PeerID: "p1", SignPubB64: "key-b", LastSeen: time.Now()})
	require.ErrorIs(t, err, ErrKeyMismatch)

	p, ok := s.Get("p1")
	require.True(t, ok)
	require.Equal(t, "key-a", p.SignPubB64)
}

func TestUpsertPinnedAllowsRefreshUnderSameKey(t *testing.T) {
	s := New()
	require.NoError(t, s.UpsertPinned(PeerIdentity{PeerID: "p1", SignPubB64: "key-a", DisplayName: "first", LastSeen: time.Now()}))
	require.NoError(t, s.UpsertPinned(PeerIdentity{PeerID: "p1", SignPubB64: "key-a", DisplayName: "second", LastSeen: time.Now()}))

	p, ok := s.Get("p1")
	require.True(t, ok)
	require.Equal(t, "second", p.DisplayName)
}

func TestDeterministicPeerIDStable(t *testing.T) {
	pub := make([]byte, 32)
	for i := range pub {
		pub[i] = byte(i * 3)
	}
	id1 := DeterministicPeerID(pub)
	id2 := DeterministicPeerID(pub)
	require.Equal(t, id1, id2)
	require.Len(t, id1, 16)
}
