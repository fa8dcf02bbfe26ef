package main

import (
	"fmt"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hoshizora-mesh/filemesh/internal/peerstore"
	"github.com/hoshizora-mesh/filemesh/internal/preview"
	"github.com/hoshizora-mesh/filemesh/internal/security"
	"github.com/stretchr/testify/require"
)

func signPreviewRequest(t *testing.T, id *security.Identity, fileHash, peerID string, ts time.Time) (string, string) {
	t.Helper()
	tsRaw := strconv.FormatInt(ts.Unix(), 10)
	msg := []byte(fmt.Sprintf("preview:%s:%s:%s", fileHash, peerID, tsRaw))
	return tsRaw, security.SignB64(id, msg)
}

// TestAuthenticatePreviewCallerAcceptsValidProof exercises spec §4.10's
// permission gate the way it is actually reached in production: through
// the HTTP handler, not by calling internal/preview.Store directly.
func TestAuthenticatePreviewCallerAcceptsValidProof(t *testing.T) {
	id, err := security.NewIdentity()
	require.NoError(t, err)

	peers := peerstore.New()
	peers.Upsert(peerstore.PeerIdentity{PeerID: "peer-a", SignPubB64: id.SignPubB64()})
	n := &Node{peers: peers}

	tsRaw, sig := signPreviewRequest(t, id, "hash-1", "peer-a", time.Now())
	url := fmt.Sprintf("/api/preview/manifest?fileHash=hash-1&peerId=peer-a&ts=%s&sig=%s", tsRaw, sig)
	r := httptest.NewRequest("GET", url, nil)

	peerID, err := n.authenticatePreviewCaller(r, "hash-1")
	require.NoError(t, err)
	require.Equal(t, "peer-a", peerID)
}

// TestAuthenticatePreviewCallerRejectsForgedPeerID is the regression test
// for the unauthenticated-query-param bypass: a requester cannot simply
// set ?peerId= to a trusted peer's ID without that peer's signing key.
func TestAuthenticatePreviewCallerRejectsForgedPeerID(t *testing.T) {
	trusted, err := security.NewIdentity()
	require.NoError(t, err)
	impostor, err := security.NewIdentity()
	require.NoError(t, err)

	peers := peerstore.New()
	peers.Upsert(peerstore.PeerIdentity{PeerID: "peer-a", SignPubB64: trusted.SignPubB64()})
	n := &Node{peers: peers}

	// impostor signs the request but claims to be peer-a.
	tsRaw, sig := signPreviewRequest(t, impostor, "hash-1", "peer-a", time.Now())
	url := fmt.Sprintf("/api/preview/manifest?fileHash=hash-1&peerId=peer-a&ts=%s&sig=%s", tsRaw, sig)
	r := httptest.NewRequest("GET", url, nil)

	_, err = n.authenticatePreviewCaller(r, "hash-1")
	require.Error(t, err)
}

func TestAuthenticatePreviewCallerRejectsUnknownPeer(t *testing.T) {
	id, err := security.NewIdentity()
	require.NoError(t, err)
	n := &Node{peers: peerstore.New()}

	tsRaw, sig := signPreviewRequest(t, id, "hash-1", "ghost-peer", time.Now())
	url := fmt.Sprintf("/api/preview/manifest?fileHash=hash-1&peerId=ghost-peer&ts=%s&sig=%s", tsRaw, sig)
	r := httptest.NewRequest("GET", url, nil)

	_, err = n.authenticatePreviewCaller(r, "hash-1")
	require.Error(t, err)
}

func TestAuthenticatePreviewCallerRejectsStaleTimestamp(t *testing.T) {
	id, err := security.NewIdentity()
	require.NoError(t, err)

	peers := peerstore.New()
	peers.Upsert(peerstore.PeerIdentity{PeerID: "peer-a", SignPubB64: id.SignPubB64()})
	n := &Node{peers: peers}

	tsRaw, sig := signPreviewRequest(t, id, "hash-1", "peer-a", time.Now().Add(-time.Hour))
	url := fmt.Sprintf("/api/preview/manifest?fileHash=hash-1&peerId=peer-a&ts=%s&sig=%s", tsRaw, sig)
	r := httptest.NewRequest("GET", url, nil)

	_, err = n.authenticatePreviewCaller(r, "hash-1")
	require.Error(t, err)
}

// TestHandlePreviewManifestEndToEndRejectsUnauthenticatedCaller drives the
// full HTTP handler (not just the auth helper) to confirm an
// unauthenticated ?peerId= claim never reaches preview.Store.GetManifest.
func TestHandlePreviewManifestEndToEndRejectsUnauthenticatedCaller(t *testing.T) {
	store := preview.NewStore()
	store.Put(preview.Manifest{
		FileHash:         "hash-1",
		AllowPreview:     true,
		TrustedPeersOnly: map[string]struct{}{"peer-a": {}},
	})
	n := &Node{peers: peerstore.New(), previews: store}

	r := httptest.NewRequest("GET", "/api/preview/manifest?fileHash=hash-1&peerId=peer-a", nil)
	w := httptest.NewRecorder()
	n.handlePreviewManifest(w, r)

	require.Equal(t, 401, w.Code)
}
