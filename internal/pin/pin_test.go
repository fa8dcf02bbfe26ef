package pin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hoshizora-mesh/filemesh/internal/relayclient"
	"github.com/hoshizora-mesh/filemesh/internal/security"
	"github.com/stretchr/testify/require"
)

func newTestIdentity(t *testing.T) *security.Identity {
	t.Helper()
	id, err := security.NewIdentity()
	require.NoError(t, err)
	return id
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	id := newTestIdentity(t)
	s := Session{
		PIN:          "482193",
		FileName:     "doc.pdf",
		OwnerPeerID:  "owner-1",
		OwnerSignPub: id.SignPubB64(),
		ExpiryAt:     time.Now().Add(DefaultLifetime),
	}
	s.SigB64 = Sign(id, s)
	require.True(t, Verify(s))
}

// TestSignatureForgeryRejection exercises spec §8 scenario 5: a session
// claiming an owner's identity with a random signature must fail
// verification.
func TestSignatureForgeryRejection(t *testing.T) {
	id := newTestIdentity(t)
	forged := Session{
		PIN:          "111111",
		FileName:     "secret.zip",
		OwnerPeerID:  "owner-1",
		OwnerSignPub: id.SignPubB64(),
		ExpiryAt:     time.Now().Add(DefaultLifetime),
		SigB64:       "not-a-real-signature-AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
	}
	require.False(t, Verify(forged))
}

func TestDrawRedrawsOnCollision(t *testing.T) {
	live := map[string]bool{"000001": true, "000002": true}
	isLive := func(pin string) bool { return live[pin] }
	for i := 0; i < 50; i++ {
		p, err := Draw(isLive)
		require.NoError(t, err)
		require.Len(t, p, 6)
		require.False(t, live[p])
	}
}

func TestCacheInsertRejectsDuplicatePIN(t *testing.T) {
	cache := NewCache(nil)
	s1 := Session{PIN: "555555", ExpiryAt: time.Now().Add(time.Minute)}
	s2 := Session{PIN: "555555", ExpiryAt: time.Now().Add(time.Minute)}
	require.True(t, cache.Insert(s1))
	require.False(t, cache.Insert(s2))
}

func TestSweepFiresOnExpireAndRemovesEntry(t *testing.T) {
	var expired []string
	cache := NewCache(func(pin string) { expired = append(expired, pin) })
	cache.Insert(Session{PIN: "222222", ExpiryAt: time.Now().Add(-time.Second)})
	cache.Insert(Session{PIN: "333333", ExpiryAt: time.Now().Add(time.Hour)})

	cache.Sweep()

	require.Equal(t, []string{"222222"}, expired)
	_, ok := cache.Lookup("222222")
	require.False(t, ok)
	_, ok = cache.Lookup("333333")
	require.True(t, ok)
}

// TestFindFallsBackToRelay exercises spec §8 scenario 4: a PIN miss in the
// local cache is resolved via the relay's GET /api/pin/find.
func TestFindFallsBackToRelay(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pin/find", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pin") != "482193" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(relayclient.PinLookupResult{
			FileRef: relayclient.RelayFileRef{FileName: "doc.pdf", FileSize: 4096},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cache := NewCache(nil)
	relay := relayclient.New(srv.URL)

	s, err := Find(cache, relay, "482193")
	require.NoError(t, err)
	require.Equal(t, "doc.pdf", s.FileName)
	require.NotNil(t, s.FileRef)
	require.Equal(t, "relay", s.OwnerPeerID)
}

func TestFindPrefersLocalCacheOverRelay(t *testing.T) {
	cache := NewCache(nil)
	cache.Insert(Session{PIN: "100100", FileName: "local.bin", ExpiryAt: time.Now().Add(time.Minute)})

	s, err := Find(cache, nil, "100100")
	require.NoError(t, err)
	require.Equal(t, "local.bin", s.FileName)
}

func TestReceiveRejectsForgedBroadcast(t *testing.T) {
	id := newTestIdentity(t)
	cache := NewCache(nil)
	handler := Receive(cache)

	forged := Session{
		PIN:          "999999",
		FileName:     "x.bin",
		OwnerPeerID:  "owner",
		OwnerSignPub: id.SignPubB64(),
		ExpiryAt:     time.Now().Add(time.Minute),
		SigB64:       "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
	}
	body, _ := json.Marshal(forged)
	req := httptest.NewRequest(http.MethodPost, AnnouncePath, bytes.NewReader(body))
	w := httptest.NewRecorder()
	handler(w, req)

	_, ok := cache.Lookup("999999")
	require.False(t, ok)
}

func TestReceiveAcceptsValidBroadcast(t *testing.T) {
	id := newTestIdentity(t)
	cache := NewCache(nil)
	handler := Receive(cache)

	s := Session{
		PIN:          "777777",
		FileName:     "y.bin",
		OwnerPeerID:  "owner",
		OwnerSignPub: id.SignPubB64(),
		ExpiryAt:     time.Now().Add(time.Minute),
	}
	s.SigB64 = Sign(id, s)
	body, _ := json.Marshal(s)
	req := httptest.NewRequest(http.MethodPost, AnnouncePath, bytes.NewReader(body))
	w := httptest.NewRecorder()
	handler(w, req)

	got, ok := cache.Lookup("777777")
	require.True(t, ok)
	require.Equal(t, "y.bin", got.FileName)
}
