package relayclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/hoshizora-mesh/filemesh/internal/security"
	"github.com/hoshizora-mesh/filemesh/internal/xerrors"
	"github.com/stretchr/testify/require"
)

// fakeRelay is a minimal in-memory stand-in for the relay server, enough
// to exercise the client's upload/download/status paths without spinning
// up internal/relayserver.
func fakeRelay(t *testing.T) (*httptest.Server, *[]byte) {
	t.Helper()
	stored := &[]byte{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/relay/upload", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*stored = append(*stored, body...)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/relay/download/", func(w http.ResponseWriter, r *http.Request) {
		w.Write(*stored)
	})
	mux.HandleFunc("/api/relay/status/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(UploadStatus{UploadedSize: int64(len(*stored)), Complete: true})
	})
	return httptest.NewServer(mux), stored
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	srv, _ := fakeRelay(t)
	defer srv.Close()

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.bin")
	content := []byte("hello relay world, this is test content")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	c := New(srv.URL)
	c.ChunkSize = 8 // force multiple chunks

	ref, err := c.Upload(context.Background(), srcPath, "up-1", "sender-1", nil)
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), ref.FileSize)
	require.False(t, ref.Encrypted)

	destPath := filepath.Join(dir, "dest.bin")
	err = c.Download(context.Background(), ref, destPath, RelayDownloadOptions{VerifyHash: true}, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestUploadWithEncryption(t *testing.T) {
	srv, _ := fakeRelay(t)
	defer srv.Close()

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.bin")
	content := []byte("sensitive payload")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	key, err := security.NewChunkKey()
	require.NoError(t, err)

	c := New(srv.URL)
	ref, err := c.Upload(context.Background(), srcPath, "up-2", "sender-1", key[:])
	require.NoError(t, err)
	require.True(t, ref.Encrypted)

	destPath := filepath.Join(dir, "dest.bin")
	err = c.Download(context.Background(), ref, destPath, RelayDownloadOptions{DecryptionKey: key[:]}, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestDownloadReturnsNotFoundOn410And404(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/relay/download/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	mux.HandleFunc("/api/relay/download/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	dir := t.TempDir()

	err := c.Download(context.Background(), RelayFileRef{DownloadURL: srv.URL + "/api/relay/download/gone"}, filepath.Join(dir, "a.bin"), RelayDownloadOptions{}, nil)
	require.ErrorIs(t, err, xerrors.ErrNotFound)

	err = c.Download(context.Background(), RelayFileRef{DownloadURL: srv.URL + "/api/relay/download/missing"}, filepath.Join(dir, "b.bin"), RelayDownloadOptions{}, nil)
	require.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestUploadRetriesTransientFailure(t *testing.T) {
	attempts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/relay/upload", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.bin")
	require.NoError(t, os.WriteFile(srcPath, []byte("x"), 0o644))

	c := New(srv.URL)
	c.RetryDelay = 0
	_, err := c.Upload(context.Background(), srcPath, "up-3", "sender-1", nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, attempts, 2)
}

func TestStatus(t *testing.T) {
	srv, stored := fakeRelay(t)
	defer srv.Close()
	*stored = []byte("1234567890")

	c := New(srv.URL)
	status, err := c.Status(context.Background(), "up-1")
	require.NoError(t, err)
	require.Equal(t, int64(10), status.UploadedSize)
	require.True(t, status.Complete)
}

func TestRegisterPeerAndListPeers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/peers/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/peers/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]RemotePeer{{PeerID: "p2", DisplayName: "bob"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.RegisterPeer(context.Background(), RegisterPeerRequest{PeerID: "p1", PublicIP: "auto", Port: 7777}))

	peers, err := c.ListPeers(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "p2", peers[0].PeerID)
}

func TestCreateAndFindPin(t *testing.T) {
	var createdPin string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pin/create", func(w http.ResponseWriter, r *http.Request) {
		var req CreatePinRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		createdPin = req.PIN
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/pin/find", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pin") != createdPin {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(PinLookupResult{FileRef: RelayFileRef{FileName: "doc.pdf"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.CreatePin(context.Background(), CreatePinRequest{PIN: "482193", FileRef: RelayFileRef{FileName: "doc.pdf"}}))

	result, err := c.FindPin(context.Background(), "482193")
	require.NoError(t, err)
	require.Equal(t, "doc.pdf", result.FileRef.FileName)
}

