package pin

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/hoshizora-mesh/filemesh/internal/logging"
	"github.com/hoshizora-mesh/filemesh/internal/peerstore"
)

// AnnouncePath is the conventional route a receiving node exposes for
// incoming signed PIN sessions, mirrored by Receive below.
const AnnouncePath = "/api/pin/announce"

var broadcastLog = logging.New("pin")

// broadcastToPeers posts the signed session to every known peer's
// AnnouncePath, the unicast-fanout generalization of command_sync.go's
// broadcastToPeers (there, one JSON command to every peer's /p2p/command;
// here, one signed PinSession to every peer's /api/pin/announce).
func broadcastToPeers(s Session, peers *peerstore.Store) int {
	if peers == nil {
		return 0
	}
	body, err := json.Marshal(s)
	if err != nil {
		broadcastLog.Printf("marshal session: %v", err)
		return 0
	}

	sent := 0
	for _, p := range peers.List() {
		if p.Addr == "" || p.PeerID == s.OwnerPeerID {
			continue
		}
		url := "http://" + p.Addr + AnnouncePath
		resp, err := http.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			broadcastLog.Printf("announce to %s failed: %v", p.Addr, err)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		sent++
	}
	return sent
}

// Receive handles an inbound POST to AnnouncePath: verify the session's
// signature and, on success, insert it into the local cache. Matching
// spec §4.9's "Receivers verify the signature against the advertised
// public key and, on success, store the PinSession in a global cache."
// A failed verification is dropped silently, spec §9's "listener errors
// must not poison the emitter" guidance applied to an untrusted peer
// broadcast rather than a local listener.
func Receive(cache *Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var s Session
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !Verify(s) {
			broadcastLog.Printf("rejected forged pin session for pin %s", s.PIN)
			w.WriteHeader(http.StatusOK) // drop silently; do not leak verification outcome
			return
		}
		cache.Insert(s)
		w.WriteHeader(http.StatusOK)
	}
}
