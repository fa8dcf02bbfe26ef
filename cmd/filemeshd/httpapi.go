package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hoshizora-mesh/filemesh/internal/pin"
	"github.com/hoshizora-mesh/filemesh/internal/preview"
	"github.com/hoshizora-mesh/filemesh/internal/search"
	"github.com/hoshizora-mesh/filemesh/internal/security"
)

// searchQueryPath and searchDeliverPath are the flooded-search control
// routes every node exposes alongside pin.AnnouncePath, the HTTP-unicast
// generalization of command_sync.go's /p2p/command used for PIN fanout,
// applied here to search forwarding and out-of-band result delivery.
const (
	searchQueryPath   = "/api/search/query"
	searchDeliverPath = "/api/search/deliver"
)

// serveHTTP starts this node's local control surface, the generalization
// of http_api.go's serveHTTP: identity/peers introspection, file sharing,
// flooded search, PIN rendezvous, and preview serving all live here
// rather than on the libp2p transport.
func (n *Node) serveHTTP(addr string) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/id", n.handleID)
	mux.HandleFunc("/peers", n.handlePeers)
	mux.HandleFunc("/nearest", n.handleNearest)
	mux.HandleFunc("/share", n.handleShare)
	mux.HandleFunc("/search", n.handleSearch)
	mux.HandleFunc(searchQueryPath, n.handleSearchQuery)
	mux.HandleFunc(searchDeliverPath, n.handleSearchDeliver)
	mux.HandleFunc(pin.AnnouncePath, pin.Receive(n.pins))
	mux.HandleFunc("/api/pin/create", n.handlePinCreate)
	mux.HandleFunc("/api/pin/find", n.handlePinFind)
	mux.HandleFunc("/api/preview/manifest", n.handlePreviewManifest)
	mux.HandleFunc("/api/preview/content", n.handlePreviewContent)
	mux.HandleFunc("/api/download", n.handleDownload)

	srv := &http.Server{Addr: addr, Handler: logReq(n.log, mux)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.log.Printf("control server stopped: %v", err)
		}
	}()
	return srv
}

func logReq(log interface{ Printf(string, ...any) }, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		log.Printf("%s %s <- %s", r.Method, r.URL.Path, host)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (n *Node) handleID(w http.ResponseWriter, r *http.Request) {
	type resp struct {
		PeerID     string   `json:"peerId"`
		LibP2PID   string   `json:"libp2pId"`
		SignPub    string   `json:"signPub"`
		AgreePub   string   `json:"agreePub"`
		ListenAddr []string `json:"listenAddrs"`
	}
	out := resp{PeerID: n.selfPeerID, LibP2PID: n.h.ID().String(), SignPub: n.id.SignPubB64(), AgreePub: n.id.AgreePubB64()}
	for _, a := range n.h.Addrs() {
		out.ListenAddr = append(out.ListenAddr, fmt.Sprintf("%s/p2p/%s", a, n.h.ID()))
	}
	writeJSON(w, http.StatusOK, out)
}

func (n *Node) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, n.peers.List())
}

func (n *Node) handleNearest(w http.ResponseWriter, r *http.Request) {
	id, rtt := n.nearestPeer()
	writeJSON(w, http.StatusOK, struct {
		PeerID string `json:"peerId"`
		RTT    string `json:"rtt"`
	}{id.String(), rtt.String()})
}

func (n *Node) handleShare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Path   string `json:"path"`
		FileID string `json:"fileId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.FileID == "" {
		req.FileID = search.NewRequestID()
	}

	entry, err := addFile(req.Path, req.FileID, n.share, n.searchIdx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	manifest, err := preview.Generate(preview.GenerationInput{
		FileHash:     req.FileID,
		FileName:     entry.FileName,
		FileSize:     entry.Size,
		LastModified: entry.LastModified,
		Open:         func() (preview.ReadSeekCloser, error) { return openEntry(entry.FilePath) },
	})
	if err == nil {
		n.previews.Put(preview.Sign(n.id, manifest, n.selfPeerID))
	}

	writeJSON(w, http.StatusOK, struct {
		FileID   string `json:"fileId"`
		FileName string `json:"fileName"`
		Size     int64  `json:"size"`
	}{req.FileID, entry.FileName, entry.Size})
}

// handleSearch originates a flooded query: local matches are collected
// synchronously, remote matches arrive asynchronously on searchDeliverPath
// within the 5s aggregation window, spec §4.4.
func (n *Node) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "missing q", http.StatusBadRequest)
		return
	}

	reqID := search.NewRequestID()
	n.dedup.MarkIfNew(reqID)
	ch := n.aggregator.Await(reqID, 5*time.Second)

	matches := n.searchIdx.Query(query)

	req := search.Request{RequestID: reqID, Query: query, OriginID: n.selfPeerID, TTL: search.DefaultTTL, Timestamp: time.Now().Unix()}
	for _, p := range n.peers.List() {
		go forwardSearchQuery(p.Addr, req)
	}

	deadline := time.After(5 * time.Second)
collect:
	for {
		select {
		case resp, ok := <-ch:
			if !ok {
				break collect
			}
			matches = append(matches, resp.Matches...)
		case <-deadline:
			break collect
		}
	}

	writeJSON(w, http.StatusOK, matches)
}

func (n *Node) handleSearchQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req search.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp, _ := search.HandleIncoming(n.searchIdx, n.dedup, req, n.peerAddrsExcept(req.OriginID), n.selfPeerID, n.forwardSearchFn)

	if req.OriginID == n.selfPeerID {
		n.aggregator.Deliver(resp)
	} else if originAddr, ok := n.addrOf(req.OriginID); ok {
		go deliverSearchResponse(originAddr, resp)
	}
	w.WriteHeader(http.StatusOK)
}

func (n *Node) handleSearchDeliver(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var resp search.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	n.aggregator.Deliver(resp)
	w.WriteHeader(http.StatusOK)
}

func (n *Node) forwardSearchFn(peerAddr string, req search.Request) error {
	return forwardSearchQuery(peerAddr, req)
}

func forwardSearchQuery(addr string, req search.Request) error {
	if addr == "" {
		return nil
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := http.Post("http://"+addr+searchQueryPath, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func deliverSearchResponse(addr string, resp search.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	r, err := http.Post("http://"+addr+searchDeliverPath, "application/json", bytes.NewReader(body))
	if err != nil {
		return
	}
	io.Copy(io.Discard, r.Body)
	r.Body.Close()
}

func (n *Node) peerAddrsExcept(exclude string) []string {
	var out []string
	for _, p := range n.peers.List() {
		if p.PeerID == exclude || p.Addr == "" {
			continue
		}
		out = append(out, p.Addr)
	}
	return out
}

func (n *Node) addrOf(peerID string) (string, bool) {
	p, ok := n.peers.Get(peerID)
	if !ok || p.Addr == "" {
		return "", false
	}
	return p.Addr, true
}

func (n *Node) handlePinCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		FileID    string `json:"fileId"`
		OwnerAddr string `json:"ownerAddr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	entry, ok := n.share.get(req.FileID)
	if !ok {
		http.Error(w, "unknown file", http.StatusNotFound)
		return
	}
	ownerAddr := req.OwnerAddr
	session, err := pin.Create(n.id, n.pins, n.selfPeerID, ownerAddr, entry.FileName, n.peers, nil, n.relay)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (n *Node) handlePinFind(w http.ResponseWriter, r *http.Request) {
	pinVal := r.URL.Query().Get("pin")
	if pinVal == "" {
		http.Error(w, "missing pin", http.StatusBadRequest)
		return
	}
	session, err := pin.Find(n.pins, n.relay, pinVal)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// previewAuthSkew bounds how far a preview request's ts may drift from this
// node's clock before it is rejected as stale or forged-ahead.
const previewAuthSkew = 30 * time.Second

var errUnknownPreviewCaller = errors.New("requesting peer not recognized on this mesh")

// authenticatePreviewCaller is the missing half of spec §4.10's permission
// gate: checkPermission in internal/preview trusts whatever peerId it is
// handed, so the caller's identity has to be proven before that peerId is
// accepted. A caller signs "preview:"+fileHash+":"+peerId+":"+ts with its
// own signing key; this verifies that signature against the *pinned*
// SignPubB64 already on file for peerId in n.peers (itself now guarded
// against impostor overwrites), the same proof-of-possession shape pin.go's
// Sign/Verify uses for PIN sessions.
func (n *Node) authenticatePreviewCaller(r *http.Request, fileHash string) (string, error) {
	q := r.URL.Query()
	peerID := q.Get("peerId")
	tsRaw := q.Get("ts")
	sigB64 := q.Get("sig")
	if peerID == "" || tsRaw == "" || sigB64 == "" {
		return "", errors.New("missing peerId, ts, or sig")
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad ts: %w", err)
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > previewAuthSkew {
		return "", errors.New("ts outside acceptable window")
	}

	known, ok := n.peers.Get(peerID)
	if !ok {
		return "", errUnknownPreviewCaller
	}
	pub, err := security.DecodePub(known.SignPubB64)
	if err != nil {
		return "", fmt.Errorf("stored peer key invalid: %w", err)
	}
	sig, err := security.DecodeSigB64(sigB64)
	if err != nil {
		return "", fmt.Errorf("bad sig: %w", err)
	}
	msg := []byte(fmt.Sprintf("preview:%s:%s:%s", fileHash, peerID, tsRaw))
	if !security.Verify(pub, msg, sig) {
		return "", errors.New("signature verification failed")
	}
	return peerID, nil
}

func (n *Node) handlePreviewManifest(w http.ResponseWriter, r *http.Request) {
	fileHash := r.URL.Query().Get("fileHash")
	peerID, err := n.authenticatePreviewCaller(r, fileHash)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	m, err := n.previews.GetManifest(fileHash, peerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (n *Node) handlePreviewContent(w http.ResponseWriter, r *http.Request) {
	fileHash := r.URL.Query().Get("fileHash")
	peerID, err := n.authenticatePreviewCaller(r, fileHash)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	typ := preview.AvailableType(r.URL.Query().Get("type"))
	content, err := n.previews.GetContent(fileHash, peerID, typ)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, content)
}
