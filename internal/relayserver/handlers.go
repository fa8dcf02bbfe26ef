package relayserver

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

func uploadPath(storageDir, uploadID, fileName string) string {
	return filepath.Join(storageDir, uploadID+"_"+fileName)
}

// handleUpload stores one chunk in the upload's on-disk file
// storageDir/{uploadId}_{fileName}, writing it at offset chunkIndex ×
// chunkSize via appendChunkAt. Chunks may arrive out of order from a
// single client; each request opens its own file handle and writes only
// its own byte range.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	uploadID := r.Header.Get("X-Upload-Id")
	fileName := r.Header.Get("X-File-Name")
	senderID := r.Header.Get("X-Sender-Id")
	chunkIndexStr := r.Header.Get("X-Chunk-Index")
	if uploadID == "" || fileName == "" || chunkIndexStr == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing X-Upload-Id, X-File-Name or X-Chunk-Index"})
		return
	}
	chunkIndex, err := strconv.Atoi(chunkIndexStr)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid X-Chunk-Index"})
		return
	}
	chunkSize := relayChunkSizeHint
	if v := r.Header.Get("X-Chunk-Size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			chunkSize = n
		}
	}

	if _, err := s.store.EnsureUpload(uploadID, fileName, senderID, s.cfg.DefaultExpiry); err != nil {
		s.log.Error("ensure upload", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "read body failed"})
		return
	}

	path := uploadPath(s.cfg.StorageDir, uploadID, fileName)
	if err := appendChunkAt(path, chunkIndex, chunkSize, body); err != nil {
		s.log.Error("write chunk", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "write failed"})
		return
	}
	if err := s.store.RecordChunk(uploadID, chunkIndex, int64(len(body))); err != nil {
		s.log.Error("record chunk", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

// appendChunkAt writes a chunk at its logical chunk-index offset using a
// positioned write, matching the node's own "no shared cursor" rule (§5)
// rather than a pure sequential append, so out-of-order chunks land at
// their correct byte offset regardless of arrival order. chunkSize is the
// uniform size the client split on (every chunk but the last has this
// length), carried over X-Chunk-Size.
func appendChunkAt(path string, chunkIndex, chunkSize int, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	offset := int64(chunkIndex) * int64(chunkSize)
	_, err = f.WriteAt(data, offset)
	return err
}

// relayChunkSizeHint mirrors internal/codec.RelayChunkSize's default,
// used only when a legacy client omits X-Chunk-Size. Duplicated rather
// than imported, to keep the relay server decoupled from the node's
// chunk codec package — it only ever moves opaque bytes.
const relayChunkSizeHint = 1 << 20

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	uploadID := strings.TrimPrefix(r.URL.Path, "/api/relay/download/")
	if uploadID == "" {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}
	rec, err := s.store.GetUpload(uploadID)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown upload"})
		return
	} else if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	if time.Now().After(rec.ExpiryAt) {
		writeJSON(w, http.StatusGone, errorBody{Error: "upload expired"})
		return
	}

	path := uploadPath(s.cfg.StorageDir, rec.UploadID, rec.FileName)
	f, err := os.Open(path)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "file missing on disk"})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}

	var start int64
	status := http.StatusOK
	if rng := r.Header.Get("Range"); rng != "" {
		if v, ok := parseRangeStart(rng); ok {
			start = v
			status = http.StatusPartialContent
		}
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, info.Size()-1, info.Size()))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size()-start, 10))
	w.WriteHeader(status)
	_, _ = io.Copy(w, f)
}

// parseRangeStart extracts N from "bytes=N-", the only form spec §6
// requires the relay to honor.
func parseRangeStart(header string) (int64, bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, false
	}
	rest := strings.TrimPrefix(header, prefix)
	rest = strings.TrimSuffix(rest, "-")
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	uploadID := strings.TrimPrefix(r.URL.Path, "/api/relay/status/")
	rec, err := s.store.GetUpload(uploadID)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown upload"})
		return
	} else if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	chunks, err := s.store.ChunkCount(uploadID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uploadId":     rec.UploadID,
		"fileName":     rec.FileName,
		"uploadedSize": rec.StoredSize,
		"chunks":       chunks,
		"expired":      time.Now().After(rec.ExpiryAt),
		"complete":     rec.Complete,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	peers, _ := s.store.CountActivePeers()
	uploads, _ := s.store.CountActiveUploads()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.started).String(),
		"activePeers": peers,
		"uploads":     uploads,
	})
}

func (s *Server) handleRegisterPeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	var req struct {
		PeerID      string `json:"peerId"`
		DisplayName string `json:"displayName"`
		PublicIP    string `json:"publicIp"`
		Port        int    `json:"port"`
		PublicKey   string `json:"publicKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body"})
		return
	}
	ip := req.PublicIP
	if ip == "auto" || ip == "" {
		ip = remoteIP(r)
	}
	err := s.store.UpsertPeer(PeerRecord{
		PeerID:      req.PeerID,
		DisplayName: req.DisplayName,
		PublicIP:    ip,
		Port:        req.Port,
		PublicKey:   req.PublicKey,
		LastSeen:    time.Now(),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func remoteIP(r *http.Request) string {
	host, _, err := splitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, "", nil
	}
	return addr[:idx], addr[idx+1:], nil
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	self := r.URL.Query().Get("peerId")
	peers, err := s.store.ListPeers(self)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	out := make([]map[string]any, 0, len(peers))
	for _, p := range peers {
		out = append(out, map[string]any{
			"peerId":      p.PeerID,
			"displayName": p.DisplayName,
			"addr":        fmt.Sprintf("%s:%d", p.PublicIP, p.Port),
			"publicKey":   p.PublicKey,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	peerID := r.URL.Query().Get("peerId")
	if peerID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing peerId"})
		return
	}
	if err := s.store.TouchPeer(peerID); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown peer"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRegisterFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	var req struct {
		FileHash string `json:"fileHash"`
		FileName string `json:"fileName"`
		Size     int64  `json:"size"`
		SenderID string `json:"senderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileHash == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body"})
		return
	}
	err := s.store.RegisterFile(FileRecord{
		FileHash:     req.FileHash,
		FileName:     req.FileName,
		Size:         req.Size,
		SenderID:     req.SenderID,
		RegisteredAt: time.Now(),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleSearchFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	q := r.URL.Query().Get("q")
	exclude := r.URL.Query().Get("excludeSender")
	recs, err := s.store.SearchFiles(q, exclude)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, map[string]any{
			"fileHash": rec.FileHash,
			"fileName": rec.FileName,
			"size":     rec.Size,
			"senderId": rec.SenderID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreatePin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	var req struct {
		PIN      string          `json:"pin"`
		FileRef  json.RawMessage `json:"fileRef"`
		ExpiryAt time.Time       `json:"expiryAt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PIN == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body"})
		return
	}
	expiry := req.ExpiryAt
	if expiry.IsZero() {
		expiry = time.Now().Add(10 * time.Minute)
	}
	err := s.store.CreatePin(PinRecord{
		PIN:         req.PIN,
		FileRefJSON: string(req.FileRef),
		CreatedAt:   time.Now(),
		ExpiryAt:    expiry,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleFindPin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	pin := r.URL.Query().Get("pin")
	rec, err := s.store.FindPin(pin)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown or expired pin"})
		return
	} else if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"fileRef":` + rec.FileRefJSON + `}`))
}
