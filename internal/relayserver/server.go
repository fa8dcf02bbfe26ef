package relayserver

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Config bundles the relay server's tunables, mirroring the relay-side
// subset of spec §6's configuration record.
type Config struct {
	StorageDir    string
	DBPath        string
	APIKey        string
	DefaultExpiry time.Duration
	PeerTimeout   time.Duration
	UploadSweep   time.Duration
	PeerSweep     time.Duration
}

func DefaultConfig(baseDir string) Config {
	return Config{
		StorageDir:    filepath.Join(baseDir, "uploads"),
		DBPath:        filepath.Join(baseDir, "relay.db"),
		DefaultExpiry: 24 * time.Hour,
		PeerTimeout:   60 * time.Second,
		UploadSweep:   10 * time.Minute,
		PeerSweep:     30 * time.Second,
	}
}

// Server is the stateless relay process of spec §4.8. Grounded on
// server.go's Server/NewServer/Handler shape, generalized from a single
// key-value API to upload, peer, search and PIN endpoints.
type Server struct {
	cfg     Config
	store   *Storage
	log     *zap.Logger
	started time.Time
}

func NewServer(cfg Config, store *Storage, log *zap.Logger) (*Server, error) {
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, store: store, log: log, started: time.Now()}, nil
}

// Handler builds the route table the way server.go's Handler() does:
// a bare ServeMux wrapped as a whole by the access-log middleware, and
// that wrapped by the auth gate.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/relay/upload", s.handleUpload)
	mux.HandleFunc("/api/relay/download/", s.handleDownload)
	mux.HandleFunc("/api/relay/status/health", s.handleHealth)
	mux.HandleFunc("/api/relay/status/", s.handleStatus)
	mux.HandleFunc("/api/peers/register", s.handleRegisterPeer)
	mux.HandleFunc("/api/peers/list", s.handleListPeers)
	mux.HandleFunc("/api/peers/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/api/files/register", s.handleRegisterFile)
	mux.HandleFunc("/api/files/search", s.handleSearchFiles)
	mux.HandleFunc("/api/pin/create", s.handleCreatePin)
	mux.HandleFunc("/api/pin/find", s.handleFindPin)

	return APIKeyMiddleware(s.cfg.APIKey, s.accessLog(mux))
}

// accessLog logs method, path and status the way logReq in http_api.go
// logs each incoming request, but structured through zap instead of the
// teacher's plain log.Printf, per the relay's ambient stack.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeJSON mirrors server.go's helper of the same name: status plus a
// single JSON-encoded value, content-type set first.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
