// Command relayd runs the stateless relay server of spec §4.8: chunked
// upload/download, peer registry, file search index and PIN registry.
// Bootstrap grounded on keysaver-server/main.go's flag/env/storage/server
// wiring, adapted to this relay's config shape and zap logging instead of
// the stdlib logger.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hoshizora-mesh/filemesh/internal/relayserver"
	"go.uber.org/zap"
)

func main() {
	var (
		port        int
		baseDir     string
		apiKey      string
		defaultExp  time.Duration
		peerTimeout time.Duration
	)
	flag.IntVar(&port, "port", 8181, "HTTP listen port")
	flag.StringVar(&baseDir, "data-dir", "./relayd-data", "directory for the upload store and database")
	flag.StringVar(&apiKey, "api-key", "", "required X-API-Key value (empty = no auth)")
	flag.DurationVar(&defaultExp, "default-expiry", 24*time.Hour, "upload session lifetime")
	flag.DurationVar(&peerTimeout, "peer-timeout", 60*time.Second, "peer eviction timeout")
	flag.Parse()

	if envKey := os.Getenv("FILEMESH_RELAY_API_KEY"); envKey != "" {
		apiKey = envKey
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := relayserver.DefaultConfig(baseDir)
	cfg.APIKey = apiKey
	cfg.DefaultExpiry = defaultExp
	cfg.PeerTimeout = peerTimeout

	store, err := relayserver.Open(cfg.DBPath)
	if err != nil {
		log.Fatal("open relay store", zap.Error(err))
	}
	defer store.Close()
	log.Info("relay store initialized", zap.String("path", cfg.DBPath))

	srv, err := relayserver.NewServer(cfg, store, log)
	if err != nil {
		log.Fatal("init relay server", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	srv.RunSweepers(ctx)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       120 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("relay server starting", zap.Int("port", port), zap.Bool("authRequired", apiKey != ""))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("relay server error", zap.Error(err))
	}
	log.Info("relay server stopped")
}
