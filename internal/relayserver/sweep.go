package relayserver

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
)

// RunSweepers starts three periodic cleanup tasks: uploads/files every
// UploadSweep (default 10 min), peers every PeerSweep (default 30 s), and
// expired PINs (sweepPins). Grounded on peers_autosave.go's ticker-loop
// shape, generalized to three independent goroutines instead of one.
func (s *Server) RunSweepers(ctx context.Context) {
	go s.sweepUploadsAndFiles(ctx)
	go s.sweepPeers(ctx)
	go s.sweepPins(ctx)
}

func (s *Server) sweepUploadsAndFiles(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.UploadSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpiredUploads()
			if n, err := s.store.PurgeFilesOlderThan(s.cfg.UploadSweep); err == nil && n > 0 {
				s.log.Info("purged stale search index entries", zap.Int("count", n))
			}
		}
	}
}

// sweepExpiredUploads deletes each expired upload's file from disk before
// removing its bookkeeping row, per §4.8: "Expired uploads have their
// file deleted from disk before removal from memory."
func (s *Server) sweepExpiredUploads() {
	expired, err := s.store.ExpiredUploads(time.Now())
	if err != nil {
		s.log.Error("list expired uploads", zap.Error(err))
		return
	}
	for _, rec := range expired {
		path := uploadPath(s.cfg.StorageDir, rec.UploadID, rec.FileName)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("remove expired upload file", zap.String("uploadId", rec.UploadID), zap.Error(err))
		}
		if err := s.store.DeleteUpload(rec.UploadID); err != nil {
			s.log.Error("delete expired upload record", zap.String("uploadId", rec.UploadID), zap.Error(err))
			continue
		}
		s.log.Info("expired upload reaped", zap.String("uploadId", rec.UploadID))
	}
}

func (s *Server) sweepPeers(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PeerSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.store.EvictStalePeers(s.cfg.PeerTimeout); err == nil && n > 0 {
				s.log.Info("evicted stale peers", zap.Int("count", n))
			} else if err != nil {
				s.log.Error("evict stale peers", zap.Error(err))
			}
		}
	}
}

// sweepPins removes expired PIN registry entries every 5 s, matching the
// PIN service's own cadence in spec §4.9. The relay-side PIN registry has
// no onPinExpired callback to fire (that event is node-local, internal/pin),
// it only needs to stop answering GET /api/pin/find for the entry.
func (s *Server) sweepPins(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.store.PurgeExpiredPins(); err == nil && n > 0 {
				s.log.Info("purged expired pins", zap.Int("count", n))
			}
		}
	}
}
