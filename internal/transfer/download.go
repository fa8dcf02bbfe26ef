package transfer

import (
	"fmt"
	"os"

	"github.com/hoshizora-mesh/filemesh/internal/codec"
	"github.com/hoshizora-mesh/filemesh/internal/xerrors"
)

// ChunkFetcher requests one chunk of a file from a peer over the direct
// wire protocol and returns its decoded record. Supplied by the caller
// (the libp2p stream wiring in cmd/filemeshd) so the download loop itself
// is transport-agnostic and unit-testable.
type ChunkFetcher func(filePath string, chunkIndex, chunkSize int) (codec.Record, error)

// ProgressFunc is invoked after each chunk commits with cumulative bytes
// transferred, mirroring the "progress callback" of spec §4.5.
type ProgressFunc func(bytesTransferred int64, chunksReceived, totalChunks int)

// RunDirectDownload executes the single-task, sequential download loop of
// spec §4.5: for each missing chunk in ascending index order, fetch,
// decrypt, decompress, and commit via a positioned write, honoring pause
// and cancellation at chunk boundaries. It never fetches multiple chunks
// concurrently for the same transfer (spec §5 ordering guarantee).
func RunDirectDownload(s *State, remotePath string, key []byte, fetch ChunkFetcher, onProgress ProgressFunc) error {
	if err := s.Start(); err != nil {
		return err
	}
	if s.Status() == StatusCompleted {
		return finalizeCompletion(s)
	}

	part, err := PreallocatePart(s.SaveDirectory, s.FileName, s.Size)
	if err != nil {
		s.Fail(err.Error())
		return err
	}
	defer part.Close()

	for _, idx := range s.MissingChunks() {
		status := s.waitWhilePaused()
		if status == StatusCancelled {
			_ = DiscardPart(s.SaveDirectory, s.FileName)
			_ = RemoveSidecar(s.SaveDirectory, s.FileName)
			return xerrors.ErrCancelled
		}
		if status == StatusFailed {
			return fmt.Errorf("%w: %s", xerrors.ErrTransport, s.FailureReason())
		}

		rec, err := fetch(remotePath, idx, s.ChunkSize)
		if err != nil {
			s.Fail(err.Error())
			return fmt.Errorf("fetch chunk %d: %w", idx, err)
		}

		plain, err := codec.DecodeChunk(rec, key)
		if err != nil {
			// IntegrityError always aborts the transfer, per spec §7.
			s.Fail(err.Error())
			return err
		}

		if err := WriteChunkAt(part, idx, s.ChunkSize, plain); err != nil {
			s.Fail(err.Error())
			return err
		}

		complete := s.commitChunk(idx)
		if err := s.SaveSidecar(); err != nil {
			// Sidecar persistence failing doesn't abort an otherwise-good
			// transfer; resume just falls back to ProbeExistingPart.
			_ = err
		}

		bt, recv, total := s.Progress()
		if onProgress != nil {
			onProgress(bt, recv, total)
		}

		if complete {
			return finalizeCompletion(s)
		}
	}
	return finalizeCompletion(s)
}

func finalizeCompletion(s *State) error {
	if s.TotalChunks > 0 {
		if err := FinalizePart(s.SaveDirectory, s.FileName); err != nil {
			return fmt.Errorf("%w: finalize transfer: %v", xerrors.ErrTransport, err)
		}
	} else {
		// Zero-byte source: write an empty destination file directly, per
		// spec §8's boundary behavior (zero chunks, completed immediately).
		f, err := os.Create(finalPath(s.SaveDirectory, s.FileName))
		if err != nil {
			return fmt.Errorf("%w: create empty file: %v", xerrors.ErrTransport, err)
		}
		f.Close()
	}
	_ = RemoveSidecar(s.SaveDirectory, s.FileName)
	return nil
}

// ResumeOrNew loads a persisted TransferState if one exists for
// (peerID, fileName) or falls back to probing the `.part` file's size
// alignment, then constructs a fresh State when neither recovers anything
// useful, per spec §4.5's Resume contract.
func ResumeOrNew(transferID, peerID, fileName string, size int64, chunkSize int, saveDir string) (*State, error) {
	if loaded, err := LoadSidecar(saveDir, fileName); err != nil {
		return nil, err
	} else if loaded != nil {
		return loaded, nil
	}

	bs, err := ProbeExistingPart(saveDir, fileName, size, chunkSize)
	if err != nil {
		return nil, err
	}
	s := New(transferID, peerID, fileName, size, chunkSize, saveDir)
	s.mu.Lock()
	s.received = bs
	s.mu.Unlock()
	return s, nil
}
