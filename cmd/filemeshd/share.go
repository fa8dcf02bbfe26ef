package main

import (
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hoshizora-mesh/filemesh/internal/codec"
	"github.com/hoshizora-mesh/filemesh/internal/search"
	"github.com/hoshizora-mesh/filemesh/internal/security"
)

// sharedEntry is the local record behind one advertised file: where it
// lives on disk and the parameters a wire responder needs to answer
// ReqMetadata/ReqChunk without re-stat'ing the filesystem on every chunk,
// generalizing file_transfer.go's per-manifest bookkeeping to a
// long-lived shared directory rather than a single broadcastFile call.
type sharedEntry struct {
	FilePath     string
	FileName     string
	Size         int64
	ChunkSize    int
	Key          []byte
	Compress     bool
	LastModified time.Time
}

// shareRegistry is the node's table of locally shared files, keyed by the
// same fileID search.SharedFile and the preview/pin services address by.
type shareRegistry struct {
	mu      sync.RWMutex
	entries map[string]sharedEntry
}

func newShareRegistry() *shareRegistry {
	return &shareRegistry{entries: make(map[string]sharedEntry)}
}

func (r *shareRegistry) put(fileID string, e sharedEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[fileID] = e
}

func (r *shareRegistry) get(fileID string) (sharedEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[fileID]
	return e, ok
}

func (r *shareRegistry) remove(fileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, fileID)
}

// byPath resolves the entry whose FilePath or FileName matches, used by
// the wire responder which addresses a file by the remote-visible path
// (a requester only knows the advertised file name) rather than the local
// fileID.
func (r *shareRegistry) byPath(path string) (sharedEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.FilePath == path || e.FileName == path {
			return e, true
		}
	}
	return sharedEntry{}, false
}

// addFile registers a filesystem path for sharing: it stats the file,
// seeds the search index with its SharedFile entry, and leaves the path
// resolvable by the wire responder. Grounded on file_transfer.go's
// broadcastFile, generalized from a one-shot flood send to a persistent
// local index entry peers can later query and pull chunks from.
func addFile(path, fileID string, reg *shareRegistry, idx *search.Index) (sharedEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return sharedEntry{}, err
	}
	fileName := pathBase(path)
	key, err := security.NewChunkKey()
	if err != nil {
		return sharedEntry{}, err
	}
	e := sharedEntry{
		FilePath:     path,
		FileName:     fileName,
		Size:         info.Size(),
		ChunkSize:    codec.DirectChunkSize,
		Key:          key[:],
		Compress:     codec.ShouldCompress(fileName),
		LastModified: info.ModTime(),
	}
	reg.put(fileID, e)

	idx.Add(search.SharedFile{
		FileID:   fileID,
		FileName: fileName,
		Size:     info.Size(),
		MimeType: guessMimeFromName(fileName),
	})

	return e, nil
}

// openEntry opens a shared file for preview generation; *os.File already
// satisfies preview.ReadSeekCloser (Read/ReadAt/Seek/Close).
func openEntry(path string) (*os.File, error) {
	return os.Open(path)
}

func guessMimeFromName(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func pathBase(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[i+1:]
		}
	}
	return p
}
