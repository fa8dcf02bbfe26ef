package preview

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/hoshizora-mesh/filemesh/internal/xerrors"
)

// Content is the requested preview payload, spec §3/§4.10. dataHash must
// equal the digest recorded for Type in the verified manifest before a
// client trusts Data.
type Content struct {
	FileHash string
	Type     AvailableType
	Data     []byte
	DataHash string
	Format   string
}

// Store is the in-memory manifest cache the owning node serves from,
// spec §4.10's "GetManifest(fileHash) returns the cached manifest or
// NotFound".
type Store struct {
	mu        sync.RWMutex
	manifests map[string]Manifest
}

func NewStore() *Store {
	return &Store{manifests: make(map[string]Manifest)}
}

func (s *Store) Put(m Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[m.FileHash] = m
}

func (s *Store) Get(fileHash string) (Manifest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[fileHash]
	return m, ok
}

// checkPermission implements spec §4.10's gate: "if !allowPreview or
// (trustedPeersOnly is set and the requesting peerId is not in it), reply
// with Forbidden."
func checkPermission(m Manifest, requestingPeerID string) error {
	if !m.AllowPreview {
		return xerrors.New(xerrors.KindPermission, "preview not allowed for this file", nil)
	}
	if len(m.TrustedPeersOnly) > 0 {
		if _, ok := m.TrustedPeersOnly[requestingPeerID]; !ok {
			return xerrors.New(xerrors.KindPermission, "requesting peer not in trusted set", nil)
		}
	}
	return nil
}

// GetManifest serves spec §4.10's first request type.
func (s *Store) GetManifest(fileHash, requestingPeerID string) (Manifest, error) {
	m, ok := s.Get(fileHash)
	if !ok {
		return Manifest{}, xerrors.New(xerrors.KindNotFound, "no manifest for "+fileHash, nil)
	}
	if err := checkPermission(m, requestingPeerID); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// GetContent serves spec §4.10's second request type: the PreviewContent
// for a supported type. Thumbnails come from the in-process cache that
// Generate fills; a thumbnail missing from it is not regenerated and
// yields NotFound.
func (s *Store) GetContent(fileHash, requestingPeerID string, previewType AvailableType) (Content, error) {
	m, ok := s.Get(fileHash)
	if !ok {
		return Content{}, xerrors.New(xerrors.KindNotFound, "no manifest for "+fileHash, nil)
	}
	if err := checkPermission(m, requestingPeerID); err != nil {
		return Content{}, err
	}

	hash, supported := m.PreviewHashes[previewType]
	if !supported {
		return Content{}, xerrors.New(xerrors.KindNotFound, "preview type not available for this file", nil)
	}

	switch previewType {
	case TypeThumbnail:
		data, ok := cachedThumbnails.get(fileHash)
		if !ok {
			return Content{}, xerrors.New(xerrors.KindNotFound, "thumbnail not cached, regeneration requires source file", nil)
		}
		return Content{FileHash: fileHash, Type: previewType, Data: data, DataHash: hash, Format: "image/jpeg"}, nil
	case TypeTextSnippet:
		return Content{FileHash: fileHash, Type: previewType, Data: m.Snippet, DataHash: hash, Format: "text/plain"}, nil
	case TypeArchiveListing:
		listing, err := json.Marshal(m.ArchiveListing)
		if err != nil {
			return Content{}, err
		}
		return Content{FileHash: fileHash, Type: previewType, Data: listing, DataHash: hash, Format: "application/json"}, nil
	default:
		return Content{}, xerrors.New(xerrors.KindNotFound, "unsupported preview type", nil)
	}
}

// VerifyAndAccept is the client-side counterpart of spec §4.10's
// "Client": verify the manifest signature before trusting any field,
// then accept content only if its dataHash matches the verified entry.
// Spec §8 invariant 5 / scenario 5.
func VerifyAndAccept(m Manifest, ownerSignPubB64 string, content Content) (Content, error) {
	if !Verify(m, ownerSignPubB64) {
		return Content{}, errors.New("manifest signature verification failed, discarding")
	}
	expected, ok := m.PreviewHashes[content.Type]
	if !ok || expected != content.DataHash {
		return Content{}, errors.New("preview content hash does not match verified manifest entry")
	}
	return content, nil
}
