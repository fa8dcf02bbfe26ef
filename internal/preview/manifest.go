// Package preview implements the Preview Service of spec §4.10: synchronous
// manifest generation (thumbnail, text snippet, archive listing, or
// metadata-only), signing, caching, and an authenticated serving channel
// with permission checks. The signed-body shape is grounded on types.go's
// FileManifest.computeID()/sign pattern; the gate-then-serve shape is
// grounded on auth.go's AuthMiddleware applied per request rather than
// per route.
package preview

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/hoshizora-mesh/filemesh/internal/security"
)

// AvailableType enumerates the preview representations a manifest may
// advertise, spec §3.
type AvailableType string

const (
	TypeThumbnail      AvailableType = "Thumbnail"
	TypeTextSnippet    AvailableType = "TextSnippet"
	TypeArchiveListing AvailableType = "ArchiveListing"
	TypeMetadataOnly   AvailableType = "MetadataOnly"
	TypePdfPages       AvailableType = "PdfPages"
	TypeAudioSample    AvailableType = "AudioSample"
	TypeVideoPreview   AvailableType = "VideoPreview"
)

// ArchiveEntry is one listed member of an archive preview, spec §4.10.
type ArchiveEntry struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	IsDirectory bool   `json:"isDirectory"`
}

// Manifest is the signed per-file preview summary, spec §3.
type Manifest struct {
	FileHash         string                   `json:"fileHash"`
	FileName         string                   `json:"fileName"`
	FileSize         int64                    `json:"fileSize"`
	MimeType         string                   `json:"mimeType"`
	LastModified     time.Time                `json:"lastModified"`
	AvailableTypes   []AvailableType          `json:"availableTypes"`
	PreviewHashes    map[AvailableType]string `json:"previewHashes"`
	Snippet          []byte                   `json:"snippet,omitempty"`
	ArchiveListing   []ArchiveEntry           `json:"archiveListing,omitempty"`
	ArchiveTotalSize int64                    `json:"archiveTotalSize,omitempty"`
	ExtraMetadata    map[string]string        `json:"extraMetadata,omitempty"`
	AllowPreview     bool                     `json:"allowPreview"`
	TrustedPeersOnly map[string]struct{}      `json:"trustedPeersOnly,omitempty"`
	OwnerPeerID      string                   `json:"ownerPeerId"`
	Timestamp        int64                    `json:"timestamp"`
	SigB64           string                   `json:"signature"`
}

// signedBody is the canonical encoding spec §3 names: "(fileHash |
// fileName | fileSize | mimeType | timestamp | ownerPeerId)".
func (m Manifest) signedBody() []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%s|%d|%s", m.FileHash, m.FileName, m.FileSize, m.MimeType, m.Timestamp, m.OwnerPeerID))
}

// Sign fills in timestamp, owner and signature over the canonical body.
func Sign(id *security.Identity, m Manifest, ownerPeerID string) Manifest {
	m.OwnerPeerID = ownerPeerID
	m.Timestamp = time.Now().Unix()
	m.SigB64 = security.SignB64(id, m.signedBody())
	return m
}

// Verify checks a manifest's signature under the owner's pinned public
// key, spec §3's invariant: "signature must verify under the owner's
// advertised public key before any field other than identity/signature
// is trusted." Spec §8 invariant 5 / scenario 5.
func Verify(m Manifest, ownerSignPubB64 string) bool {
	pub, err := security.DecodePub(ownerSignPubB64)
	if err != nil {
		return false
	}
	sig, err := security.DecodeSigB64(m.SigB64)
	if err != nil {
		return false
	}
	return security.Verify(pub, m.signedBody(), sig)
}

// MaxMetadataOnlySize is the spec §4.10 threshold above which only a
// MetadataOnly manifest is produced, regardless of MIME type.
const MaxMetadataOnlySize = 100 << 20

// GenerationInput bundles what Generate needs to read from a shared file.
type GenerationInput struct {
	FileHash     string
	FileName     string
	FileSize     int64
	LastModified time.Time
	// Open returns a fresh handle on the file for MIME sniffing, text
	// snippeting, thumbnailing, and archive listing; Generate seeks it
	// back to offset 0 after sniffing and closes it when done.
	Open func() (ReadSeekCloser, error)
}

// ReadSeekCloser is the minimal handle Generate needs; *os.File satisfies
// it directly. ReadAt is required for archive listing, which needs random
// access into the zip central directory.
type ReadSeekCloser interface {
	Read(p []byte) (int, error)
	ReadAt(p []byte, off int64) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Close() error
}

// Generate synchronously builds a Manifest per spec §4.10's generation
// rules, without signing it (callers sign via Sign once the owning
// identity is available).
func Generate(in GenerationInput) (Manifest, error) {
	m := Manifest{
		FileHash:      in.FileHash,
		FileName:      in.FileName,
		FileSize:      in.FileSize,
		LastModified:  in.LastModified,
		PreviewHashes: map[AvailableType]string{},
		AllowPreview:  true,
	}

	if in.FileSize > MaxMetadataOnlySize {
		m.MimeType = guessMimeFromName(in.FileName)
		m.AvailableTypes = []AvailableType{TypeMetadataOnly}
		return m, nil
	}

	f, err := in.Open()
	if err != nil {
		return Manifest{}, fmt.Errorf("open for preview: %w", err)
	}
	defer f.Close()

	header := make([]byte, 512)
	n, _ := f.Read(header)
	header = header[:n]
	detected := detectContentType(header, in.FileName)
	m.MimeType = detected
	if _, err := f.Seek(0, 0); err != nil {
		return Manifest{}, err
	}

	switch {
	case strings.HasPrefix(detected, "image/"):
		thumb, dims, err := generateThumbnail(f, 200)
		if err != nil {
			m.AvailableTypes = []AvailableType{TypeMetadataOnly}
			return m, nil
		}
		m.AvailableTypes = []AvailableType{TypeThumbnail}
		m.PreviewHashes[TypeThumbnail] = dataHash(thumb)
		m.ExtraMetadata = map[string]string{"width": fmt.Sprintf("%d", dims.w), "height": fmt.Sprintf("%d", dims.h)}
		cachedThumbnails.put(in.FileHash, thumb)

	case isTextLike(detected, in.FileName):
		snippet, err := readSnippet(f, 10, 500)
		if err != nil {
			m.AvailableTypes = []AvailableType{TypeMetadataOnly}
			return m, nil
		}
		m.AvailableTypes = []AvailableType{TypeTextSnippet}
		m.Snippet = snippet
		m.PreviewHashes[TypeTextSnippet] = dataHash(snippet)

	case isArchive(detected, in.FileName):
		entries, total, err := listArchive(f, in.FileSize)
		if err != nil {
			m.AvailableTypes = []AvailableType{TypeMetadataOnly}
			return m, nil
		}
		m.AvailableTypes = []AvailableType{TypeArchiveListing}
		m.ArchiveListing = entries
		m.ArchiveTotalSize = total
		listingBytes, _ := json.Marshal(entries)
		m.PreviewHashes[TypeArchiveListing] = dataHash(listingBytes)

	default:
		m.AvailableTypes = []AvailableType{TypeMetadataOnly}
	}

	return m, nil
}

func dataHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func guessMimeFromName(name string) string {
	ext := filepath.Ext(name)
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func isTextLike(detected, fileName string) bool {
	if strings.HasPrefix(detected, "text/") {
		return true
	}
	switch filepath.Ext(fileName) {
	case ".txt", ".md", ".go", ".json", ".yaml", ".yml", ".csv", ".log", ".ini", ".conf":
		return true
	}
	return false
}

func isArchive(detected, fileName string) bool {
	if detected == "application/zip" {
		return true
	}
	switch filepath.Ext(fileName) {
	case ".zip", ".jar", ".war":
		return true
	}
	return false
}
