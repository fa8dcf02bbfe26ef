package preview

import (
	"archive/zip"
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hoshizora-mesh/filemesh/internal/security"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func openerFor(path string) func() (ReadSeekCloser, error) {
	return func() (ReadSeekCloser, error) {
		return os.Open(path)
	}
}

func TestGenerateZeroByteFileProducesMetadataOnly(t *testing.T) {
	path := writeTempFile(t, "empty.bin", nil)
	m, err := Generate(GenerationInput{
		FileHash: "h0", FileName: "empty.bin", FileSize: 0,
		LastModified: time.Now(), Open: openerFor(path),
	})
	require.NoError(t, err)
	require.Equal(t, []AvailableType{TypeMetadataOnly}, m.AvailableTypes)
}

func TestGenerateOversizeFileProducesMetadataOnlyWithoutReadingIt(t *testing.T) {
	m, err := Generate(GenerationInput{
		FileHash: "h1", FileName: "huge.bin", FileSize: MaxMetadataOnlySize + 1,
		LastModified: time.Now(),
		Open: func() (ReadSeekCloser, error) {
			t.Fatal("must not open a file exceeding the metadata-only threshold")
			return nil, nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, []AvailableType{TypeMetadataOnly}, m.AvailableTypes)
}

func TestGenerateTextSnippet(t *testing.T) {
	lines := make([]byte, 0)
	for i := 0; i < 20; i++ {
		lines = append(lines, []byte("line of text content\n")...)
	}
	path := writeTempFile(t, "notes.txt", lines)
	m, err := Generate(GenerationInput{
		FileHash: "h2", FileName: "notes.txt", FileSize: int64(len(lines)),
		LastModified: time.Now(), Open: openerFor(path),
	})
	require.NoError(t, err)
	require.Equal(t, []AvailableType{TypeTextSnippet}, m.AvailableTypes)
	require.NotEmpty(t, m.Snippet)
	require.LessOrEqual(t, len(m.Snippet), 500)
}

func TestGenerateImageThumbnail(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 400; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := writeTempFile(t, "pic.png", buf.Bytes())

	m, err := Generate(GenerationInput{
		FileHash: "h3", FileName: "pic.png", FileSize: int64(buf.Len()),
		LastModified: time.Now(), Open: openerFor(path),
	})
	require.NoError(t, err)
	require.Equal(t, []AvailableType{TypeThumbnail}, m.AvailableTypes)
	require.Equal(t, "200", m.ExtraMetadata["width"])
	require.Equal(t, "50", m.ExtraMetadata["height"])
}

func TestGenerateArchiveListing(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w1, err := zw.Create("a.txt")
	require.NoError(t, err)
	_, err = w1.Write([]byte("hello"))
	require.NoError(t, err)
	w2, err := zw.Create("dir/b.txt")
	require.NoError(t, err)
	_, err = w2.Write([]byte("world!!"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	path := writeTempFile(t, "bundle.zip", buf.Bytes())

	m, err := Generate(GenerationInput{
		FileHash: "h4", FileName: "bundle.zip", FileSize: int64(buf.Len()),
		LastModified: time.Now(), Open: openerFor(path),
	})
	require.NoError(t, err)
	require.Equal(t, []AvailableType{TypeArchiveListing}, m.AvailableTypes)
	require.Len(t, m.ArchiveListing, 2)
	require.Equal(t, int64(12), m.ArchiveTotalSize)
}

func TestGenerateUnknownBinaryProducesMetadataOnly(t *testing.T) {
	path := writeTempFile(t, "blob.dat", []byte{0x01, 0x02, 0x03, 0x04, 0x05})
	m, err := Generate(GenerationInput{
		FileHash: "h5", FileName: "blob.dat", FileSize: 5,
		LastModified: time.Now(), Open: openerFor(path),
	})
	require.NoError(t, err)
	require.Equal(t, []AvailableType{TypeMetadataOnly}, m.AvailableTypes)
}

func TestSignAndVerifyManifest(t *testing.T) {
	id, err := security.NewIdentity()
	require.NoError(t, err)
	m := Manifest{FileHash: "abc", FileName: "x.txt", FileSize: 10, MimeType: "text/plain"}
	signed := Sign(id, m, "owner-1")
	require.True(t, Verify(signed, id.SignPubB64()))
}

// TestSignatureForgeryRejection exercises spec §8 scenario 5: a manifest
// claiming a known owner with a fabricated signature must fail
// verification, and no content request proceeds on its basis.
func TestSignatureForgeryRejection(t *testing.T) {
	id, err := security.NewIdentity()
	require.NoError(t, err)
	forged := Manifest{
		FileHash: "abc", FileName: "x.txt", FileSize: 10, MimeType: "text/plain",
		OwnerPeerID: "owner-1", Timestamp: time.Now().Unix(),
		SigB64: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
	}
	require.False(t, Verify(forged, id.SignPubB64()))

	_, err = VerifyAndAccept(forged, id.SignPubB64(), Content{Type: TypeTextSnippet, DataHash: "whatever"})
	require.Error(t, err)
}

func TestGetManifestRespectsAllowPreviewFalse(t *testing.T) {
	store := NewStore()
	store.Put(Manifest{FileHash: "f1", AllowPreview: false})
	_, err := store.GetManifest("f1", "peer-x")
	require.Error(t, err)
}

func TestGetManifestRespectsTrustedPeersOnly(t *testing.T) {
	store := NewStore()
	store.Put(Manifest{
		FileHash:         "f2",
		AllowPreview:     true,
		TrustedPeersOnly: map[string]struct{}{"peer-a": {}},
	})
	_, err := store.GetManifest("f2", "peer-b")
	require.Error(t, err)
	m, err := store.GetManifest("f2", "peer-a")
	require.NoError(t, err)
	require.Equal(t, "f2", m.FileHash)
}

func TestGetContentRejectsUnsupportedType(t *testing.T) {
	store := NewStore()
	store.Put(Manifest{
		FileHash:      "f3",
		AllowPreview:  true,
		PreviewHashes: map[AvailableType]string{TypeTextSnippet: "x"},
	})
	_, err := store.GetContent("f3", "peer-a", TypeThumbnail)
	require.Error(t, err)
}

func TestVerifyAndAcceptRejectsContentHashMismatch(t *testing.T) {
	id, err := security.NewIdentity()
	require.NoError(t, err)
	m := Manifest{
		FileHash: "abc", FileName: "x.txt", FileSize: 10, MimeType: "text/plain",
		PreviewHashes: map[AvailableType]string{TypeTextSnippet: "expected-hash"},
	}
	signed := Sign(id, m, "owner-1")

	_, err = VerifyAndAccept(signed, id.SignPubB64(), Content{Type: TypeTextSnippet, DataHash: "wrong-hash"})
	require.Error(t, err)

	_, err = VerifyAndAccept(signed, id.SignPubB64(), Content{Type: TypeTextSnippet, DataHash: "expected-hash"})
	require.NoError(t, err)
}
