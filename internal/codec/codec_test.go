package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/hoshizora-mesh/filemesh/internal/security"
	"github.com/stretchr/testify/require"
)

func TestShouldCompressByExtension(t *testing.T) {
	require.True(t, ShouldCompress("report.txt"))
	require.True(t, ShouldCompress("notes.md"))
	require.False(t, ShouldCompress("archive.zip"))
	require.False(t, ShouldCompress("photo.JPG"))
}

func TestEncodeDecodeChunkRoundTrip(t *testing.T) {
	key, err := security.NewChunkKey()
	require.NoError(t, err)

	plain := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 200))
	rec, err := EncodeChunk(3, plain, true, key[:])
	require.NoError(t, err)
	require.Equal(t, 3, rec.ChunkIndex)
	require.True(t, rec.Compressed)
	require.Less(t, len(rec.EncryptedBytes), len(plain))

	out, err := DecodeChunk(rec, key[:])
	require.NoError(t, err)
	require.True(t, bytes.Equal(plain, out))
}

func TestEncodeDecodeChunkWithoutCompression(t *testing.T) {
	key, err := security.NewChunkKey()
	require.NoError(t, err)

	plain := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	rec, err := EncodeChunk(0, plain, false, key[:])
	require.NoError(t, err)
	require.False(t, rec.Compressed)

	out, err := DecodeChunk(rec, key[:])
	require.NoError(t, err)
	require.True(t, bytes.Equal(plain, out))
}

func TestDecodeChunkRejectsLengthMismatch(t *testing.T) {
	key, err := security.NewChunkKey()
	require.NoError(t, err)

	rec, err := EncodeChunk(0, []byte("hello world"), false, key[:])
	require.NoError(t, err)
	rec.EncryptedLength = len(rec.EncryptedBytes) + 5

	_, err = DecodeChunk(rec, key[:])
	require.Error(t, err)
}

func TestDecodeChunkRejectsTamperedCiphertext(t *testing.T) {
	key, err := security.NewChunkKey()
	require.NoError(t, err)

	rec, err := EncodeChunk(0, []byte("hello world"), false, key[:])
	require.NoError(t, err)
	rec.EncryptedBytes[len(rec.EncryptedBytes)-1] ^= 0xFF

	_, err = DecodeChunk(rec, key[:])
	require.Error(t, err)
}

func TestSplitAndChunkCount(t *testing.T) {
	data := make([]byte, 1000)
	chunks := Split(data, 300)
	require.Len(t, chunks, 4)
	require.Len(t, chunks[3], 100)
	require.Equal(t, 4, ChunkCount(1000, 300))
}

func TestSplitEmptyInputYieldsSingleEmptyChunk(t *testing.T) {
	chunks := Split(nil, 300)
	require.Len(t, chunks, 1)
	require.Empty(t, chunks[0])
}
