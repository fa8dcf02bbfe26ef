package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hoshizora-mesh/filemesh/internal/search"
	"github.com/stretchr/testify/require"
)

func TestShareRegistryPutGetRemove(t *testing.T) {
	reg := newShareRegistry()
	_, ok := reg.get("f1")
	require.False(t, ok)

	reg.put("f1", sharedEntry{FilePath: "/tmp/a.txt", FileName: "a.txt", Size: 10})
	e, ok := reg.get("f1")
	require.True(t, ok)
	require.Equal(t, "a.txt", e.FileName)

	reg.remove("f1")
	_, ok = reg.get("f1")
	require.False(t, ok)
}

func TestShareRegistryByPath(t *testing.T) {
	reg := newShareRegistry()
	reg.put("f1", sharedEntry{FilePath: "/tmp/a.txt", FileName: "a.txt"})
	reg.put("f2", sharedEntry{FilePath: "/tmp/b.txt", FileName: "b.txt"})

	e, ok := reg.byPath("/tmp/b.txt")
	require.True(t, ok)
	require.Equal(t, "b.txt", e.FileName)

	_, ok = reg.byPath("/tmp/nope.txt")
	require.False(t, ok)
}

func TestAddFileSeedsRegistryAndSearchIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("meeting notes go here"), 0o644))

	reg := newShareRegistry()
	idx := search.NewIndex()

	entry, err := addFile(path, "notes-1", reg, idx)
	require.NoError(t, err)
	require.Equal(t, "notes.txt", entry.FileName)
	require.Equal(t, int64(len("meeting notes go here")), entry.Size)
	require.Len(t, entry.Key, 32)
	require.True(t, entry.Compress)

	got, ok := reg.get("notes-1")
	require.True(t, ok)
	require.Equal(t, entry.FilePath, got.FilePath)

	matches := idx.Query("notes")
	require.Len(t, matches, 1)
	require.Equal(t, "notes-1", matches[0].FileID)
}

func TestAddFileMissingSourceFails(t *testing.T) {
	reg := newShareRegistry()
	idx := search.NewIndex()
	_, err := addFile("/does/not/exist", "missing", reg, idx)
	require.Error(t, err)
}

func TestGuessMimeFromName(t *testing.T) {
	require.Equal(t, "application/octet-stream", guessMimeFromName("noext"))
	require.NotEmpty(t, guessMimeFromName("photo.png"))
}

func TestPathBase(t *testing.T) {
	require.Equal(t, "file.txt", pathBase("/a/b/file.txt"))
	require.Equal(t, "file.txt", pathBase(`C:\a\b\file.txt`))
	require.Equal(t, "file.txt", pathBase("file.txt"))
}
