package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalDiskStore(t *testing.T) {
	store := NewLocalDisk(t.TempDir(), "http://localhost:8000")
	ctx := context.Background()

	path := ObjectPath("Enfermería", "I. Docencia", "Criterio 1. Modelo", "informe.pdf")

	url, err := store.Upload(ctx, path, strings.NewReader("contenido"), "application/pdf")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://localhost:8000/files/"), url)

	data, err := os.ReadFile(filepath.Join(store.Location(), filepath.FromSlash(path)))
	require.NoError(t, err)
	assert.Equal(t, "contenido", string(data))

	exists, err := store.Exists(ctx, path)
	require.NoError(t, err)
	assert.True(t, exists)

	resolved, err := store.ResolvePath(url)
	require.NoError(t, err)
	assert.Equal(t, path, resolved)

	require.NoError(t, store.Delete(ctx, path))

	exists, err = store.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting an object that is already gone is not an error.
	require.NoError(t, store.Delete(ctx, path))
}

func TestLocalDiskUsage(t *testing.T) {
	store := NewLocalDisk(t.TempDir(), "http://localhost:8000")

	usage, err := store.Usage()
	require.NoError(t, err)
	assert.Greater(t, usage.TotalBytes, uint64(0))
	assert.LessOrEqual(t, usage.FreeBytes, usage.TotalBytes)
}

func TestLocalDiskRejectsTraversalUrls(t *testing.T) {
	base := t.TempDir()
	parent := filepath.Dir(base)

	victim := filepath.Join(parent, "victim.txt")
	require.NoError(t, os.WriteFile(victim, []byte("no tocar"), 0666))

	store := NewLocalDisk(base, "http://localhost:8000")

	// Imported rows carry their url verbatim from old exports, so a stored
	// url must never resolve to a file above the store root.
	for _, raw := range []string{
		"http://localhost:8000/files/../victim.txt",
		"http://localhost:8000/files/%2E%2E/victim.txt",
		"http://localhost:8000/files/a/../../victim.txt",
	} {
		_, err := store.ResolvePath(raw)
		assert.Error(t, err, raw)
	}

	_, err := os.Stat(victim)
	require.NoError(t, err)
}

func TestLocalDiskResolvesLegacyUrls(t *testing.T) {
	store := NewLocalDisk(t.TempDir(), "http://localhost:8000")

	resolved, err := store.ResolvePath("https://res.cloudinary.com/demo/raw/upload/v123/evidencias/archivo.pdf")
	require.NoError(t, err)
	assert.Equal(t, "evidencias/archivo.pdf", resolved)
}
