package pinner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPinTreeCoversEveryFileUnderRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.m3u8"), []byte("#EXTM3U"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "240p"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "240p", "seg0.ts"), []byte("segment bytes"), 0o644))

	store := NewMemoryStore()
	p := &Pinner{Store: store, Verify: true, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}

	pin, err := p.PinTree(context.Background(), root)
	require.NoError(t, err)
	assert.NotEmpty(t, pin.ContentAddress)

	rc, err := store.Get(context.Background(), pin.ContentAddress)
	require.NoError(t, err)
	defer rc.Close()

	var index TreeIndex
	require.NoError(t, json.NewDecoder(rc).Decode(&index))
	assert.Len(t, index.Entries, 2)

	var paths []string
	for _, e := range index.Entries {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "manifest.m3u8")
	assert.Contains(t, paths, filepath.Join("240p", "seg0.ts"))
}

func TestPinTreeIsIdempotentAcrossRuns(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.m3u8"), []byte("#EXTM3U"), 0o644))

	store := NewMemoryStore()
	p := &Pinner{Store: store, Verify: true, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}

	first, err := p.PinTree(context.Background(), root)
	require.NoError(t, err)
	second, err := p.PinTree(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, first.ContentAddress, second.ContentAddress)
}
