package rag

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devforgehq/forged/internal/config"
	"github.com/devforgehq/forged/internal/embedder"
	"github.com/devforgehq/forged/internal/vector"
)

// countingEmbedder counts Embed calls on top of the local embedder. The
// counter is atomic because the indexer embeds with bounded concurrency.
type countingEmbedder struct {
	*embedder.Local
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.Local.Embed(ctx, text)
}

func newTestIndexer(t *testing.T, workspace string) (*Indexer, *countingEmbedder) {
	t.Helper()
	embed := &countingEmbedder{Local: embedder.NewLocal(64)}
	stateDir := t.TempDir()
	store, err := vector.Open(stateDir, "codebase", embed.Dimension(), embed.Provenance())
	require.NoError(t, err)

	cfg := config.Default().Retrieval
	return NewIndexer(workspace, stateDir, store, embed, cfg), embed
}

func TestIndexAndSearch(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "calc.py"), []byte("def add(a, b):\n    return a + b\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "greet.py"), []byte("def greet(name):\n    return 'hello ' + name\n"), 0o644))

	ix, _ := newTestIndexer(t, ws)
	require.NoError(t, ix.Index(context.Background(), false))

	hits, err := ix.Search(context.Background(), "add two numbers a b", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "calc.py", hits[0].Metadata["path"])
}

func TestIndexSkipsUnchangedFiles(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "a.txt"), []byte("stable content\n"), 0o644))

	ix, embed := newTestIndexer(t, ws)
	require.NoError(t, ix.Index(context.Background(), false))
	after1 := embed.calls.Load()
	require.Greater(t, after1, int32(0))

	// Second pass: nothing changed, nothing re-embedded.
	require.NoError(t, ix.Index(context.Background(), false))
	assert.Equal(t, after1, embed.calls.Load())

	// Touch the file: exactly its chunks are re-embedded.
	require.NoError(t, os.WriteFile(filepath.Join(ws, "a.txt"), []byte("changed content\n"), 0o644))
	require.NoError(t, ix.Index(context.Background(), false))
	assert.Greater(t, embed.calls.Load(), after1)
}

func TestIndexSkipsBinariesAndLargeFiles(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "blob.bin"), []byte{0x00, 0x01, 0x02, 0x03}, 0o644))

	big := make([]byte, 2<<20)
	for i := range big {
		big[i] = 'a'
	}
	require.NoError(t, os.WriteFile(filepath.Join(ws, "huge.txt"), big, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "ok.txt"), []byte("small text file\n"), 0o644))

	ix, _ := newTestIndexer(t, ws)
	require.NoError(t, ix.Index(context.Background(), false))

	assert.Equal(t, 1, ix.store.Count(), "only the small text file should be indexed")
}

func TestRemoveFileDropsChunks(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("short lived\n"), 0o644))

	ix, _ := newTestIndexer(t, ws)
	require.NoError(t, ix.Index(context.Background(), false))
	require.Equal(t, 1, ix.store.Count())

	require.NoError(t, os.Remove(path))
	require.NoError(t, ix.RemoveFile(context.Background(), path))
	assert.Equal(t, 0, ix.store.Count())
}

func TestRebuildReembedsEverything(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "a.txt"), []byte("content\n"), 0o644))

	ix, embed := newTestIndexer(t, ws)
	require.NoError(t, ix.Index(context.Background(), false))
	after1 := embed.calls.Load()

	require.NoError(t, ix.Index(context.Background(), true))
	assert.Greater(t, embed.calls.Load(), after1)
}
