package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devforgehq/forged/internal/config"
	"github.com/devforgehq/forged/internal/embedder"
	"github.com/devforgehq/forged/internal/vector"
)

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	".state":       true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
}

// Indexer keeps the codebase vector index in step with a working tree.
// Re-indexing is idempotent on (path, content hash): unchanged files are
// never re-embedded.
type Indexer struct {
	root    string
	store   *vector.Store
	embed   embedder.Embedder
	chunker *Chunker

	maxFileBytes int64
	inflight     int

	mu     sync.Mutex
	hashes map[string]string // relative path → file content hash
	dir    string            // state dir holding files.json
}

// NewIndexer builds an indexer over root, persisting hash state under dir.
func NewIndexer(root, dir string, store *vector.Store, embed embedder.Embedder, cfg config.RetrievalConfig) *Indexer {
	inflight := cfg.EmbedInflight
	if inflight <= 0 {
		inflight = 4
	}
	maxBytes := cfg.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	idx := &Indexer{
		root:         root,
		store:        store,
		embed:        embed,
		chunker:      NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		maxFileBytes: maxBytes,
		inflight:     inflight,
		hashes:       make(map[string]string),
		dir:          dir,
	}
	idx.loadHashes()
	return idx
}

// Index walks the tree and embeds new or changed files. When rebuild is
// true the store is reset first and everything re-embedded; the default is
// load-if-present.
func (ix *Indexer) Index(ctx context.Context, rebuild bool) error {
	start := time.Now()
	if rebuild {
		if err := ix.store.Reset(ctx); err != nil {
			return err
		}
		ix.mu.Lock()
		ix.hashes = make(map[string]string)
		ix.mu.Unlock()
	}

	var files []string
	err := filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || (strings.HasPrefix(d.Name(), ".") && path != ix.root) {
				return filepath.SkipDir
			}
			return nil
		}
		// Symlinks may escape the tree; never follow them.
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() > ix.maxFileBytes {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rag: walk %s: %w", ix.root, err)
	}
	sort.Strings(files)

	var embedded, skipped int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.inflight)
	var mu sync.Mutex

	for _, path := range files {
		path := path
		g.Go(func() error {
			changed, err := ix.indexFile(gctx, path)
			if err != nil {
				slog.Warn("rag: index file failed", "path", path, "error", err)
				return nil // one bad file does not abort the pass
			}
			mu.Lock()
			if changed {
				embedded++
			} else {
				skipped++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := ix.saveHashes(); err != nil {
		return err
	}
	if err := ix.store.Persist(); err != nil {
		return err
	}
	slog.Info("codebase index pass complete",
		"files", len(files), "embedded", embedded, "unchanged", skipped,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// IndexFile (re)indexes a single file; used by the watcher.
func (ix *Indexer) IndexFile(ctx context.Context, path string) error {
	if _, err := ix.indexFile(ctx, path); err != nil {
		return err
	}
	return ix.saveHashes()
}

// RemoveFile drops a deleted file's chunks from the index.
func (ix *Indexer) RemoveFile(ctx context.Context, path string) error {
	rel := ix.relPath(path)
	if rel == "" {
		return nil
	}
	if err := ix.store.Delete(ctx, map[string]string{"path": rel}); err != nil {
		return err
	}
	ix.mu.Lock()
	delete(ix.hashes, rel)
	ix.mu.Unlock()
	return ix.saveHashes()
}

func (ix *Indexer) indexFile(ctx context.Context, path string) (bool, error) {
	rel := ix.relPath(path)
	if rel == "" {
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	if isBinary(data) {
		return false, nil
	}

	hash := HashFile(data)
	ix.mu.Lock()
	prev := ix.hashes[rel]
	ix.mu.Unlock()
	if prev == hash {
		return false, nil
	}

	// Changed file: stale chunks from the previous version go first so a
	// shrinking file does not leave orphans behind.
	if prev != "" {
		if err := ix.store.Delete(ctx, map[string]string{"path": rel}); err != nil {
			return false, err
		}
	}

	chunks := ix.chunker.Split(rel, string(data))
	records := make([]vector.Record, 0, len(chunks))
	for _, ch := range chunks {
		vec, err := ix.embed.Embed(ctx, ch.Content)
		if err != nil {
			return false, fmt.Errorf("embed chunk %s#%d: %w", rel, ch.Index, err)
		}
		records = append(records, vector.Record{
			ID:      rel + "#" + strconv.Itoa(ch.Index),
			Vector:  vec,
			Content: ch.Content,
			Metadata: map[string]string{
				"path":       rel,
				"chunk":      strconv.Itoa(ch.Index),
				"hash":       ch.Hash,
				"file_hash":  hash,
				"start_byte": strconv.Itoa(ch.StartByte),
				"end_byte":   strconv.Itoa(ch.EndByte),
			},
		})
	}
	if err := ix.store.Upsert(ctx, records); err != nil {
		return false, err
	}

	ix.mu.Lock()
	ix.hashes[rel] = hash
	ix.mu.Unlock()
	return true, nil
}

func (ix *Indexer) relPath(path string) string {
	rel, err := filepath.Rel(ix.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}

// Search embeds the query and returns the top-k chunks.
func (ix *Indexer) Search(ctx context.Context, query string, k int) ([]vector.Result, error) {
	vec, err := ix.embed.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return ix.store.Query(ctx, vec, k, nil)
}

func (ix *Indexer) loadHashes() {
	data, err := os.ReadFile(filepath.Join(ix.dir, "files.json"))
	if err != nil {
		return
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err == nil {
		ix.hashes = m
	}
}

func (ix *Indexer) saveHashes() error {
	ix.mu.Lock()
	data, err := json.MarshalIndent(ix.hashes, "", "  ")
	ix.mu.Unlock()
	if err != nil {
		return err
	}
	tmp := filepath.Join(ix.dir, "files.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(ix.dir, "files.json"))
}

// isBinary sniffs the first KBs for NUL bytes, the same heuristic git uses.
func isBinary(data []byte) bool {
	probe := data
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	return bytes.IndexByte(probe, 0) >= 0
}
