// Package vector wraps chromem-go as a persistent cosine-similarity index
// with metadata post-filtering. Two logical stores exist per process: one
// for conversation memory and one for codebase chunks. The on-disk form is
// self-describing via a manifest (dimension, count, embedding provenance);
// a store whose manifest does not match the configured embedder is discarded
// rather than silently mixed.
package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
)

// Record is one stored (id, vector, content, metadata) quadruple.
type Record struct {
	ID       string            `json:"id"`
	Vector   []float32         `json:"vector"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is a query hit ordered by descending cosine similarity.
type Result struct {
	Record
	Similarity float32 `json:"similarity"`
}

// manifest is the self-describing header persisted next to the vectors.
type manifest struct {
	Dimension  int       `json:"dimension"`
	Count      int       `json:"count"`
	Provenance string    `json:"provenance"`
	SavedAt    time.Time `json:"saved_at"`
}

// Store is one logical index. Many readers, single writer; writes are
// batched by callers and made durable via Persist.
type Store struct {
	name       string
	dir        string
	dim        int
	provenance string

	mu  sync.RWMutex
	db  *chromem.DB
	col *chromem.Collection
}

// Open loads the persisted store under dir when its manifest matches the
// expected dimension and provenance; otherwise it starts empty (and a
// mismatched manifest is logged and the stale state dropped).
func Open(dir, name string, dim int, provenance string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vector: create dir: %w", err)
	}

	if m, err := readManifest(dir); err == nil {
		if m.Dimension != dim || m.Provenance != provenance {
			slog.Warn("vector store provenance mismatch, rebuilding",
				"store", name, "have", m.Provenance, "want", provenance)
			if err := wipeDir(dir); err != nil {
				return nil, fmt.Errorf("vector: wipe stale store: %w", err)
			}
		}
	}

	db, err := chromem.NewPersistentDB(filepath.Join(dir, "db"), true)
	if err != nil {
		return nil, fmt.Errorf("vector: open db: %w", err)
	}

	col, err := db.GetOrCreateCollection(name, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("vector: collection %q: %w", name, err)
	}

	s := &Store{name: name, dir: dir, dim: dim, provenance: provenance, db: db, col: col}
	slog.Info("vector store opened", "store", name, "records", col.Count(), "dim", dim)
	return s, nil
}

// noEmbed is installed as the collection embedding function: all vectors are
// computed upstream, so a call into it is a bug.
func noEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("vector: embedding requested for pre-computed store")
}

// Count returns the number of stored records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.col.Count()
}

// Upsert writes records, idempotent on ID. All vectors must match the
// store's dimension.
func (s *Store) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]chromem.Document, 0, len(records))
	for _, r := range records {
		if len(r.Vector) != s.dim {
			return fmt.Errorf("vector: record %s dimension %d, store expects %d", r.ID, len(r.Vector), s.dim)
		}
		meta := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		docs = append(docs, chromem.Document{
			ID:        r.ID,
			Content:   r.Content,
			Metadata:  meta,
			Embedding: r.Vector,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("vector: upsert %d records: %w", len(docs), err)
	}
	return nil
}

// Query returns up to k records by descending cosine similarity. The filter
// is applied AFTER ranking: the backend's native metadata filter is a hint,
// not a guarantee, so results are re-checked here before they are returned.
func (s *Store) Query(ctx context.Context, vec []float32, k int, filter map[string]string) ([]Result, error) {
	if len(vec) != s.dim {
		return nil, fmt.Errorf("vector: query dimension %d, store expects %d", len(vec), s.dim)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := s.col.Count()
	if count == 0 || k <= 0 {
		return nil, nil
	}
	// Over-fetch so post-filtering still fills k where possible.
	fetch := k
	if len(filter) > 0 {
		fetch = k * 4
	}
	if fetch > count {
		fetch = count
	}

	hits, err := s.col.QueryEmbedding(ctx, vec, fetch, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector: query: %w", err)
	}

	out := make([]Result, 0, k)
	for _, h := range hits {
		if !matches(h.Metadata, filter) {
			continue
		}
		out = append(out, Result{
			Record: Record{
				ID:       h.ID,
				Vector:   h.Embedding,
				Content:  h.Content,
				Metadata: h.Metadata,
			},
			Similarity: h.Similarity,
		})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func matches(meta, filter map[string]string) bool {
	for k, want := range filter {
		if meta[k] != want {
			return false
		}
	}
	return true
}

// Delete removes every record whose metadata matches the filter exactly.
func (s *Store) Delete(ctx context.Context, filter map[string]string) error {
	if len(filter) == 0 {
		return fmt.Errorf("vector: refusing to delete with empty filter")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.col.Count() == 0 {
		return nil
	}
	if err := s.col.Delete(ctx, filter, nil); err != nil {
		return fmt.Errorf("vector: delete: %w", err)
	}
	return nil
}

// Persist makes the current state durable and refreshes the manifest.
// chromem's persistent DB already writes documents through; the manifest is
// what makes the directory self-describing across restarts.
func (s *Store) Persist() error {
	s.mu.RLock()
	m := manifest{
		Dimension:  s.dim,
		Count:      s.col.Count(),
		Provenance: s.provenance,
		SavedAt:    time.Now().UTC(),
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("vector: marshal manifest: %w", err)
	}
	tmp := filepath.Join(s.dir, "manifest.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("vector: write manifest: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.dir, "manifest.json"))
}

// Reset drops every record. Used by the explicit full re-index command.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeleteCollection(s.name); err != nil {
		return fmt.Errorf("vector: delete collection: %w", err)
	}
	col, err := s.db.GetOrCreateCollection(s.name, nil, noEmbed)
	if err != nil {
		return fmt.Errorf("vector: recreate collection: %w", err)
	}
	s.col = col
	return nil
}

func readManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func wipeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
