// Package memory persists conversation turns into the memory vector index
// and recalls them for prompt enrichment. Records are append-only: written
// after each assistant turn, never mutated, pruned only by explicit operator
// action.
package memory

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/devforgehq/forged/internal/embedder"
	"github.com/devforgehq/forged/internal/vector"
)

// Record is one remembered conversation turn.
type Record struct {
	ID        string
	Session   string
	Role      string
	TurnIndex int
	Content   string
}

// Bank wraps the memory vector index.
type Bank struct {
	store *vector.Store
	embed embedder.Embedder

	rawK  int // ANN k before filtering
	limit int // post-filter cap
}

// NewBank builds the memory bank. rawK defaults to 20, limit to 10.
func NewBank(store *vector.Store, embed embedder.Embedder, rawK, limit int) *Bank {
	if rawK <= 0 {
		rawK = 20
	}
	if limit <= 0 {
		limit = 10
	}
	return &Bank{store: store, embed: embed, rawK: rawK, limit: limit}
}

// Append writes the user message and assistant reply of one completed turn,
// both tagged with the session and turn index. Exactly two records per turn.
func (b *Bank) Append(ctx context.Context, session string, turnIndex int, userMsg, assistantMsg string) error {
	records := make([]vector.Record, 0, 2)
	for _, pair := range []struct {
		role, content string
	}{
		{"user", userMsg},
		{"assistant", assistantMsg},
	} {
		vec, err := b.embed.Embed(ctx, pair.content)
		if err != nil {
			return fmt.Errorf("memory: embed %s turn: %w", pair.role, err)
		}
		records = append(records, vector.Record{
			ID:      uuid.NewString(),
			Vector:  vec,
			Content: pair.content,
			Metadata: map[string]string{
				"session":    session,
				"role":       pair.role,
				"turn_index": strconv.Itoa(turnIndex),
			},
		})
	}
	if err := b.store.Upsert(ctx, records); err != nil {
		return fmt.Errorf("memory: upsert turn: %w", err)
	}
	return b.store.Persist()
}

// Recall retrieves memories relevant to query for one session. The index is
// asked for rawK results and the session predicate is re-applied here after
// ranking — the backend filter is a hint, and cross-session leakage is the
// one failure mode this layer must never have.
func (b *Bank) Recall(ctx context.Context, session, query string) ([]Record, error) {
	vec, err := b.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	hits, err := b.store.Query(ctx, vec, b.rawK, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: query: %w", err)
	}

	out := make([]Record, 0, b.limit)
	for _, h := range hits {
		if h.Metadata["session"] != session {
			continue
		}
		turn, _ := strconv.Atoi(h.Metadata["turn_index"])
		out = append(out, Record{
			ID:        h.ID,
			Session:   session,
			Role:      h.Metadata["role"],
			TurnIndex: turn,
			Content:   h.Content,
		})
		if len(out) == b.limit {
			break
		}
	}
	return out, nil
}

// All returns every record for a session; the order (similarity to a fixed
// probe text) carries no meaning.
// Operator/debug surface; the hot path is Recall.
func (b *Bank) All(ctx context.Context, session string) ([]Record, error) {
	// The ranking is irrelevant here; the session filter does the work.
	vec, err := b.embed.Embed(ctx, "conversation history for session "+session)
	if err != nil {
		return nil, err
	}
	hits, err := b.store.Query(ctx, vec, b.store.Count(), map[string]string{"session": session})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(hits))
	for _, h := range hits {
		turn, _ := strconv.Atoi(h.Metadata["turn_index"])
		out = append(out, Record{
			ID:        h.ID,
			Session:   session,
			Role:      h.Metadata["role"],
			TurnIndex: turn,
			Content:   h.Content,
		})
	}
	return out, nil
}
