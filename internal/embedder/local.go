package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Local is a deterministic CPU-only embedder: token hashing into a fixed
// number of buckets with L2 normalization. Retrieval quality is far below a
// learned model, but it is reproducible, dependency-free, and good enough to
// rank lexically similar chunks — which is what the offline default and the
// test suite need.
type Local struct {
	dim int
}

// NewLocal creates a local embedder with the given dimension (default 384).
func NewLocal(dim int) *Local {
	if dim <= 0 {
		dim = 384
	}
	return &Local{dim: dim}
}

func (l *Local) Dimension() int     { return l.dim }
func (l *Local) Provenance() string { return "local-hash-v1" }

func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, l.dim)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		bucket := int(sum % uint32(l.dim))
		// Sign bit from a higher hash bit keeps buckets from only growing.
		if sum&0x80000000 != 0 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
