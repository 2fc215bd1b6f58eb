package embedder

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalDeterministic(t *testing.T) {
	e := NewLocal(64)
	a, err := e.Embed(context.Background(), "the quick brown fox")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "the quick brown fox")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLocalDimension(t *testing.T) {
	e := NewLocal(0)
	assert.Equal(t, 384, e.Dimension())

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 384)
}

func TestLocalNormalized(t *testing.T) {
	e := NewLocal(128)
	vec, err := e.Embed(context.Background(), "normalize me please with several tokens")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestLocalSimilarTextsCloser(t *testing.T) {
	e := NewLocal(256)
	ctx := context.Background()

	base, _ := e.Embed(ctx, "open the file and read its contents")
	near, _ := e.Embed(ctx, "read the file contents")
	far, _ := e.Embed(ctx, "quantum entanglement spectroscopy results")

	assert.Greater(t, dot(base, near), dot(base, far))
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
