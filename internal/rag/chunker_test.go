package rag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkerSmallFileSingleChunk(t *testing.T) {
	c := NewChunker(2000, 200)
	chunks := c.Split("a.go", "package main\n")

	require.Len(t, chunks, 1)
	assert.Equal(t, "package main\n", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].StartByte)
	assert.Equal(t, len("package main\n"), chunks[0].EndByte)
}

func TestChunkerEmptyFile(t *testing.T) {
	c := NewChunker(2000, 200)
	assert.Nil(t, c.Split("empty.go", ""))
}

func TestChunkerRespectsSizeAndOverlap(t *testing.T) {
	c := NewChunker(100, 20)

	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("line number xx\n") // 15 code points per line
	}
	content := b.String()
	chunks := c.Split("big.txt", content)

	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len([]rune(ch.Content)), 100, "chunk %d too large", ch.Index)
	}
	// Each consecutive pair shares the declared overlap region.
	for i := 1; i < len(chunks); i++ {
		prev := []rune(chunks[i-1].Content)
		cur := []rune(chunks[i].Content)
		tail := string(prev[len(prev)-20:])
		head := string(cur[:20])
		assert.Equal(t, tail, head, "chunks %d/%d do not overlap", i-1, i)
	}
}

func TestChunkerPrefersLineBoundaries(t *testing.T) {
	c := NewChunker(100, 10)

	content := strings.Repeat("0123456789012345678\n", 20)
	chunks := c.Split("lines.txt", content)
	require.Greater(t, len(chunks), 1)
	// Every non-final chunk should end exactly on a newline.
	for _, ch := range chunks[:len(chunks)-1] {
		assert.True(t, strings.HasSuffix(ch.Content, "\n"), "chunk %d does not end on a line boundary", ch.Index)
	}
}

func TestChunkerDeterministic(t *testing.T) {
	c := NewChunker(120, 30)
	content := strings.Repeat("some source line with content\n", 40)

	a := c.Split("f.go", content)
	b := c.Split("f.go", content)

	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Hash, b[i].Hash)
		assert.Equal(t, a[i].StartByte, b[i].StartByte)
		assert.Equal(t, a[i].EndByte, b[i].EndByte)
	}
}

func TestChunkerReconstructsFile(t *testing.T) {
	c := NewChunker(100, 20)
	content := strings.Repeat("alpha beta gamma delta line\n", 30)
	chunks := c.Split("r.txt", content)
	require.NotEmpty(t, chunks)

	// Strip each chunk's leading overlap and concatenate.
	var rebuilt strings.Builder
	rebuilt.WriteString(chunks[0].Content)
	for _, ch := range chunks[1:] {
		runes := []rune(ch.Content)
		rebuilt.WriteString(string(runes[20:]))
	}
	assert.Equal(t, content, rebuilt.String())
}

func TestChunkerMultibyteOffsets(t *testing.T) {
	c := NewChunker(2000, 200)
	content := "héllo wörld — ünïcode\n"
	chunks := c.Split("u.txt", content)

	require.Len(t, chunks, 1)
	assert.Equal(t, len(content), chunks[0].EndByte)
}

func TestHashFileStable(t *testing.T) {
	assert.Equal(t, HashFile([]byte("abc")), HashFile([]byte("abc")))
	assert.NotEqual(t, HashFile([]byte("abc")), HashFile([]byte("abd")))
}

func TestIsBinary(t *testing.T) {
	assert.True(t, isBinary([]byte{0x7f, 'E', 'L', 'F', 0x00, 0x01}))
	assert.False(t, isBinary([]byte("plain text\nwith lines\n")))
}
