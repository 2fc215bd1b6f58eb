// Package rag builds and queries the codebase retrieval index: splitting
// files into overlapping chunks, embedding them with bounded concurrency,
// and keeping the persisted index in step with the working tree.
package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Chunk is one piece of a source file.
type Chunk struct {
	Path      string `json:"path"`
	Index     int    `json:"index"`
	Content   string `json:"content"`
	StartByte int    `json:"start_byte"`
	EndByte   int    `json:"end_byte"`
	Hash      string `json:"hash"` // content hash of this chunk
}

// Chunker splits text into chunks of at most Size code points with Overlap
// code points shared between neighbors, preferring line boundaries for the
// cut. Splitting is deterministic: the same input and configuration always
// yield identical boundaries and hashes.
type Chunker struct {
	Size    int // max code points per chunk
	Overlap int // code points shared with the previous chunk
}

// NewChunker replaces a non-positive size with 2000 and a negative overlap,
// or one not smaller than size, with 200; an overlap of zero is kept.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 2000
	}
	if overlap < 0 || overlap >= size {
		overlap = 200
	}
	return &Chunker{Size: size, Overlap: overlap}
}

// Split chunks the content of one file.
func (c *Chunker) Split(path, content string) []Chunk {
	runes := []rune(content)
	if len(runes) == 0 {
		return nil
	}

	// byteAt[i] is the byte offset of rune i; byteAt[len] is len(content).
	byteAt := make([]int, len(runes)+1)
	off := 0
	for i, r := range runes {
		byteAt[i] = off
		off += len(string(r))
	}
	byteAt[len(runes)] = len(content)

	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := start + c.Size
		if end >= len(runes) {
			end = len(runes)
		} else {
			// Prefer cutting at a line boundary, as long as the cut keeps
			// the chunk at least half full.
			window := string(runes[start:end])
			if nl := strings.LastIndexByte(window, '\n'); nl >= 0 {
				cut := start + len([]rune(window[:nl+1]))
				if cut-start >= c.Size/2 {
					end = cut
				}
			}
		}

		text := string(runes[start:end])
		chunks = append(chunks, Chunk{
			Path:      path,
			Index:     len(chunks),
			Content:   text,
			StartByte: byteAt[start],
			EndByte:   byteAt[end],
			Hash:      hashContent(text),
		})

		if end == len(runes) {
			break
		}
		start = end - c.Overlap
	}
	return chunks
}

// hashContent returns a short hex digest used as the chunk identity.
func hashContent(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// HashFile returns the full-content digest used for change detection.
func HashFile(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
