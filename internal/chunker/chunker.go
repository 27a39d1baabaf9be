// Package chunker splits extracted document text into overlapping fixed-size
// windows for embedding and indexing.
//
// Splitting is purely positional: no sentence detection, no randomness, no
// external calls. Identical input always produces identical chunks, which
// keeps reindexing deterministic.
package chunker

import (
	"fmt"
	"strings"
)

// Chunker splits text into windows of Size characters where consecutive
// windows share Overlap characters. The shared boundary preserves retrieval
// continuity across chunk edges.
type Chunker struct {
	size    int
	overlap int
}

// New creates a Chunker. overlap must be smaller than size so every step
// makes forward progress.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, size), got %d", overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the configured window size in characters.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured overlap in characters.
func (c *Chunker) Overlap() int { return c.overlap }

// Split returns the ordered chunk sequence for text. Every character of the
// input is covered by at least one chunk; all chunks except possibly the last
// are exactly Size characters long. Chunks that are empty or whitespace-only
// after windowing are dropped.
func (c *Chunker) Split(text string) []string {
	if text == "" {
		return nil
	}

	var chunks []string
	for start := 0; start < len(text); start += c.size - c.overlap {
		end := start + c.size
		if end > len(text) {
			end = len(text)
		}

		window := text[start:end]
		if strings.TrimSpace(window) != "" {
			chunks = append(chunks, window)
		}

		if end == len(text) {
			break
		}
	}

	return chunks
}
