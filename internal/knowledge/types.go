// Package knowledge implements the owner-scoped chunk store: persistence and
// k-NN search for embedded document chunks.
//
// Two backends exist. The PostgreSQL backend (pgx + pgvector) is the
// production store; the in-memory backend (chromem-go) serves development and
// tests. Both guarantee that for a given (owner, document) the stored chunk
// set is always a complete version: ReplaceDocument swaps the whole set
// atomically from the reader's point of view.
package knowledge

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Chunk is one indexable window of a document.
type Chunk struct {
	Index     int       // 0-based, contiguous per document
	Text      string    // window text
	Embedding []float32 // fixed-dimension vector (embedding.VectorDimension)
}

// SearchHit is one k-NN search result.
type SearchHit struct {
	Text        string
	Score       float64 // cosine similarity, higher is closer
	DocumentRef uuid.UUID
	DisplayName string
}

// Store persists chunks with vectors, scoped to an owner.
type Store interface {
	// ReplaceDocument atomically replaces all chunks of (ownerID, ref) with
	// the given set and returns the inserted count. Concurrent replaces of
	// the same document are serialized by the store.
	ReplaceDocument(ctx context.Context, ownerID string, ref uuid.UUID, displayName string, chunks []Chunk) (int, error)

	// DeleteDocument removes every chunk of (ownerID, ref) and returns the
	// deleted count.
	DeleteDocument(ctx context.Context, ownerID string, ref uuid.UUID) (int, error)

	// Search returns up to k hits for the query vector within ownerID's
	// namespace, ordered by descending similarity.
	Search(ctx context.Context, ownerID string, vector []float32, k int) ([]SearchHit, error)

	// HasChunks reports whether any chunk exists for the owner whose
	// display name normalizes to normalizedName.
	HasChunks(ctx context.Context, ownerID, normalizedName string) (bool, error)
}

// NormalizeName lower-cases and whitespace-collapses a display name for
// duplicate comparison. The same normalization is applied on write and read
// so dedup is case/whitespace-insensitive.
func NormalizeName(displayName string) string {
	return strings.Join(strings.Fields(strings.ToLower(displayName)), " ")
}
