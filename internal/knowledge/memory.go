package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

// docKey identifies a document within one owner's namespace.
type docKey struct {
	ownerID string
	ref     uuid.UUID
}

// MemoryStore is the chromem-go backed chunk store used for development and
// tests. Vector search is delegated to chromem; chunk counts and name
// presence are tracked in a side index because chromem exposes no
// metadata-scoped enumeration.
//
// MemoryStore is safe for concurrent use by multiple goroutines.
type MemoryStore struct {
	mu     sync.Mutex
	db     *chromem.DB
	embedF chromem.EmbeddingFunc
	logger *slog.Logger

	chunkCounts map[docKey]int
	names       map[docKey]string // normalized display name per document
}

// NewMemoryStore creates an in-memory chunk store. embedF is only used if a
// document is ever added without a precomputed embedding; passing the bridge
// from embedding.NewEmbeddingFunc keeps both backends on the same provider.
func NewMemoryStore(embedF chromem.EmbeddingFunc, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		db:          chromem.NewDB(),
		embedF:      embedF,
		logger:      logger,
		chunkCounts: make(map[docKey]int),
		names:       make(map[docKey]string),
	}
}

// collectionName returns the per-owner chromem collection name.
func collectionName(ownerID string) string {
	return "kb-" + ownerID
}

// ReplaceDocument implements Store. The store-wide mutex serializes all
// mutation, which trivially satisfies the same-document exclusion the
// Postgres store achieves with advisory locks.
func (s *MemoryStore) ReplaceDocument(ctx context.Context, ownerID string, ref uuid.UUID, displayName string, chunks []Chunk) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, err := s.db.GetOrCreateCollection(collectionName(ownerID), nil, s.embedF)
	if err != nil {
		return 0, fmt.Errorf("opening collection: %w", err)
	}

	key := docKey{ownerID: ownerID, ref: ref}
	if s.chunkCounts[key] > 0 {
		if err := coll.Delete(ctx, map[string]string{"document_ref": ref.String()}, nil); err != nil {
			return 0, fmt.Errorf("deleting previous chunks: %w", err)
		}
	}

	normalized := NormalizeName(displayName)
	for _, chunk := range chunks {
		doc := chromem.Document{
			ID:        ref.String() + ":" + strconv.Itoa(chunk.Index),
			Content:   chunk.Text,
			Embedding: chunk.Embedding,
			Metadata: map[string]string{
				"document_ref":    ref.String(),
				"display_name":    displayName,
				"normalized_name": normalized,
				"chunk_index":     strconv.Itoa(chunk.Index),
			},
		}
		if err := coll.AddDocument(ctx, doc); err != nil {
			// Roll the half-written set back so no partial version remains.
			_ = coll.Delete(ctx, map[string]string{"document_ref": ref.String()}, nil)
			delete(s.chunkCounts, key)
			delete(s.names, key)
			return 0, fmt.Errorf("adding chunk %d: %w", chunk.Index, err)
		}
	}

	s.chunkCounts[key] = len(chunks)
	s.names[key] = normalized
	return len(chunks), nil
}

// DeleteDocument implements Store.
func (s *MemoryStore) DeleteDocument(ctx context.Context, ownerID string, ref uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := docKey{ownerID: ownerID, ref: ref}
	count := s.chunkCounts[key]
	if count == 0 {
		return 0, nil
	}

	coll := s.db.GetCollection(collectionName(ownerID), s.embedF)
	if coll != nil {
		if err := coll.Delete(ctx, map[string]string{"document_ref": ref.String()}, nil); err != nil {
			return 0, fmt.Errorf("deleting chunks: %w", err)
		}
	}

	delete(s.chunkCounts, key)
	delete(s.names, key)
	return count, nil
}

// Search implements Store.
func (s *MemoryStore) Search(ctx context.Context, ownerID string, vector []float32, k int) ([]SearchHit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("search limit must be positive, got %d", k)
	}

	s.mu.Lock()
	coll := s.db.GetCollection(collectionName(ownerID), s.embedF)
	s.mu.Unlock()
	if coll == nil {
		return nil, nil
	}

	// chromem rejects nResults above the document count.
	if total := coll.Count(); total < k {
		k = total
	}
	if k == 0 {
		return nil, nil
	}

	results, err := coll.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	hits := make([]SearchHit, 0, len(results))
	for _, res := range results {
		ref, err := uuid.Parse(res.Metadata["document_ref"])
		if err != nil {
			s.logger.Warn("skipping hit with malformed document ref", "id", res.ID, "error", err)
			continue
		}
		hits = append(hits, SearchHit{
			Text:        res.Content,
			Score:       float64(res.Similarity),
			DocumentRef: ref,
			DisplayName: res.Metadata["display_name"],
		})
	}
	return hits, nil
}

// HasChunks implements Store.
func (s *MemoryStore) HasChunks(_ context.Context, ownerID, normalizedName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, name := range s.names {
		if key.ownerID == ownerID && name == normalizedName && s.chunkCounts[key] > 0 {
			return true, nil
		}
	}
	return false, nil
}
