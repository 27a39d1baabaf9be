// Package embedding converts chunk text into fixed-dimensionality vectors
// via the configured embedding provider.
//
// Batching is provider-call shaping only: the Batcher preserves input order,
// returns exactly one vector per input text, and fails the whole call on any
// batch error so ingestion never commits a partially embedded document.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// VectorDimension is the fixed embedding dimensionality. gemini-embedding-001
// is truncated to this size via OutputDimensionality; the pgvector column and
// every stored chunk use the same constant.
const VectorDimension int32 = 768

// ErrProvider indicates the embedding provider failed or returned vectors
// that violate the 1:1 length/dimensionality contract.
var ErrProvider = errors.New("embedding provider error")

// Batcher embeds chunk lists in bounded batches.
//
// Batches within one call are issued sequentially; the rate limiter paces
// calls so concurrent ingestions stay within provider limits.
type Batcher struct {
	embedder  ai.Embedder
	batchSize int
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewBatcher creates a Batcher. batchSize must be positive. limiter may be
// nil to disable pacing (tests).
func NewBatcher(embedder ai.Embedder, batchSize int, limiter *rate.Limiter, logger *slog.Logger) (*Batcher, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		embedder:  embedder,
		batchSize: batchSize,
		limiter:   limiter,
		logger:    logger,
	}, nil
}

// EmbedAll returns one vector per input text, in input order. Any provider
// failure or dimensionality mismatch fails the whole call.
func (b *Batcher) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += b.batchSize {
		end := start + b.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: waiting for rate limiter: %w", ErrProvider, err)
			}
		}

		batch, err := b.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}

	b.logger.Debug("embedded chunks", "count", len(vectors), "batch_size", b.batchSize)
	return vectors, nil
}

// EmbedQuery embeds a single retrieval query.
func (b *Batcher) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := b.embedBatch(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// embedBatch issues one provider call for the given texts and validates the
// response shape.
func (b *Batcher) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	docs := make([]*ai.Document, len(texts))
	for i, text := range texts {
		docs[i] = ai.DocumentFromText(text, nil)
	}

	dim := VectorDimension
	resp, err := b.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   docs,
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts",
			ErrProvider, len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Embedding) != int(VectorDimension) {
			got := 0
			if emb != nil {
				got = len(emb.Embedding)
			}
			return nil, fmt.Errorf("%w: embedding %d has dimension %d, want %d",
				ErrProvider, i, got, VectorDimension)
		}
		vectors[i] = emb.Embedding
	}

	return vectors, nil
}
