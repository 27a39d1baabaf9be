// Package ingest orchestrates document ingestion: dedup check, text
// extraction, chunking, batched embedding, atomic chunk replacement and
// digest generation.
//
// The pipeline is strictly sequential within one document because each step
// depends on the previous one's output. Across documents (including across
// owners) ingestions are independent and may run concurrently.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/farzinnasiri/the-council-sub000/internal/chunker"
	"github.com/farzinnasiri/the-council-sub000/internal/embedding"
	"github.com/farzinnasiri/the-council-sub000/internal/extract"
	"github.com/farzinnasiri/the-council-sub000/internal/knowledge"
	"github.com/farzinnasiri/the-council-sub000/internal/metadata"
)

var (
	// ErrDuplicate indicates an active document with the same normalized
	// display name already exists for the owner. No work was performed.
	ErrDuplicate = errors.New("duplicate document")

	// ErrExtraction indicates text extraction failed.
	ErrExtraction = errors.New("extraction failed")

	// ErrEmptyDocument indicates extraction produced no indexable text.
	ErrEmptyDocument = errors.New("empty document")

	// ErrTooManyChunks indicates the document exceeds the per-document
	// chunk ceiling. Raised before any embedding spend.
	ErrTooManyChunks = errors.New("too many chunks")
)

// Generator produces text from a prompt. Digest generation treats it as
// advisory: any failure falls back to a deterministic digest.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Document is one upload handed to the ingestor.
type Document struct {
	Blob        []byte
	DisplayName string
	MimeHint    string
}

// Options tunes a single ingestion.
type Options struct {
	// PersonaHint describes the owning member, fed into digest generation.
	PersonaHint string

	// SkipDedup bypasses the duplicate check. Used by rehydration, which
	// intentionally reindexes existing names.
	SkipDedup bool
}

// Result reports a successful ingestion.
type Result struct {
	DocumentRef uuid.UUID
	ChunkCount  int
}

// Ingestor runs the extract → chunk → embed → index → digest pipeline.
//
// Ingestor is safe for concurrent use as long as callers do not ingest the
// same (owner, display name) concurrently; the chunk store serializes
// same-document replacement, and digest upserts resolve by conflict key.
type Ingestor struct {
	extractor extract.Extractor
	chunker   *chunker.Chunker
	batcher   *embedding.Batcher
	chunks    knowledge.Store
	meta      metadata.Store
	generator Generator
	maxChunks int
	logger    *slog.Logger
}

// New creates an Ingestor. generator may be nil: digests then always use the
// deterministic fallback.
func New(
	extractor extract.Extractor,
	ch *chunker.Chunker,
	batcher *embedding.Batcher,
	chunks knowledge.Store,
	meta metadata.Store,
	generator Generator,
	maxChunks int,
	logger *slog.Logger,
) (*Ingestor, error) {
	if extractor == nil || ch == nil || batcher == nil || chunks == nil || meta == nil {
		return nil, fmt.Errorf("all pipeline dependencies are required")
	}
	if maxChunks <= 0 {
		return nil, fmt.Errorf("max chunks must be positive, got %d", maxChunks)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		extractor: extractor,
		chunker:   ch,
		batcher:   batcher,
		chunks:    chunks,
		meta:      meta,
		generator: generator,
		maxChunks: maxChunks,
		logger:    logger,
	}, nil
}

// Ingest runs the full pipeline for one document and returns the chunk count.
//
// When a digest already exists for the normalized display name, its document
// ref is reused so the chunk replacement targets the previous version instead
// of leaking it under an orphaned ref.
func (ing *Ingestor) Ingest(ctx context.Context, ownerID string, doc Document, opts Options) (*Result, error) {
	normalized := knowledge.NormalizeName(doc.DisplayName)
	if normalized == "" {
		return nil, fmt.Errorf("%w: blank display name", ErrEmptyDocument)
	}

	ref := uuid.New()
	existing, err := ing.meta.GetDigest(ctx, ownerID, normalized)
	switch {
	case err == nil:
		if !opts.SkipDedup && existing.Status == metadata.DigestActive {
			return nil, fmt.Errorf("%w: %q", ErrDuplicate, doc.DisplayName)
		}
		ref = existing.DocumentRef
	case errors.Is(err, metadata.ErrNotFound):
		// First ingestion of this name.
	default:
		return nil, fmt.Errorf("checking for duplicate: %w", err)
	}

	text, err := ing.extractor.Extract(ctx, doc.Blob, doc.DisplayName, doc.MimeHint)
	if err != nil {
		if errors.Is(err, extract.ErrEmptyExtraction) {
			return nil, fmt.Errorf("%w: %w", ErrEmptyDocument, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrExtraction, err)
	}

	texts := ing.chunker.Split(text)
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyDocument, doc.DisplayName)
	}
	if len(texts) > ing.maxChunks {
		return nil, fmt.Errorf("%w: %d chunks exceed limit %d", ErrTooManyChunks, len(texts), ing.maxChunks)
	}

	vectors, err := ing.batcher.EmbedAll(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding document %q: %w", doc.DisplayName, err)
	}

	chunks := make([]knowledge.Chunk, len(texts))
	for i := range texts {
		chunks[i] = knowledge.Chunk{Index: i, Text: texts[i], Embedding: vectors[i]}
	}

	inserted, err := ing.chunks.ReplaceDocument(ctx, ownerID, ref, doc.DisplayName, chunks)
	if err != nil {
		return nil, fmt.Errorf("indexing document %q: %w", doc.DisplayName, err)
	}

	if err := ing.BuildDigest(ctx, ownerID, doc.DisplayName, ref, text, opts.PersonaHint); err != nil {
		// Chunks are indexed; a missing digest would break the iff invariant
		// between digests and indexed documents.
		return nil, fmt.Errorf("writing digest for %q: %w", doc.DisplayName, err)
	}

	ing.logger.Info("document ingested",
		"owner_id", ownerID,
		"display_name", doc.DisplayName,
		"document_ref", ref,
		"chunks", inserted)
	return &Result{DocumentRef: ref, ChunkCount: inserted}, nil
}

// BuildDigest generates and persists the digest for an already indexed
// document. Generation is advisory: on any provider failure or incomplete
// response the deterministic fallback digest is stored instead.
func (ing *Ingestor) BuildDigest(ctx context.Context, ownerID, displayName string, ref uuid.UUID, text, personaHint string) error {
	digest := ing.generateDigest(ctx, displayName, text, personaHint)
	digest.OwnerID = ownerID
	digest.DisplayName = displayName
	digest.NormalizedName = knowledge.NormalizeName(displayName)
	digest.DocumentRef = ref
	digest.Status = metadata.DigestActive
	digest.UpdatedAt = time.Now()

	if err := ing.meta.UpsertDigest(ctx, digest); err != nil {
		return fmt.Errorf("upserting digest: %w", err)
	}
	return nil
}
