// Package engine exposes the knowledge-base surface consumed by the chat
// orchestration layer and the CLI: document upload and lifecycle, retention
// operations and the per-turn retrieval pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/farzinnasiri/the-council-sub000/internal/blob"
	"github.com/farzinnasiri/the-council-sub000/internal/extract"
	"github.com/farzinnasiri/the-council-sub000/internal/ingest"
	"github.com/farzinnasiri/the-council-sub000/internal/knowledge"
	"github.com/farzinnasiri/the-council-sub000/internal/metadata"
	"github.com/farzinnasiri/the-council-sub000/internal/retention"
	"github.com/farzinnasiri/the-council-sub000/internal/retrieval"
)

var (
	// ErrNoFiles indicates an upload call with an empty file list.
	ErrNoFiles = errors.New("no files to upload")

	// ErrDocumentNotFound indicates the owner has no active document with
	// the given ref.
	ErrDocumentNotFound = errors.New("document not found")
)

// File is one uploadable document.
type File struct {
	Name     string
	Data     []byte
	MimeType string
}

// DocumentInfo identifies one indexed document.
type DocumentInfo struct {
	Ref         uuid.UUID
	DisplayName string
}

// FileOutcome reports what happened to one uploaded file.
type FileOutcome struct {
	DisplayName string
	Status      metadata.UploadStatus
	Ref         *uuid.UUID
	ChunkCount  int
	Err         string
}

// UploadReport summarizes one upload call.
type UploadReport struct {
	StoreRef  string
	Documents []DocumentInfo
	Outcomes  []FileOutcome
}

// UploadOptions tunes an upload call.
type UploadOptions struct {
	// PersonaHint describes the owning member, fed into digest generation.
	PersonaHint string
}

// StoreInfo is the result of EnsureStore.
type StoreInfo struct {
	StoreRef string
	Created  bool
}

// Engine is the top-level knowledge-base facade. All operations are scoped
// to an owner id.
type Engine struct {
	blobs     blob.Store
	meta      metadata.Store
	chunks    knowledge.Store
	extractor extract.Extractor
	ingestor  *ingest.Ingestor
	retention *retention.Manager
	pipeline  *retrieval.Pipeline
	ttl       time.Duration
	logger    *slog.Logger
}

// New wires the engine from its components.
func New(
	blobs blob.Store,
	meta metadata.Store,
	chunks knowledge.Store,
	extractor extract.Extractor,
	ingestor *ingest.Ingestor,
	ret *retention.Manager,
	pipeline *retrieval.Pipeline,
	ttl time.Duration,
	logger *slog.Logger,
) (*Engine, error) {
	if blobs == nil || meta == nil || chunks == nil || extractor == nil ||
		ingestor == nil || ret == nil || pipeline == nil {
		return nil, fmt.Errorf("all engine components are required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("retention period must be positive, got %s", ttl)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		blobs:     blobs,
		meta:      meta,
		chunks:    chunks,
		extractor: extractor,
		ingestor:  ingestor,
		retention: ret,
		pipeline:  pipeline,
		ttl:       ttl,
		logger:    logger,
	}, nil
}

// storeRef names the owner's logical knowledge store.
func storeRef(ownerID string) string {
	return "kb://" + ownerID
}

// EnsureStore resolves the owner's knowledge-store reference. Created
// reports whether the owner had no prior uploads or documents.
func (e *Engine) EnsureStore(ctx context.Context, ownerID string) (*StoreInfo, error) {
	digests, err := e.meta.ListActiveDigests(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing digests: %w", err)
	}
	uploads, err := e.meta.ListUploads(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	return &StoreInfo{
		StoreRef: storeRef(ownerID),
		Created:  len(digests) == 0 && len(uploads) == 0,
	}, nil
}

// UploadDocuments stages and ingests a batch of files.
//
// Each file gets a staged-upload row before extraction starts, so a crash
// mid-ingestion still leaves an auditable record. Per-file failures are
// recorded on the row and in the report; they do not abort the rest of the
// batch.
func (e *Engine) UploadDocuments(ctx context.Context, ownerID string, files []File, opts UploadOptions) (*UploadReport, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	report := &UploadReport{StoreRef: storeRef(ownerID)}
	for _, f := range files {
		outcome := e.uploadOne(ctx, ownerID, f, opts)
		report.Outcomes = append(report.Outcomes, outcome)
		if outcome.Status == metadata.UploadIngested {
			report.Documents = append(report.Documents, DocumentInfo{
				Ref:         *outcome.Ref,
				DisplayName: outcome.DisplayName,
			})
		}
	}
	return report, nil
}

func (e *Engine) uploadOne(ctx context.Context, ownerID string, f File, opts UploadOptions) FileOutcome {
	outcome := FileOutcome{DisplayName: f.Name}

	blobRef, err := e.blobs.Put(ctx, f.Data)
	if err != nil {
		outcome.Status = metadata.UploadFailed
		outcome.Err = fmt.Sprintf("storing blob: %v", err)
		return outcome
	}

	now := time.Now()
	upload := metadata.StagedUpload{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		BlobRef:     blobRef,
		DisplayName: f.Name,
		MimeType:    f.MimeType,
		SizeBytes:   int64(len(f.Data)),
		Status:      metadata.UploadStaged,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.ttl),
	}
	if err := e.meta.CreateUpload(ctx, upload); err != nil {
		outcome.Status = metadata.UploadFailed
		outcome.Err = fmt.Sprintf("recording upload: %v", err)
		return outcome
	}

	res, err := e.ingestor.Ingest(ctx, ownerID, ingest.Document{
		Blob:        f.Data,
		DisplayName: f.Name,
		MimeHint:    f.MimeType,
	}, ingest.Options{PersonaHint: opts.PersonaHint})

	patch := metadata.UploadPatch{}
	switch {
	case err == nil:
		ingestedAt := time.Now()
		status := metadata.UploadIngested
		patch.Status = &status
		patch.DocumentRef = &res.DocumentRef
		patch.IngestedAt = &ingestedAt
		outcome.Status = status
		outcome.Ref = &res.DocumentRef
		outcome.ChunkCount = res.ChunkCount
	case errors.Is(err, ingest.ErrDuplicate):
		status := metadata.UploadSkipped
		patch.Status = &status
		outcome.Status = status
	default:
		status := metadata.UploadFailed
		msg := err.Error()
		patch.Status = &status
		patch.IngestError = &msg
		outcome.Status = status
		outcome.Err = msg
	}

	if perr := e.meta.PatchUpload(ctx, upload.ID, patch); perr != nil {
		e.logger.Error("failed to patch upload row",
			"upload_id", upload.ID, "error", perr)
	}
	return outcome
}

// ListDocuments returns the owner's active documents, most recently updated
// first.
func (e *Engine) ListDocuments(ctx context.Context, ownerID string) ([]DocumentInfo, error) {
	digests, err := e.meta.ListActiveDigests(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing digests: %w", err)
	}
	docs := make([]DocumentInfo, len(digests))
	for i := range digests {
		docs[i] = DocumentInfo{Ref: digests[i].DocumentRef, DisplayName: digests[i].DisplayName}
	}
	return docs, nil
}

// ListUploads returns the owner's staged upload rows, newest first. Failed
// ingestions stay visible here with their recorded error.
func (e *Engine) ListUploads(ctx context.Context, ownerID string) ([]metadata.StagedUpload, error) {
	uploads, err := e.meta.ListUploads(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	return uploads, nil
}

// DeleteDocument removes a document's chunks and soft-deletes its digest,
// then returns the remaining document list.
func (e *Engine) DeleteDocument(ctx context.Context, ownerID string, ref uuid.UUID) ([]DocumentInfo, error) {
	if _, err := e.chunks.DeleteDocument(ctx, ownerID, ref); err != nil {
		return nil, fmt.Errorf("deleting chunks: %w", err)
	}
	if _, err := e.meta.MarkDigestDeleted(ctx, ownerID, ref); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, ref)
		}
		return nil, fmt.Errorf("marking digest deleted: %w", err)
	}

	e.logger.Info("document deleted", "owner_id", ownerID, "document_ref", ref)
	return e.ListDocuments(ctx, ownerID)
}

// Rehydrate reindexes the owner's documents from their stored blobs.
func (e *Engine) Rehydrate(ctx context.Context, ownerID string, mode retention.Mode) (*retention.RehydrateReport, error) {
	return e.retention.Rehydrate(ctx, ownerID, mode)
}

// PurgeExpired purges staged uploads past their TTL. ownerID "" spans all
// owners.
func (e *Engine) PurgeExpired(ctx context.Context, ownerID string) (int, error) {
	return e.retention.PurgeExpired(ctx, time.Now(), ownerID)
}

// RebuildReport summarizes a digest rebuild run.
type RebuildReport struct {
	Rebuilt int
	Skipped int
}

// RebuildDigests regenerates the digest of every active document from its
// stored blob. Documents whose blob is gone (purged or never staged) are
// skipped.
func (e *Engine) RebuildDigests(ctx context.Context, ownerID, personaHint string) (*RebuildReport, error) {
	digests, err := e.meta.ListActiveDigests(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing digests: %w", err)
	}
	uploads, err := e.meta.ListRehydratable(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}

	// Newest upload row per document ref.
	blobByRef := make(map[uuid.UUID]string)
	mimeByRef := make(map[uuid.UUID]string)
	for _, u := range uploads {
		if u.DocumentRef == nil {
			continue
		}
		if _, ok := blobByRef[*u.DocumentRef]; !ok {
			blobByRef[*u.DocumentRef] = u.BlobRef
			mimeByRef[*u.DocumentRef] = u.MimeType
		}
	}

	report := &RebuildReport{}
	for _, d := range digests {
		blobRef, ok := blobByRef[d.DocumentRef]
		if !ok {
			report.Skipped++
			continue
		}
		if err := e.rebuildOne(ctx, ownerID, d, blobRef, mimeByRef[d.DocumentRef], personaHint); err != nil {
			e.logger.Warn("digest rebuild failed",
				"owner_id", ownerID, "display_name", d.DisplayName, "error", err)
			report.Skipped++
			continue
		}
		report.Rebuilt++
	}

	e.logger.Info("digest rebuild completed",
		"owner_id", ownerID, "rebuilt", report.Rebuilt, "skipped", report.Skipped)
	return report, nil
}

func (e *Engine) rebuildOne(ctx context.Context, ownerID string, d metadata.Digest, blobRef, mimeType, personaHint string) error {
	data, err := e.blobs.Get(ctx, blobRef)
	if err != nil {
		return fmt.Errorf("fetching blob: %w", err)
	}
	text, err := e.extractor.Extract(ctx, data, d.DisplayName, mimeType)
	if err != nil {
		return fmt.Errorf("extracting text: %w", err)
	}
	return e.ingestor.BuildDigest(ctx, ownerID, d.DisplayName, d.DocumentRef, text, personaHint)
}

// Chat runs the retrieval pipeline for one conversational turn and returns
// the gate decision, query plan and evidence pack.
func (e *Engine) Chat(ctx context.Context, ownerID, query string, history []retrieval.Turn, memoryHint string) (*retrieval.ChatResult, error) {
	return e.pipeline.Chat(ctx, ownerID, query, history, memoryHint)
}
