// Package retention manages the staged-upload lifecycle: TTL-based purge of
// expired uploads and rehydration of the index from original blobs.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/farzinnasiri/the-council-sub000/internal/blob"
	"github.com/farzinnasiri/the-council-sub000/internal/ingest"
	"github.com/farzinnasiri/the-council-sub000/internal/knowledge"
	"github.com/farzinnasiri/the-council-sub000/internal/metadata"
)

// Mode selects which documents a rehydration run reindexes.
type Mode string

const (
	// ModeMissingOnly reindexes only documents that have no chunks.
	ModeMissingOnly Mode = "missing-only"

	// ModeAll reindexes every rehydratable document.
	ModeAll Mode = "all"
)

// ErrInvalidMode indicates an unrecognized rehydration mode.
var ErrInvalidMode = errors.New("invalid rehydration mode")

// ParseMode validates a mode string. An empty string defaults to
// missing-only.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeMissingOnly, nil
	case ModeMissingOnly, ModeAll:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Ingestor is the slice of the ingestion pipeline rehydration needs.
type Ingestor interface {
	Ingest(ctx context.Context, ownerID string, doc ingest.Document, opts ingest.Options) (*ingest.Result, error)
}

// RehydrateReport summarizes one rehydration run. Skipped counts documents
// intentionally left alone (superseded rows, chunks already present); Failed
// counts reindex attempts that errored.
type RehydrateReport struct {
	Rehydrated int
	Skipped    int
	Failed     int
	Documents  []string
}

// Manager runs purge and rehydration over the staged-upload records.
type Manager struct {
	meta      metadata.Store
	blobs     blob.Store
	chunks    knowledge.Store
	ingestor  Ingestor
	retention time.Duration
	logger    *slog.Logger
}

// New creates a retention Manager. retention is the staged-upload TTL used
// when recording rehydrated rows.
func New(meta metadata.Store, blobs blob.Store, chunks knowledge.Store, ingestor Ingestor, retention time.Duration, logger *slog.Logger) (*Manager, error) {
	if meta == nil || blobs == nil || chunks == nil || ingestor == nil {
		return nil, fmt.Errorf("all store and pipeline dependencies are required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention period must be positive, got %s", retention)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		meta:      meta,
		blobs:     blobs,
		chunks:    chunks,
		ingestor:  ingestor,
		retention: retention,
		logger:    logger,
	}, nil
}

// PurgeExpired deletes the blobs of all staged uploads whose TTL has passed
// and marks the rows purged in one batch. ownerID "" spans all owners.
//
// Blob refs are content-addressed and may be shared by several rows, so a
// blob is only deleted once no unexpired row anywhere still references it.
// Blob deletion is best-effort: a failed delete is logged and the row still
// transitions to purged. Re-running with the same now is a no-op.
func (m *Manager) PurgeExpired(ctx context.Context, now time.Time, ownerID string) (int, error) {
	expired, err := m.meta.ListExpired(ctx, now, ownerID)
	if err != nil {
		return 0, fmt.Errorf("listing expired uploads: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, 0, len(expired))
	for _, u := range expired {
		ids = append(ids, u.ID)

		inUse, err := m.meta.BlobRefInUse(ctx, u.BlobRef, now)
		if err != nil {
			m.logger.Warn("blob ref check failed during purge, keeping blob",
				"upload_id", u.ID, "blob_ref", u.BlobRef, "error", err)
			continue
		}
		if inUse {
			continue
		}
		if err := m.blobs.Delete(ctx, u.BlobRef); err != nil {
			m.logger.Warn("blob delete failed during purge",
				"upload_id", u.ID, "blob_ref", u.BlobRef, "error", err)
		}
	}

	purged, err := m.meta.MarkPurged(ctx, ids, now)
	if err != nil {
		return 0, fmt.Errorf("marking uploads purged: %w", err)
	}

	m.logger.Info("purge completed", "owner_id", ownerID, "purged", purged)
	return purged, nil
}

// Rehydrate reindexes documents from their original blobs.
//
// Only the most recent upload row per normalized display name is processed;
// older rows, including earlier content versions of the same document, are
// superseded and counted as skipped. In missing-only mode a document whose
// normalized name already has chunks is also skipped. Each reindexed
// document is recorded as a new upload row with status rehydrated.
func (m *Manager) Rehydrate(ctx context.Context, ownerID string, mode Mode) (*RehydrateReport, error) {
	rows, err := m.meta.ListRehydratable(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing rehydratable uploads: %w", err)
	}

	latest, superseded := latestPerDocument(rows)
	report := &RehydrateReport{Skipped: superseded}
	for _, u := range latest {
		normalized := knowledge.NormalizeName(u.DisplayName)

		if mode == ModeMissingOnly {
			has, err := m.chunks.HasChunks(ctx, ownerID, normalized)
			if err != nil {
				return nil, fmt.Errorf("checking chunks for %q: %w", u.DisplayName, err)
			}
			if has {
				report.Skipped++
				continue
			}
		}

		if err := m.rehydrateOne(ctx, ownerID, u); err != nil {
			m.logger.Warn("rehydration failed for document",
				"owner_id", ownerID, "display_name", u.DisplayName, "error", err)
			report.Failed++
			continue
		}
		report.Rehydrated++
		report.Documents = append(report.Documents, u.DisplayName)
	}

	m.logger.Info("rehydration completed",
		"owner_id", ownerID, "mode", mode,
		"rehydrated", report.Rehydrated, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

// rehydrateOne reindexes a single upload from its blob and records the run
// as a fresh staged-upload row.
func (m *Manager) rehydrateOne(ctx context.Context, ownerID string, u metadata.StagedUpload) error {
	data, err := m.blobs.Get(ctx, u.BlobRef)
	if err != nil {
		return fmt.Errorf("fetching blob: %w", err)
	}

	res, err := m.ingestor.Ingest(ctx, ownerID, ingest.Document{
		Blob:        data,
		DisplayName: u.DisplayName,
		MimeHint:    u.MimeType,
	}, ingest.Options{SkipDedup: true})
	if err != nil {
		return fmt.Errorf("reindexing: %w", err)
	}

	now := time.Now()
	row := metadata.StagedUpload{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		BlobRef:     u.BlobRef,
		DisplayName: u.DisplayName,
		MimeType:    u.MimeType,
		SizeBytes:   u.SizeBytes,
		Status:      metadata.UploadRehydrated,
		DocumentRef: &res.DocumentRef,
		CreatedAt:   now,
		IngestedAt:  &now,
		ExpiresAt:   now.Add(m.retention),
	}
	if err := m.meta.CreateUpload(ctx, row); err != nil {
		return fmt.Errorf("recording rehydrated upload: %w", err)
	}
	return nil
}

// latestPerDocument keeps the newest row per normalized display name and
// reports how many older rows were superseded. Input is expected
// newest-first; ties on CreatedAt resolve to the first row seen.
func latestPerDocument(rows []metadata.StagedUpload) ([]metadata.StagedUpload, int) {
	seen := make(map[string]struct{}, len(rows))
	out := make([]metadata.StagedUpload, 0, len(rows))
	superseded := 0
	for _, u := range rows {
		name := knowledge.NormalizeName(u.DisplayName)
		if _, dup := seen[name]; dup {
			superseded++
			continue
		}
		seen[name] = struct{}{}
		out = append(out, u)
	}
	return out, superseded
}
