// Package metadata persists the two bookkeeping entities of the knowledge
// base engine: document digests and staged-upload records.
//
// Digests are lightweight per-document signals (topics, entities, anchors,
// summary) used by the retrieval gate to decide relevance without a vector
// search. Staged uploads track every upload attempt and its retention
// lifecycle, independent of whether ingestion succeeded.
package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("metadata record not found")

// DigestStatus is the lifecycle state of a digest. Digests are never hard
// deleted so retrieval-signal history stays auditable.
type DigestStatus string

const (
	DigestActive  DigestStatus = "active"
	DigestDeleted DigestStatus = "deleted"
)

// Digest is the per-document metadata record, keyed by
// (OwnerID, NormalizedName).
type Digest struct {
	OwnerID        string
	DisplayName    string
	NormalizedName string
	DocumentRef    uuid.UUID
	Topics         []string
	Entities       []string
	LexicalAnchors []string
	StyleAnchors   []string
	Summary        string
	Status         DigestStatus
	UpdatedAt      time.Time
}

// Terms returns all digest signal terms in one slice, for gate overlap
// matching.
func (d *Digest) Terms() []string {
	terms := make([]string, 0, len(d.Topics)+len(d.Entities)+len(d.LexicalAnchors)+len(d.StyleAnchors))
	terms = append(terms, d.Topics...)
	terms = append(terms, d.Entities...)
	terms = append(terms, d.LexicalAnchors...)
	terms = append(terms, d.StyleAnchors...)
	return terms
}

// UploadStatus is the lifecycle state of a staged upload.
type UploadStatus string

const (
	UploadStaged     UploadStatus = "staged"
	UploadIngested   UploadStatus = "ingested"
	UploadSkipped    UploadStatus = "skipped_duplicate"
	UploadFailed     UploadStatus = "failed"
	UploadRehydrated UploadStatus = "rehydrated"
	UploadPurged     UploadStatus = "purged"
)

// StagedUpload tracks one uploaded file. ExpiresAt is fixed at creation
// (CreatedAt + retention period) and never extended.
type StagedUpload struct {
	ID          uuid.UUID
	OwnerID     string
	BlobRef     string
	DisplayName string
	MimeType    string
	SizeBytes   int64
	Status      UploadStatus
	DocumentRef *uuid.UUID
	IngestError string
	CreatedAt   time.Time
	IngestedAt  *time.Time
	ExpiresAt   time.Time
	DeletedAt   *time.Time
}

// UploadPatch holds the fields updated after an ingestion attempt.
// Nil fields are left unchanged.
type UploadPatch struct {
	Status      *UploadStatus
	DocumentRef *uuid.UUID
	IngestError *string
	IngestedAt  *time.Time
}

// Store is the metadata persistence interface. Both the PostgreSQL and the
// in-memory backend implement it.
type Store interface {
	// UpsertDigest creates or replaces the digest for
	// (OwnerID, NormalizedName). Creation races between concurrent uploads
	// of the same name resolve to last-writer-wins on the conflict key.
	UpsertDigest(ctx context.Context, d Digest) error

	// GetDigest returns the digest for the normalized name, ErrNotFound if
	// none exists (regardless of status).
	GetDigest(ctx context.Context, ownerID, normalizedName string) (*Digest, error)

	// ListActiveDigests returns all active digests for the owner.
	ListActiveDigests(ctx context.Context, ownerID string) ([]Digest, error)

	// MarkDigestDeleted flips the digest owning documentRef to deleted and
	// returns it. ErrNotFound if the owner has no active digest for the ref.
	MarkDigestDeleted(ctx context.Context, ownerID string, documentRef uuid.UUID) (*Digest, error)

	// CreateUpload inserts a new staged-upload row.
	CreateUpload(ctx context.Context, u StagedUpload) error

	// PatchUpload applies the non-nil patch fields to the upload row.
	PatchUpload(ctx context.Context, id uuid.UUID, patch UploadPatch) error

	// ListUploads returns all upload rows for the owner, newest first.
	ListUploads(ctx context.Context, ownerID string) ([]StagedUpload, error)

	// ListExpired returns non-purged rows with ExpiresAt <= now. ownerID ""
	// means all owners.
	ListExpired(ctx context.Context, now time.Time, ownerID string) ([]StagedUpload, error)

	// ListRehydratable returns non-purged rows for the owner, newest first.
	ListRehydratable(ctx context.Context, ownerID string) ([]StagedUpload, error)

	// MarkPurged flips the given rows to purged with the same deletion
	// timestamp, in one batch. Returns the number of rows transitioned.
	MarkPurged(ctx context.Context, ids []uuid.UUID, deletedAt time.Time) (int, error)

	// BlobRefInUse reports whether any non-purged row, across all owners,
	// references blobRef and has not expired as of now. Blob refs are
	// content-addressed and may be shared by several rows.
	BlobRefInUse(ctx context.Context, blobRef string, now time.Time) (bool, error)
}
