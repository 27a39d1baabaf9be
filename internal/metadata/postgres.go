package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// digestCols is the standard SELECT column list for scanDigest.
const digestCols = `owner_id, display_name, normalized_name, document_ref,
	topics, entities, lexical_anchors, style_anchors, summary, status, updated_at`

// uploadCols is the standard SELECT column list for scanUpload.
const uploadCols = `id, owner_id, blob_ref, display_name, mime_type, size_bytes,
	status, document_ref, ingest_error, created_at, ingested_at, expires_at, deleted_at`

// PostgresStore is the pgx-backed metadata store.
//
// PostgresStore is safe for concurrent use by multiple goroutines.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore creates a metadata store on the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// UpsertDigest implements Store. The ON CONFLICT clause is the
// compare-and-swap on digest creation: two concurrent ingestions of the same
// name cannot produce two rows.
func (s *PostgresStore) UpsertDigest(ctx context.Context, d Digest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO digests (owner_id, display_name, normalized_name, document_ref,
		   topics, entities, lexical_anchors, style_anchors, summary, status, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (owner_id, normalized_name) DO UPDATE SET
		   display_name = EXCLUDED.display_name,
		   document_ref = EXCLUDED.document_ref,
		   topics = EXCLUDED.topics,
		   entities = EXCLUDED.entities,
		   lexical_anchors = EXCLUDED.lexical_anchors,
		   style_anchors = EXCLUDED.style_anchors,
		   summary = EXCLUDED.summary,
		   status = EXCLUDED.status,
		   updated_at = EXCLUDED.updated_at`,
		d.OwnerID, d.DisplayName, d.NormalizedName, d.DocumentRef,
		d.Topics, d.Entities, d.LexicalAnchors, d.StyleAnchors,
		d.Summary, d.Status, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting digest %q: %w", d.NormalizedName, err)
	}
	return nil
}

// GetDigest implements Store.
func (s *PostgresStore) GetDigest(ctx context.Context, ownerID, normalizedName string) (*Digest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+digestCols+` FROM digests
		 WHERE owner_id = $1 AND normalized_name = $2`,
		ownerID, normalizedName,
	)
	d, err := scanDigest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: digest %q", ErrNotFound, normalizedName)
	}
	if err != nil {
		return nil, fmt.Errorf("getting digest %q: %w", normalizedName, err)
	}
	return d, nil
}

// ListActiveDigests implements Store.
func (s *PostgresStore) ListActiveDigests(ctx context.Context, ownerID string) ([]Digest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+digestCols+` FROM digests
		 WHERE owner_id = $1 AND status = $2
		 ORDER BY updated_at DESC`,
		ownerID, DigestActive,
	)
	if err != nil {
		return nil, fmt.Errorf("listing digests: %w", err)
	}
	defer rows.Close()

	var digests []Digest
	for rows.Next() {
		d, err := scanDigest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning digest: %w", err)
		}
		digests = append(digests, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating digests: %w", err)
	}
	return digests, nil
}

// MarkDigestDeleted implements Store.
func (s *PostgresStore) MarkDigestDeleted(ctx context.Context, ownerID string, documentRef uuid.UUID) (*Digest, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE digests SET status = $1, updated_at = now()
		 WHERE owner_id = $2 AND document_ref = $3 AND status = $4
		 RETURNING `+digestCols,
		DigestDeleted, ownerID, documentRef, DigestActive,
	)
	d, err := scanDigest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active digest for document %s", ErrNotFound, documentRef)
	}
	if err != nil {
		return nil, fmt.Errorf("marking digest deleted: %w", err)
	}
	return d, nil
}

// CreateUpload implements Store.
func (s *PostgresStore) CreateUpload(ctx context.Context, u StagedUpload) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO staged_uploads (id, owner_id, blob_ref, display_name, mime_type,
		   size_bytes, status, document_ref, ingest_error, created_at, ingested_at,
		   expires_at, deleted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		u.ID, u.OwnerID, u.BlobRef, u.DisplayName, u.MimeType,
		u.SizeBytes, u.Status, u.DocumentRef, u.IngestError, u.CreatedAt,
		u.IngestedAt, u.ExpiresAt, u.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("creating staged upload %s: %w", u.ID, err)
	}
	return nil
}

// PatchUpload implements Store.
func (s *PostgresStore) PatchUpload(ctx context.Context, id uuid.UUID, patch UploadPatch) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE staged_uploads SET
		   status = COALESCE($2, status),
		   document_ref = COALESCE($3, document_ref),
		   ingest_error = COALESCE($4, ingest_error),
		   ingested_at = COALESCE($5, ingested_at)
		 WHERE id = $1`,
		id, patch.Status, patch.DocumentRef, patch.IngestError, patch.IngestedAt,
	)
	if err != nil {
		return fmt.Errorf("patching staged upload %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: staged upload %s", ErrNotFound, id)
	}
	return nil
}

// ListUploads implements Store.
func (s *PostgresStore) ListUploads(ctx context.Context, ownerID string) ([]StagedUpload, error) {
	return s.listUploads(ctx,
		`SELECT `+uploadCols+` FROM staged_uploads
		 WHERE owner_id = $1
		 ORDER BY created_at DESC, id DESC`,
		ownerID,
	)
}

// ListExpired implements Store.
func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, ownerID string) ([]StagedUpload, error) {
	if ownerID == "" {
		return s.listUploads(ctx,
			`SELECT `+uploadCols+` FROM staged_uploads
			 WHERE expires_at <= $1 AND status <> $2
			 ORDER BY created_at ASC, id ASC`,
			now, UploadPurged,
		)
	}
	return s.listUploads(ctx,
		`SELECT `+uploadCols+` FROM staged_uploads
		 WHERE expires_at <= $1 AND status <> $2 AND owner_id = $3
		 ORDER BY created_at ASC, id ASC`,
		now, UploadPurged, ownerID,
	)
}

// ListRehydratable implements Store.
func (s *PostgresStore) ListRehydratable(ctx context.Context, ownerID string) ([]StagedUpload, error) {
	return s.listUploads(ctx,
		`SELECT `+uploadCols+` FROM staged_uploads
		 WHERE owner_id = $1 AND status <> $2
		 ORDER BY created_at DESC, id DESC`,
		ownerID, UploadPurged,
	)
}

// MarkPurged implements Store.
func (s *PostgresStore) MarkPurged(ctx context.Context, ids []uuid.UUID, deletedAt time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE staged_uploads SET status = $1, deleted_at = $2
		 WHERE id = ANY($3) AND status <> $1`,
		UploadPurged, deletedAt, ids,
	)
	if err != nil {
		return 0, fmt.Errorf("marking uploads purged: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// BlobRefInUse implements Store.
func (s *PostgresStore) BlobRefInUse(ctx context.Context, blobRef string, now time.Time) (bool, error) {
	var inUse bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM staged_uploads
		   WHERE blob_ref = $1 AND status <> $2 AND expires_at > $3)`,
		blobRef, UploadPurged, now,
	).Scan(&inUse)
	if err != nil {
		return false, fmt.Errorf("checking blob ref %s: %w", blobRef, err)
	}
	return inUse, nil
}

// listUploads runs a staged-upload query and scans all rows.
func (s *PostgresStore) listUploads(ctx context.Context, sql string, args ...any) ([]StagedUpload, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing staged uploads: %w", err)
	}
	defer rows.Close()

	var uploads []StagedUpload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning staged upload: %w", err)
		}
		uploads = append(uploads, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating staged uploads: %w", err)
	}
	return uploads, nil
}

// scanDigest scans one digest row from the digestCols column list.
func scanDigest(row pgx.Row) (*Digest, error) {
	var d Digest
	err := row.Scan(
		&d.OwnerID, &d.DisplayName, &d.NormalizedName, &d.DocumentRef,
		&d.Topics, &d.Entities, &d.LexicalAnchors, &d.StyleAnchors,
		&d.Summary, &d.Status, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// scanUpload scans one staged-upload row from the uploadCols column list.
func scanUpload(row pgx.Row) (*StagedUpload, error) {
	var u StagedUpload
	err := row.Scan(
		&u.ID, &u.OwnerID, &u.BlobRef, &u.DisplayName, &u.MimeType, &u.SizeBytes,
		&u.Status, &u.DocumentRef, &u.IngestError, &u.CreatedAt, &u.IngestedAt,
		&u.ExpiresAt, &u.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
