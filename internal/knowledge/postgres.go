package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// insertChunkSQL inserts one chunk row; batched via pgx.Batch.
const insertChunkSQL = `INSERT INTO chunks (owner_id, document_ref, display_name, normalized_name, chunk_index, content, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// PostgresStore is the pgvector-backed chunk store.
//
// PostgresStore is safe for concurrent use by multiple goroutines.
type PostgresStore struct {
	pool            *pgxpool.Pool
	upsertBatchSize int
	logger          *slog.Logger
}

// NewPostgresStore creates a chunk store on the given pool. upsertBatchSize
// bounds the rows per insert round-trip.
func NewPostgresStore(pool *pgxpool.Pool, upsertBatchSize int, logger *slog.Logger) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if upsertBatchSize <= 0 {
		return nil, fmt.Errorf("upsert batch size must be positive, got %d", upsertBatchSize)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, upsertBatchSize: upsertBatchSize, logger: logger}, nil
}

// ReplaceDocument deletes the current chunk set of (ownerID, ref) and inserts
// the new one inside a single transaction, so readers never observe a
// document with a partial chunk set.
//
// A per-(owner, document) advisory lock serializes concurrent replaces of the
// same document; replaces of different documents proceed in parallel.
// pg_advisory_xact_lock releases automatically at commit/rollback.
func (s *PostgresStore) ReplaceDocument(ctx context.Context, ownerID string, ref uuid.UUID, displayName string, chunks []Chunk) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`,
		ownerID+"/"+ref.String(),
	); err != nil {
		return 0, fmt.Errorf("acquiring advisory lock: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM chunks WHERE owner_id = $1 AND document_ref = $2`,
		ownerID, ref,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting previous chunks: %w", err)
	}

	normalized := NormalizeName(displayName)
	for start := 0; start < len(chunks); start += s.upsertBatchSize {
		end := start + s.upsertBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		batch := &pgx.Batch{}
		for _, chunk := range chunks[start:end] {
			batch.Queue(insertChunkSQL,
				ownerID, ref, displayName, normalized,
				chunk.Index, chunk.Text, pgvector.NewVector(chunk.Embedding),
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, fmt.Errorf("inserting chunks %d-%d: %w", start, end-1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing chunk replacement: %w", err)
	}

	s.logger.Debug("replaced document chunks",
		"owner_id", ownerID,
		"document_ref", ref,
		"deleted", tag.RowsAffected(),
		"inserted", len(chunks))
	return len(chunks), nil
}

// DeleteDocument removes every chunk of (ownerID, ref).
func (s *PostgresStore) DeleteDocument(ctx context.Context, ownerID string, ref uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM chunks WHERE owner_id = $1 AND document_ref = $2`,
		ownerID, ref,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks for document %s: %w", ref, err)
	}
	return int(tag.RowsAffected()), nil
}

// Search runs owner-scoped k-NN over the chunks table using the cosine
// distance operator.
func (s *PostgresStore) Search(ctx context.Context, ownerID string, vector []float32, k int) ([]SearchHit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("search limit must be positive, got %d", k)
	}

	vec := pgvector.NewVector(vector)
	rows, err := s.pool.Query(ctx,
		`SELECT content, 1 - (embedding <=> $1) AS score, document_ref, display_name
		 FROM chunks
		 WHERE owner_id = $2
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		vec, ownerID, k,
	)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var hit SearchHit
		if err := rows.Scan(&hit.Text, &hit.Score, &hit.DocumentRef, &hit.DisplayName); err != nil {
			return nil, fmt.Errorf("scanning search hit: %w", err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search hits: %w", err)
	}

	return hits, nil
}

// HasChunks reports whether the owner has any chunks under the normalized
// display name.
func (s *PostgresStore) HasChunks(ctx context.Context, ownerID, normalizedName string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM chunks WHERE owner_id = $1 AND normalized_name = $2
		 )`,
		ownerID, normalizedName,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking chunk presence: %w", err)
	}
	return exists, nil
}
