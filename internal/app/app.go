// Package app wires the application: configuration, Genkit, storage
// backends and the knowledge-base engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/farzinnasiri/the-council-sub000/db"
	"github.com/farzinnasiri/the-council-sub000/internal/blob"
	"github.com/farzinnasiri/the-council-sub000/internal/chunker"
	"github.com/farzinnasiri/the-council-sub000/internal/config"
	"github.com/farzinnasiri/the-council-sub000/internal/embedding"
	"github.com/farzinnasiri/the-council-sub000/internal/engine"
	"github.com/farzinnasiri/the-council-sub000/internal/extract"
	"github.com/farzinnasiri/the-council-sub000/internal/ingest"
	"github.com/farzinnasiri/the-council-sub000/internal/knowledge"
	"github.com/farzinnasiri/the-council-sub000/internal/llm"
	"github.com/farzinnasiri/the-council-sub000/internal/metadata"
	"github.com/farzinnasiri/the-council-sub000/internal/retention"
	"github.com/farzinnasiri/the-council-sub000/internal/retrieval"
)

// embedRate paces embedding batches against the provider's rate limits.
// Two batches per second with a burst of one keeps a large ingestion from
// saturating the quota shared with chat turns.
var embedRate = rate.NewLimiter(rate.Every(500*time.Millisecond), 1)

// App holds all initialized components.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder

	Engine *engine.Engine

	pool *pgxpool.Pool
}

// New builds the application container. The storage backend is selected by
// configuration: "postgres" runs migrations and connects a pgx pool,
// "memory" wires the in-process stores.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit with gemini provider")
	}
	a.Genkit = g
	a.Embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if a.Embedder == nil {
		return nil, fmt.Errorf("looking up embedder %q", cfg.EmbedderModel)
	}

	if err := a.buildEngine(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildEngine(ctx context.Context) error {
	cfg := a.Config

	batcher, err := embedding.NewBatcher(a.Embedder, cfg.EmbeddingBatchSize, embedRate, a.Logger)
	if err != nil {
		return fmt.Errorf("creating embedding batcher: %w", err)
	}
	ch, err := chunker.New(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return fmt.Errorf("creating chunker: %w", err)
	}

	blobs, err := blob.NewFS(cfg.BlobDir)
	if err != nil {
		return fmt.Errorf("creating blob store: %w", err)
	}

	var (
		chunks knowledge.Store
		meta   metadata.Store
	)
	switch cfg.StorageBackend {
	case config.BackendMemory:
		chunks = knowledge.NewMemoryStore(embedding.NewEmbeddingFunc(a.Embedder), a.Logger)
		meta = metadata.NewMemoryStore()
	default:
		pool, err := a.connectPostgres(ctx)
		if err != nil {
			return err
		}
		a.pool = pool
		chunks, err = knowledge.NewPostgresStore(pool, cfg.UpsertBatchSize, a.Logger)
		if err != nil {
			return fmt.Errorf("creating chunk store: %w", err)
		}
		meta, err = metadata.NewPostgresStore(pool, a.Logger)
		if err != nil {
			return fmt.Errorf("creating metadata store: %w", err)
		}
	}

	client, err := llm.NewClient(a.Genkit, cfg.ModelName)
	if err != nil {
		return fmt.Errorf("creating llm client: %w", err)
	}

	extractor := extract.NewPlainText()
	ingestor, err := ingest.New(extractor, ch, batcher, chunks, meta, client, cfg.MaxIndexedChunks, a.Logger)
	if err != nil {
		return fmt.Errorf("creating ingestor: %w", err)
	}
	ret, err := retention.New(meta, blobs, chunks, ingestor, cfg.RetentionPeriod(), a.Logger)
	if err != nil {
		return fmt.Errorf("creating retention manager: %w", err)
	}

	retriever, err := retrieval.NewRetriever(batcher, chunks, cfg.SearchLimitDefault, cfg.SearchLimitMax, a.Logger)
	if err != nil {
		return fmt.Errorf("creating retriever: %w", err)
	}
	pipeline, err := retrieval.NewPipeline(
		retrieval.NewGate(client, a.Logger),
		retrieval.NewRewriter(client, a.Logger),
		retriever,
		meta,
		a.Logger,
	)
	if err != nil {
		return fmt.Errorf("creating retrieval pipeline: %w", err)
	}

	eng, err := engine.New(blobs, meta, chunks, extractor, ingestor, ret, pipeline, cfg.RetentionPeriod(), a.Logger)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	a.Engine = eng
	return nil
}

// connectPostgres runs migrations and opens the connection pool.
func (a *App) connectPostgres(ctx context.Context) (*pgxpool.Pool, error) {
	connURL := a.Config.DatabaseURL()

	if err := db.Migrate(connURL); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	a.Logger.Info("connected to PostgreSQL",
		"host", a.Config.PostgresHost, "database", a.Config.PostgresDBName)
	return pool, nil
}

// Close releases held resources. Safe to call on a partially built App.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}
