// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.council/config.yaml)
//  3. Default values
//
// Validation is fail-fast: Load returns an error before any component is
// wired if a value is out of range. Sensitive values (the Postgres password)
// are never logged.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidChunking indicates chunk size/overlap are inconsistent.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidBatchSize indicates a batch size is out of range.
	ErrInvalidBatchSize = errors.New("invalid batch size")

	// ErrInvalidSearchLimit indicates the search limit bounds are invalid.
	ErrInvalidSearchLimit = errors.New("invalid search limit")

	// ErrInvalidRetention indicates the retention period is invalid.
	ErrInvalidRetention = errors.New("invalid retention period")

	// ErrInvalidStorageBackend indicates an unknown storage backend name.
	ErrInvalidStorageBackend = errors.New("invalid storage backend")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")
)

// Storage backend identifiers used in Config.StorageBackend.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

const (
	// DefaultEmbedderModel is the default Gemini embedder model.
	// gemini-embedding-001 outputs 3072 dimensions by default but supports
	// truncation to 768 via OutputDimensionality; the chunks table schema
	// uses 768 (see embedding.VectorDimension).
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultModelName is the default generation model for digests, the
	// retrieval gate classifier and query rewriting.
	DefaultModelName = "gemini-2.5-flash"
)

// Config stores application configuration.
type Config struct {
	// Generation model configuration
	ModelName     string `mapstructure:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model"`

	// Chunking granularity and continuity
	ChunkSize    int `mapstructure:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap"`

	// Per-document cost ceiling: ingestion fails before any embedding
	// spend when a document chunks into more than this many windows.
	MaxIndexedChunks int `mapstructure:"max_indexed_chunks"`

	// Provider-call shaping
	EmbeddingBatchSize int `mapstructure:"embedding_batch_size"`
	UpsertBatchSize    int `mapstructure:"upsert_batch_size"`

	// Retrieval k bounds
	SearchLimitDefault int `mapstructure:"search_limit_default"`
	SearchLimitMax     int `mapstructure:"search_limit_max"`

	// Staged-upload TTL in days; expiresAt is fixed at creation.
	RetentionDays int `mapstructure:"retention_days"`

	// Storage configuration
	StorageBackend   string `mapstructure:"storage_backend"` // "postgres" (default) or "memory"
	BlobDir          string `mapstructure:"blob_dir"`
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"` // SENSITIVE: never logged
	PostgresDBName   string `mapstructure:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".council")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v, configDir)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL takes highest priority for PostgreSQL settings.
	if err := cfg.parseDatabaseURL(os.Getenv("DATABASE_URL")); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("model_name", DefaultModelName)
	v.SetDefault("embedder_model", DefaultEmbedderModel)

	v.SetDefault("chunk_size", 1000)
	v.SetDefault("chunk_overlap", 150)
	v.SetDefault("max_indexed_chunks", 600)
	v.SetDefault("embedding_batch_size", 16)
	v.SetDefault("upsert_batch_size", 64)
	v.SetDefault("search_limit_default", 5)
	v.SetDefault("search_limit_max", 20)
	v.SetDefault("retention_days", 90)

	v.SetDefault("storage_backend", BackendPostgres)
	v.SetDefault("blob_dir", filepath.Join(configDir, "blobs"))
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "council")
	v.SetDefault("postgres_password", "council_dev_password")
	v.SetDefault("postgres_db_name", "council")
	v.SetDefault("postgres_ssl_mode", "disable")
}

// bindEnvVariables binds environment variables explicitly.
func bindEnvVariables(v *viper.Viper) {
	// Errors from BindEnv only occur with zero arguments; safe to ignore.
	_ = v.BindEnv("model_name", "COUNCIL_MODEL_NAME")
	_ = v.BindEnv("embedder_model", "COUNCIL_EMBEDDER_MODEL")
	_ = v.BindEnv("storage_backend", "COUNCIL_STORAGE_BACKEND")
	_ = v.BindEnv("blob_dir", "COUNCIL_BLOB_DIR")
	_ = v.BindEnv("postgres_host", "COUNCIL_POSTGRES_HOST")
	_ = v.BindEnv("postgres_port", "COUNCIL_POSTGRES_PORT")
	_ = v.BindEnv("postgres_user", "COUNCIL_POSTGRES_USER")
	_ = v.BindEnv("postgres_password", "COUNCIL_POSTGRES_PASSWORD")
	_ = v.BindEnv("postgres_db_name", "COUNCIL_POSTGRES_DB")
	_ = v.BindEnv("postgres_ssl_mode", "COUNCIL_POSTGRES_SSL_MODE")
}

// parseDatabaseURL overrides PostgreSQL settings from a postgres:// URL.
// An empty URL is a no-op.
func (c *Config) parseDatabaseURL(raw string) error {
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if host := u.Hostname(); host != "" {
		c.PostgresHost = host
	}
	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("parsing port: %w", err)
		}
		c.PostgresPort = port
	}
	if u.User != nil {
		if name := u.User.Username(); name != "" {
			c.PostgresUser = name
		}
		if pass, ok := u.User.Password(); ok {
			c.PostgresPassword = pass
		}
	}
	if db := filepath.Base(u.Path); db != "" && db != "." && db != "/" {
		c.PostgresDBName = db
	}
	if mode := u.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}

	return nil
}

// Validate checks all configuration values, fail-fast with sentinel errors.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size), got %d",
			ErrInvalidChunking, c.ChunkOverlap)
	}
	if c.MaxIndexedChunks <= 0 {
		return fmt.Errorf("%w: max_indexed_chunks must be positive, got %d",
			ErrInvalidChunking, c.MaxIndexedChunks)
	}

	if c.EmbeddingBatchSize <= 0 || c.EmbeddingBatchSize > 250 {
		return fmt.Errorf("%w: embedding_batch_size must be in [1, 250], got %d",
			ErrInvalidBatchSize, c.EmbeddingBatchSize)
	}
	if c.UpsertBatchSize <= 0 || c.UpsertBatchSize > 1000 {
		return fmt.Errorf("%w: upsert_batch_size must be in [1, 1000], got %d",
			ErrInvalidBatchSize, c.UpsertBatchSize)
	}

	if c.SearchLimitDefault <= 0 || c.SearchLimitMax < c.SearchLimitDefault {
		return fmt.Errorf("%w: need 0 < default (%d) <= max (%d)",
			ErrInvalidSearchLimit, c.SearchLimitDefault, c.SearchLimitMax)
	}

	if c.RetentionDays <= 0 {
		return fmt.Errorf("%w: retention_days must be positive, got %d",
			ErrInvalidRetention, c.RetentionDays)
	}

	switch c.StorageBackend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("%w: %q (expected %q or %q)",
			ErrInvalidStorageBackend, c.StorageBackend, BackendPostgres, BackendMemory)
	}

	if c.StorageBackend == BackendPostgres {
		if c.PostgresHost == "" {
			return ErrInvalidPostgresHost
		}
		if c.PostgresPort <= 0 || c.PostgresPort > 65535 {
			return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
		}
	}

	return nil
}

// RetentionPeriod returns the staged-upload TTL as a duration.
func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// DatabaseURL builds the postgres:// connection URL for pgx and migrations.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:   "/" + c.PostgresDBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.PostgresSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
