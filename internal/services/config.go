package services

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/corpus"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/events"
	"github.com/fyrsmithlabs/corpusd/internal/extraction"
	"github.com/fyrsmithlabs/corpusd/internal/graphstore"
	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/kvstore"
	"github.com/fyrsmithlabs/corpusd/internal/locks"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/orchestrator"
	"github.com/fyrsmithlabs/corpusd/internal/sourcestore"
	"github.com/fyrsmithlabs/corpusd/internal/telemetry"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CORPUSD_"

// nestedSections are the subsections reachable from the environment, see
// config.Options.Nested.
var nestedSections = []string{
	"logging.output",
	"logging.sampling",
	"logging.redaction",
	"vectorstore.chromem",
	"vectorstore.qdrant",
	"graph.neo4j",
	"storage.fs",
	"storage.minio",
	"extraction.llm",
	"locks.redis",
	"events.nats",
}

// Config is the complete corpusd configuration.
type Config struct {
	Server       ServerConfig              `koanf:"server"`
	Database     DatabaseConfig            `koanf:"database"`
	Logging      logging.Config            `koanf:"logging"`
	Telemetry    telemetry.Config          `koanf:"telemetry"`
	Redis        RedisConfig               `koanf:"redis"`
	VectorStore  vectorstore.Config        `koanf:"vectorstore"`
	Graph        graphstore.Config         `koanf:"graph"`
	Storage      sourcestore.Config        `koanf:"storage"`
	Embeddings   embeddings.ProviderConfig `koanf:"embeddings"`
	Extraction   extraction.Config         `koanf:"extraction"`
	Ingest       ingest.Config             `koanf:"ingest"`
	Build        corpus.BuildConfig        `koanf:"build"`
	Orchestrator orchestrator.Config       `koanf:"orchestrator"`
	Locks        LocksConfig               `koanf:"locks"`
	Events       events.Config             `koanf:"events"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string          `koanf:"addr"`
	ShutdownTimeout config.Duration `koanf:"shutdown_timeout"`
	// BodyLimit caps request bodies, echo syntax ("8M").
	BodyLimit string `koanf:"body_limit"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	DataDir string `koanf:"data_dir"`
}

// RedisConfig configures the KV store connection. Embedded runs an
// in-process Redis for local development; its data is lost on exit.
type RedisConfig struct {
	kvstore.Config `koanf:",squash"`
	Embedded       bool `koanf:"embedded"`
}

// Lock providers.
const (
	LockProviderMemory = "memory"
	LockProviderRedis  = "redis"
)

// LocksConfig selects the per-attempt locker. The memory registry only
// serializes builds within one process; use redis when several corpusd
// processes share the stores.
type LocksConfig struct {
	Provider string            `koanf:"provider"`
	Redis    locks.RedisConfig `koanf:"redis"`
}

// DefaultConfig returns a configuration that runs without external
// services other than the embedding server.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: config.Duration(30 * time.Second),
			BodyLimit:       "16M",
		},
		Database:  DatabaseConfig{DataDir: "./data"},
		Logging:   *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
		VectorStore: vectorstore.Config{
			Provider:         vectorstore.ProviderChromem,
			CollectionPrefix: "col",
			MaxBatchSize:     vectorstore.DefaultMaxBatchSize,
			EmbedConcurrency: vectorstore.DefaultEmbedConcurrency,
		},
		Graph:   graphstore.Config{Provider: graphstore.ProviderMemory},
		Storage: sourcestore.Config{Provider: sourcestore.ProviderFS},
		Embeddings: embeddings.ProviderConfig{
			Provider: "tei",
			BaseURL:  "http://localhost:8081",
			Model:    "BAAI/bge-small-en-v1.5",
		},
		Extraction: extraction.Config{Provider: "llm"},
		Ingest: ingest.Config{
			MaxTextChars:  ingest.DefaultMaxTextChars,
			DefaultRunner: string(corpus.RunnerGraph),
		},
		Build:  corpus.DefaultBuildConfig(),
		Locks:  LocksConfig{Provider: LockProviderMemory},
		Events: events.Config{Provider: events.ProviderNone},
	}
}

// LoadConfig reads path (optional) and the environment over DefaultConfig.
// A .env file in the working directory is loaded first. Config files must
// live in ~/.config/corpusd or /etc/corpusd.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	err := config.Load(config.Options{
		Path:        path,
		AllowedDirs: config.DefaultDirs("corpusd"),
		DotEnv:      []string{".env"},
		EnvPrefix:   EnvPrefix,
		Nested:      nestedSections,
	}, cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills values derived from other sections.
func (c *Config) applyDefaults() {
	if c.Storage.FS.DataDir == "" {
		c.Storage.FS.DataDir = c.Database.DataDir
	}
	if c.Locks.Provider == "" {
		c.Locks.Provider = LockProviderMemory
	}
	c.Ingest.Build = c.Build
	c.Ingest.ApplyDefaults()
	c.Build = c.Ingest.Build
}

// Validate checks cross-section constraints. Component constructors
// validate their own sections.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Database.DataDir == "" {
		return fmt.Errorf("database.data_dir is required")
	}
	if err := c.Build.Validate(); err != nil {
		return fmt.Errorf("build: %w", err)
	}
	if _, err := corpus.ParseRunnerType(c.Ingest.DefaultRunner); err != nil {
		return fmt.Errorf("ingest.default_runner: %w", err)
	}
	switch c.Locks.Provider {
	case LockProviderMemory, LockProviderRedis:
	default:
		return fmt.Errorf("locks.provider must be memory or redis, got %q", c.Locks.Provider)
	}
	switch c.Events.Provider {
	case "", events.ProviderNone, events.ProviderNATS:
	default:
		return fmt.Errorf("events.provider must be none or nats, got %q", c.Events.Provider)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}
