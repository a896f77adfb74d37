package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
)

// Provider selects a Backend implementation.
type Provider string

const (
	ProviderChromem Provider = "chromem"
	ProviderQdrant  Provider = "qdrant"
)

// Config selects and configures a backend.
type Config struct {
	Provider         Provider      `koanf:"provider"`
	CollectionPrefix string        `koanf:"collection_prefix"`
	MaxBatchSize     int           `koanf:"max_batch_size"`
	EmbedConcurrency int           `koanf:"embed_concurrency"`
	Chromem          ChromemConfig `koanf:"chromem"`
	Qdrant           QdrantConfig  `koanf:"qdrant"`
}

// BackendFactory constructs a backend from configuration.
type BackendFactory func(cfg Config, logger *zap.Logger) (Backend, error)

var factories = map[Provider]BackendFactory{
	ProviderChromem: func(cfg Config, logger *zap.Logger) (Backend, error) {
		return NewChromemBackend(cfg.Chromem, logger)
	},
	ProviderQdrant: func(cfg Config, logger *zap.Logger) (Backend, error) {
		return NewQdrantBackend(cfg.Qdrant, logger)
	},
}

// NewBackend creates the backend named by cfg.Provider:
//   - "chromem" (default): embedded chromem-go, in memory unless a path is set
//   - "qdrant": external Qdrant server over gRPC
func NewBackend(cfg Config, logger *zap.Logger) (Backend, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = ProviderChromem
	}

	factory, ok := factories[provider]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported vectorstore provider %q (supported: chromem, qdrant)", ErrInvalidConfig, provider)
	}

	backend, err := factory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating %s backend: %w", provider, err)
	}
	return backend, nil
}
