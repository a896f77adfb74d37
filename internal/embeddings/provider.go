// Package embeddings provides embedding generation via multiple providers.
//
// Supports TEI (text-embeddings-inference over HTTP) and any OpenAI-compatible
// embeddings endpoint through langchaingo.
package embeddings

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

// Provider is the interface for embedding providers.
type Provider interface {
	vectorstore.Embedder
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	// Provider is the provider type: "tei" or "openai"
	Provider string `koanf:"provider"`
	// Model is the embedding model name
	Model string `koanf:"model"`
	// BaseURL is the service URL
	BaseURL string `koanf:"base_url"`
	// APIKey is sent as a bearer token when set
	APIKey config.Secret `koanf:"api_key"`
	// Dimension overrides detection from the model name
	Dimension int `koanf:"dimension"`
	// Timeout bounds a single HTTP request
	Timeout config.Duration `koanf:"timeout"`
	// MaxBatch caps texts per TEI request
	MaxBatch int `koanf:"max_batch"`
}

func (c ProviderConfig) client() Config {
	return Config{
		BaseURL:  c.BaseURL,
		Model:    c.Model,
		APIKey:   c.APIKey.Value(),
		Timeout:  c.Timeout.Duration(),
		MaxBatch: c.MaxBatch,
	}
}

// detectDimensionFromModel returns the embedding dimension for a model name.
// Falls back to 384 if model is unknown.
func detectDimensionFromModel(model string) int {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "text-embedding-3-large"):
		return 3072
	case strings.Contains(m, "text-embedding-3-small"), strings.Contains(m, "ada-002"):
		return 1536
	case strings.Contains(m, "base"):
		return 768
	case strings.Contains(m, "large"):
		return 1024
	default:
		return 384 // bge-small, MiniLM
	}
}

// NewProvider creates an embedding provider based on the configuration.
func NewProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dim := cfg.Dimension
	if dim <= 0 {
		dim = detectDimensionFromModel(cfg.Model)
	}

	switch cfg.Provider {
	case "tei", "":
		return NewTEIProvider(cfg.client(), dim, logger)
	case "openai":
		return NewOpenAIProvider(cfg.client(), dim, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
