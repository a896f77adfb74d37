package graphstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Provider selects a Store implementation.
type Provider string

const (
	ProviderMemory Provider = "memory"
	ProviderNeo4j  Provider = "neo4j"
)

// Config selects and configures the graph store.
type Config struct {
	Provider Provider    `koanf:"provider"`
	Neo4j    Neo4jConfig `koanf:"neo4j"`
}

// NewStore creates the store named by cfg.Provider. The default is the
// in-memory store.
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case ProviderMemory, "":
		return NewMemoryStore(), nil
	case ProviderNeo4j:
		return NewNeo4jStore(ctx, cfg.Neo4j, logger)
	default:
		return nil, fmt.Errorf("unsupported graph provider %q (supported: memory, neo4j)", cfg.Provider)
	}
}
