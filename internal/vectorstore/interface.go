// Package vectorstore defines the vector storage backends and the namespaced
// collection adapter used to store and search embedded text.
package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/corpusd/internal/storeerr"
)

// Sentinel errors for vector store operations.
var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	// It wraps storeerr.ErrNotFound so cleanup paths can treat it as success.
	ErrCollectionNotFound = fmt.Errorf("collection %w", storeerr.ErrNotFound)

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates gRPC connection issues.
	ErrConnectionFailed = errors.New("failed to connect to Qdrant")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrDimensionMismatch is returned when the embedder returns vectors of
	// inconsistent size or count.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Embedder generates vector embeddings from text.
//
// Implementations can use local models (TEI) or cloud APIs (OpenAI).
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	// Returns a slice of embeddings (one per input text) or an error.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	// Some models optimize differently for queries vs documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Point is a record with its precomputed embedding, as handed to a Backend.
type Point struct {
	ID       string
	Content  string
	Metadata map[string]any
	Vector   []float32
}

// Hit is a single nearest-neighbour match. Lower distance is closer.
type Hit struct {
	ID       string
	Content  string
	Distance float32
	Metadata map[string]any
}

// Backend is the physical vector database.
//
// Backends store precomputed vectors only; embedding happens in Collection.
// Implementations:
//   - ChromemBackend: embedded chromem-go (default)
//   - QdrantBackend: external Qdrant over gRPC
type Backend interface {
	// EnsureCollection creates the collection if it does not exist.
	EnsureCollection(ctx context.Context, name string, dimension int) error

	// Upsert inserts or replaces points by ID.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Query returns up to k points nearest to vector, closest first.
	// Returns ErrCollectionNotFound when the collection does not exist.
	Query(ctx context.Context, collection string, vector []float32, k int) ([]Hit, error)

	// DeleteCollection drops a collection and every point in it.
	// Returns ErrCollectionNotFound when the collection does not exist.
	DeleteCollection(ctx context.Context, name string) error

	// CollectionExists reports whether the collection exists.
	CollectionExists(ctx context.Context, name string) (bool, error)

	// Close releases backend resources.
	Close() error
}
