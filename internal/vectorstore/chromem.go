package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("corpusd.vectorstore.chromem")

var errPrecomputedOnly = errors.New("chromem backend stores precomputed embeddings only")

// ChromemConfig holds configuration for the chromem-go embedded vector database.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps everything
	// in memory.
	Path string `koanf:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`
}

// ChromemBackend implements Backend using chromem-go.
//
// chromem-go is an embeddable vector database with no external service. It
// keeps collections in memory with optional persistence to gob files.
type ChromemBackend struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger
}

// NewChromemBackend creates a chromem backend. An empty Path creates an
// in-memory database.
func NewChromemBackend(config ChromemConfig, logger *zap.Logger) (*ChromemBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if config.Path == "" {
		logger.Info("chromem backend initialized", zap.Bool("persistent", false))
		return &ChromemBackend{db: chromem.NewDB(), config: config, logger: logger}, nil
	}

	expandedPath, err := expandChromemPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(expandedPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", expandedPath, err)
	}

	db, err := chromem.NewPersistentDB(expandedPath, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Info("chromem backend initialized",
		zap.Bool("persistent", true),
		zap.String("path", expandedPath),
		zap.Bool("compress", config.Compress),
	)
	return &ChromemBackend{db: db, config: config, logger: logger}, nil
}

// expandChromemPath expands ~ to home directory.
func expandChromemPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// noEmbed is registered on every collection. Points always arrive with
// vectors, so chromem never has to call it.
func noEmbed(_ context.Context, _ string) ([]float32, error) {
	return nil, errPrecomputedOnly
}

// EnsureCollection creates the collection if needed.
func (b *ChromemBackend) EnsureCollection(ctx context.Context, name string, _ int) error {
	_, span := chromemTracer.Start(ctx, "ChromemBackend.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if _, err := b.db.GetOrCreateCollection(name, nil, noEmbed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("getting/creating collection %s: %w", name, err)
	}
	return nil
}

// Upsert adds or replaces documents. chromem keys documents by ID, so
// re-adding an ID overwrites it.
func (b *ChromemBackend) Upsert(ctx context.Context, collection string, points []Point) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("point_count", len(points)),
	)

	col := b.db.GetCollection(collection, noEmbed)
	if col == nil {
		span.SetStatus(codes.Error, "collection not found")
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	docs := make([]chromem.Document, len(points))
	for i, p := range points {
		docs[i] = chromem.Document{
			ID:        p.ID,
			Content:   p.Content,
			Metadata:  convertMetadataToString(p.Metadata),
			Embedding: p.Vector,
		}
	}

	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents to %s: %w", collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Query runs a cosine similarity search. Distance is 1 - similarity.
func (b *ChromemBackend) Query(ctx context.Context, collection string, vector []float32, k int) ([]Hit, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("k", k),
	)

	col := b.db.GetCollection(collection, noEmbed)
	if col == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	// chromem rejects nResults larger than the collection.
	if count := col.Count(); k > count {
		k = count
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{
			ID:       r.ID,
			Content:  r.Content,
			Distance: 1 - r.Similarity,
			Metadata: convertMetadataFromString(r.Metadata),
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// DeleteCollection deletes a collection and all its documents.
func (b *ChromemBackend) DeleteCollection(ctx context.Context, name string) error {
	_, span := chromemTracer.Start(ctx, "ChromemBackend.DeleteCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	if b.db.GetCollection(name, noEmbed) == nil {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if err := b.db.DeleteCollection(name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}

	b.logger.Debug("collection deleted", zap.String("collection", name))
	return nil
}

// CollectionExists checks if a collection exists.
func (b *ChromemBackend) CollectionExists(_ context.Context, name string) (bool, error) {
	return b.db.GetCollection(name, noEmbed) != nil, nil
}

// Close is a no-op; persistent databases write through on every change.
func (b *ChromemBackend) Close() error {
	b.logger.Info("chromem backend closed")
	return nil
}

// typeKeyPrefix marks the side key recording the type of a non-string
// metadata value. Strings carry no side key and are returned as written.
const typeKeyPrefix = "__type:"

const (
	typeInt   = "int"
	typeFloat = "float"
	typeBool  = "bool"
)

// convertMetadataToString converts metadata to chromem's string map, with a
// side key per numeric or boolean value so convertMetadataFromString can
// restore it.
func convertMetadataToString(metadata map[string]any) map[string]string {
	if metadata == nil {
		return nil
	}

	result := make(map[string]string, len(metadata))
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			result[k] = val
		case int:
			result[k] = strconv.Itoa(val)
			result[typeKeyPrefix+k] = typeInt
		case int64:
			result[k] = strconv.FormatInt(val, 10)
			result[typeKeyPrefix+k] = typeInt
		case float64:
			result[k] = strconv.FormatFloat(val, 'f', -1, 64)
			result[typeKeyPrefix+k] = typeFloat
		case bool:
			result[k] = strconv.FormatBool(val)
			result[typeKeyPrefix+k] = typeBool
		default:
			result[k] = fmt.Sprintf("%v", val)
		}
	}
	return result
}

// convertMetadataFromString converts chromem metadata back. Only values
// written with a type side key are parsed; everything else stays a string.
func convertMetadataFromString(metadata map[string]string) map[string]any {
	if metadata == nil {
		return nil
	}

	result := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if strings.HasPrefix(k, typeKeyPrefix) {
			continue
		}
		result[k] = parseTyped(v, metadata[typeKeyPrefix+k])
	}
	return result
}

func parseTyped(v, typ string) any {
	switch typ {
	case typeInt:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case typeFloat:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	case typeBool:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return v
}

// Ensure ChromemBackend implements Backend.
var _ Backend = (*ChromemBackend)(nil)
