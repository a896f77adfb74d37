package vectorstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/corpusd/internal/storeerr"
)

const (
	// DefaultMaxBatchSize is the maximum number of texts per embedding call.
	DefaultMaxBatchSize = 32

	// DefaultEmbedConcurrency bounds concurrent embedding calls per upsert.
	DefaultEmbedConcurrency = 4
)

// Record is a document to be embedded and stored.
type Record struct {
	ID       string
	Content  string
	Metadata map[string]any
}

// QueryHit is a search result with the collection's declared metadata
// fields. Fields absent on the stored record are absent here.
type QueryHit struct {
	ID       string
	Content  string
	Distance float32
	Fields   map[string]any
}

// Flatten returns the hit as a single map: "id", "distance" and every
// metadata field.
func (h QueryHit) Flatten() map[string]any {
	out := make(map[string]any, len(h.Fields)+2)
	for k, v := range h.Fields {
		out[k] = v
	}
	out["id"] = h.ID
	out["distance"] = h.Distance
	return out
}

// CollectionOptions configures a Collection.
type CollectionOptions struct {
	// MetaFields lists the metadata fields persisted and returned.
	MetaFields []string
	// MaxBatchSize is the maximum number of texts per embedding call.
	MaxBatchSize int
	// Concurrency bounds in-flight embedding calls.
	Concurrency int
}

// Collection is a vector collection bound to one tenant namespace.
type Collection struct {
	backend    Backend
	embedder   Embedder
	name       string
	metaFields []string
	batchSize  int
	parallel   int
	logger     *zap.Logger
}

// NewCollection binds a backend and embedder to a collection name.
func NewCollection(backend Backend, embedder Embedder, name string, opts CollectionOptions, logger *zap.Logger) (*Collection, error) {
	if backend == nil || embedder == nil {
		return nil, fmt.Errorf("%w: backend and embedder are required", ErrInvalidConfig)
	}
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultEmbedConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Collection{
		backend:    backend,
		embedder:   embedder,
		name:       name,
		metaFields: opts.MetaFields,
		batchSize:  opts.MaxBatchSize,
		parallel:   opts.Concurrency,
		logger:     logger.With(zap.String("collection", name)),
	}, nil
}

// Name returns the physical collection name.
func (c *Collection) Name() string { return c.name }

// Upsert embeds records in batches of at most MaxBatchSize and writes them in
// one backend upsert. Batches are embedded concurrently; vectors are
// reassembled in input order.
func (c *Collection) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		c.logger.Warn("upsert called with no records")
		return nil
	}

	vectors, err := c.embedAll(ctx, records)
	if err != nil {
		OperationErrors.WithLabelValues("embed").Inc()
		return err
	}

	dim := len(vectors[0])
	points := make([]Point, len(records))
	for i, r := range records {
		if len(vectors[i]) != dim {
			OperationErrors.WithLabelValues("embed").Inc()
			return fmt.Errorf("%w: record %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(vectors[i]), dim)
		}
		points[i] = Point{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: c.project(r.Metadata),
			Vector:   vectors[i],
		}
	}

	if err := c.backend.EnsureCollection(ctx, c.name, dim); err != nil {
		OperationErrors.WithLabelValues("upsert").Inc()
		return storeerr.Wrap(storeerr.BackendVector, "ensure collection", err)
	}
	if err := c.backend.Upsert(ctx, c.name, points); err != nil {
		OperationErrors.WithLabelValues("upsert").Inc()
		return storeerr.Wrap(storeerr.BackendVector, "upsert", err)
	}

	UpsertedRecordsTotal.Add(float64(len(points)))
	c.logger.Debug("upserted records", zap.Int("count", len(points)))
	return nil
}

func (c *Collection) embedAll(ctx context.Context, records []Record) ([][]float32, error) {
	numBatches := (len(records) + c.batchSize - 1) / c.batchSize
	batches := make([][][]float32, numBatches)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)

	for b := 0; b < numBatches; b++ {
		start := b * c.batchSize
		end := min(start+c.batchSize, len(records))

		texts := make([]string, 0, end-start)
		for _, r := range records[start:end] {
			texts = append(texts, r.Content)
		}

		g.Go(func() error {
			EmbedBatchesTotal.Inc()
			vecs, err := c.embedder.EmbedDocuments(gctx, texts)
			if err != nil {
				return fmt.Errorf("%w: batch %d: %v", ErrEmbeddingFailed, b, err)
			}
			if len(vecs) != len(texts) {
				return fmt.Errorf("%w: batch %d returned %d vectors for %d texts", ErrDimensionMismatch, b, len(vecs), len(texts))
			}
			batches[b] = vecs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vectors := make([][]float32, 0, len(records))
	for _, vecs := range batches {
		vectors = append(vectors, vecs...)
	}
	return vectors, nil
}

// Query embeds text and returns up to topK nearest records, closest first.
func (c *Collection) Query(ctx context.Context, text string, topK int) ([]QueryHit, error) {
	start := time.Now()
	defer func() { QueryDuration.Observe(time.Since(start).Seconds()) }()

	if topK <= 0 {
		return []QueryHit{}, nil
	}

	vector, err := c.embedder.EmbedQuery(ctx, text)
	if err != nil {
		OperationErrors.WithLabelValues("embed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	hits, err := c.backend.Query(ctx, c.name, vector, topK)
	if err != nil {
		OperationErrors.WithLabelValues("query").Inc()
		return nil, storeerr.Wrap(storeerr.BackendVector, "query", err)
	}

	out := make([]QueryHit, len(hits))
	for i, h := range hits {
		out[i] = QueryHit{
			ID:       h.ID,
			Content:  h.Content,
			Distance: h.Distance,
			Fields:   c.project(h.Metadata),
		}
	}
	return out, nil
}

// Drop deletes the collection.
func (c *Collection) Drop(ctx context.Context) error {
	return storeerr.Wrap(storeerr.BackendVector, "delete collection", c.backend.DeleteCollection(ctx, c.name))
}

func (c *Collection) project(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(c.metaFields))
	for _, f := range c.metaFields {
		if v, ok := metadata[f]; ok {
			out[f] = v
		}
	}
	return out
}
