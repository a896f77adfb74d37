package vectorstore

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/corpusd/internal/vectorstore")

// Collection names produced by the namespace resolver are lowercase
// identifiers; anything else is refused before it reaches the server.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Payload keys reserved by the Qdrant backend.
const (
	payloadID      = "id"
	payloadContent = "content"
)

// QdrantConfig configures the Qdrant gRPC backend.
type QdrantConfig struct {
	Host string `koanf:"host"`
	// Port is the gRPC port, 6334 by default. The REST port will not work.
	Port   int  `koanf:"port"`
	UseTLS bool `koanf:"use_tls"`
	// APIKey authenticates against Qdrant Cloud.
	APIKey string `koanf:"api_key"`
	// Distance defaults to cosine.
	Distance qdrant.Distance `koanf:"-"`
	// MaxRetries bounds the retries of a transient failure.
	MaxRetries int `koanf:"max_retries"`
	// RetryBackoff is the first retry interval; it grows exponentially.
	RetryBackoff   time.Duration `koanf:"retry_backoff"`
	MaxMessageSize int           `koanf:"max_message_size"`
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: qdrant host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: qdrant port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: qdrant max_retries must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// ApplyDefaults fills unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 64 << 20
	}
	if c.Distance == qdrant.Distance_UnknownDistance {
		c.Distance = qdrant.Distance_Cosine
	}
}

// ValidateCollectionName rejects names outside ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	switch status.Code(err) {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	}
	return false
}

// PointID maps a record ID to the UUID Qdrant requires. The mapping is
// deterministic so re-upserting a record replaces the earlier point. The
// original ID is kept in the payload.
func PointID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(id)).String()
}

// QdrantBackend is a Backend on Qdrant's native gRPC client.
type QdrantBackend struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	// known caches collections seen to exist.
	known sync.Map
}

// NewQdrantBackend connects to Qdrant and checks that it answers.
func NewQdrantBackend(cfg QdrantConfig, logger *zap.Logger) (*QdrantBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant connection is not encrypted", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	b := &QdrantBackend{client: client, config: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.do(ctx, "health_check", "", func(ctx context.Context) error {
		_, err := client.HealthCheck(ctx)
		return err
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	logger.Info("qdrant backend ready", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))
	return b, nil
}

// Close closes the gRPC connection.
func (b *QdrantBackend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

func (b *QdrantBackend) retryPolicy(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.config.RetryBackoff
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(b.config.MaxRetries)), ctx)
}

// do runs op in a span, retrying transient gRPC failures. A NotFound from
// the server becomes ErrCollectionNotFound.
func (b *QdrantBackend) do(ctx context.Context, op, collection string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := tracer.Start(ctx, "qdrant."+op, trace.WithAttributes(
		append(attrs, attribute.String("collection", collection))...))
	defer span.End()

	retries := 0
	err := backoff.Retry(func() error {
		err := fn(ctx)
		if err != nil && !IsTransientError(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			retries++
		}
		return err
	}, b.retryPolicy(ctx))
	if retries > 0 {
		span.SetAttributes(attribute.Int("retries", retries))
	}
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	if status.Code(err) == grpccodes.NotFound {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	return fmt.Errorf("qdrant %s %s: %w", op, collection, err)
}

// EnsureCollection creates the collection when it does not exist yet.
func (b *QdrantBackend) EnsureCollection(ctx context.Context, name string, dimension int) error {
	exists, err := b.CollectionExists(ctx, name)
	if err != nil || exists {
		return err
	}
	err = b.do(ctx, "create_collection", name, func(ctx context.Context) error {
		return b.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: b.config.Distance,
			}),
		})
	}, attribute.Int("dimension", dimension))
	if err != nil {
		return err
	}
	b.known.Store(name, struct{}{})
	return nil
}

// Upsert writes points with wait=true so they are searchable on return.
func (b *QdrantBackend) Upsert(ctx context.Context, collection string, points []Point) error {
	structs := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := toPayload(p.Metadata)
		payload[payloadID] = qdrant.NewValueString(p.ID)
		payload[payloadContent] = qdrant.NewValueString(p.Content)
		structs[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(p.ID)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		}
	}
	return b.do(ctx, "upsert", collection, func(ctx context.Context) error {
		_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         structs,
		})
		return err
	}, attribute.Int("points", len(points)))
}

// Query returns the k points nearest to vector.
func (b *QdrantBackend) Query(ctx context.Context, collection string, vector []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return []Hit{}, nil
	}
	var scored []*qdrant.ScoredPoint
	err := b.do(ctx, "query", collection, func(ctx context.Context) error {
		res, err := b.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		scored = res
		return err
	}, attribute.Int("k", k))
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		hits = append(hits, b.toHit(sp))
	}
	return hits, nil
}

func (b *QdrantBackend) toHit(sp *qdrant.ScoredPoint) Hit {
	h := Hit{Distance: b.distance(sp.GetScore()), Metadata: make(map[string]any, len(sp.GetPayload()))}
	for key, v := range sp.GetPayload() {
		switch key {
		case payloadID:
			h.ID = v.GetStringValue()
		case payloadContent:
			h.Content = v.GetStringValue()
		default:
			if val, ok := fromValue(v); ok {
				h.Metadata[key] = val
			}
		}
	}
	return h
}

// distance turns a score into a distance. Cosine and dot scores are
// similarities; Euclid and Manhattan scores are already distances.
func (b *QdrantBackend) distance(score float32) float32 {
	switch b.config.Distance {
	case qdrant.Distance_Euclid, qdrant.Distance_Manhattan:
		return score
	default:
		return 1 - score
	}
}

// DeleteCollection drops a collection and its points. A missing collection
// returns ErrCollectionNotFound.
func (b *QdrantBackend) DeleteCollection(ctx context.Context, name string) error {
	b.known.Delete(name)
	exists, err := b.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return b.do(ctx, "delete_collection", name, func(ctx context.Context) error {
		return b.client.DeleteCollection(ctx, name)
	})
}

// CollectionExists reports whether the collection exists.
func (b *QdrantBackend) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := ValidateCollectionName(name); err != nil {
		return false, err
	}
	if _, ok := b.known.Load(name); ok {
		return true, nil
	}
	var exists bool
	err := b.do(ctx, "collection_exists", name, func(ctx context.Context) error {
		ok, err := b.client.CollectionExists(ctx, name)
		exists = ok
		return err
	})
	if err != nil {
		return false, err
	}
	if exists {
		b.known.Store(name, struct{}{})
	}
	return exists, nil
}

func toPayload(metadata map[string]any) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(metadata)+2)
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			payload[k] = qdrant.NewValueString(val)
		case int:
			payload[k] = qdrant.NewValueInt(int64(val))
		case int64:
			payload[k] = qdrant.NewValueInt(val)
		case float64:
			payload[k] = qdrant.NewValueDouble(val)
		case bool:
			payload[k] = qdrant.NewValueBool(val)
		default:
			payload[k] = qdrant.NewValueString(fmt.Sprint(val))
		}
	}
	return payload
}

func fromValue(v *qdrant.Value) (any, bool) {
	switch val := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue, true
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue, true
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue, true
	case *qdrant.Value_BoolValue:
		return val.BoolValue, true
	}
	return nil, false
}

var _ Backend = (*QdrantBackend)(nil)
