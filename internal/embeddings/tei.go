package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty or nil input texts
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

const (
	defaultTimeout = 60 * time.Second
	// defaultTEIBatch matches TEI's default --max-client-batch-size.
	defaultTEIBatch = 32
)

// Config is the connection to an embedding endpoint.
type Config struct {
	BaseURL string
	Model   string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Timeout bounds one request. Zero means 60s.
	Timeout time.Duration
	// MaxBatch caps texts per TEI request. Zero means 32.
	MaxBatch int
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.MaxBatch < 0 {
		return fmt.Errorf("%w: max batch must be >= 0", ErrInvalidConfig)
	}
	return nil
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

// TEIProvider embeds with the /embed route of a text-embeddings-inference
// server. Document batches larger than MaxBatch are split into several
// requests; vectors come back in input order.
type TEIProvider struct {
	cfg       Config
	dimension int
	client    *http.Client
	metrics   *Metrics
	logger    *zap.Logger
}

// NewTEIProvider creates a TEI provider producing vectors of dimension.
func NewTEIProvider(cfg Config, dimension int, logger *zap.Logger) (*TEIProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = defaultTEIBatch
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &TEIProvider{
		cfg:       cfg,
		dimension: dimension,
		client:    &http.Client{Timeout: cfg.timeout()},
		metrics:   NewMetrics(logger),
		logger:    logger,
	}, nil
}

type teiRequest struct {
	Inputs   any  `json:"inputs"`
	Truncate bool `json:"truncate"`
}

// EmbedDocuments embeds texts in batches of at most MaxBatch.
func (p *TEIProvider) EmbedDocuments(ctx context.Context, texts []string) (out [][]float32, err error) {
	defer p.metrics.observe(ctx, p.cfg.Model, "embed_documents", len(texts), time.Now(), &err)
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	out = make([][]float32, 0, len(texts))
	for lo := 0; lo < len(texts); lo += p.cfg.MaxBatch {
		hi := min(lo+p.cfg.MaxBatch, len(texts))
		var vecs [][]float32
		vecs, err = p.post(ctx, teiRequest{Inputs: texts[lo:hi], Truncate: true})
		if err != nil {
			return nil, err
		}
		if len(vecs) != hi-lo {
			return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vecs), hi-lo)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery embeds one query.
func (p *TEIProvider) EmbedQuery(ctx context.Context, text string) (vec []float32, err error) {
	defer p.metrics.observe(ctx, p.cfg.Model, "embed_query", 1, time.Now(), &err)
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vecs, err := p.post(ctx, teiRequest{Inputs: text, Truncate: true})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrEmbeddingFailed)
	}
	return vecs[0], nil
}

// Dimension returns the configured embedding dimension.
func (p *TEIProvider) Dimension() int { return p.dimension }

// Close is a no-op; the provider only holds an HTTP pool.
func (p *TEIProvider) Close() error { return nil }

func (p *TEIProvider) post(ctx context.Context, req teiRequest) ([][]float32, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		p.logger.Warn("embedding request rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("model", p.cfg.Model))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var vecs [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vecs); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEmbeddingFailed, err)
	}
	return vecs, nil
}

var _ Provider = (*TEIProvider)(nil)
