// Package corpus holds the corpus and build-attempt records and their
// relational persistence.
package corpus

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an attempt.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusBuilding Status = "building"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusBuilding, StatusReady, StatusFailed:
		return true
	}
	return false
}

// RunnerType names the build strategy used for an attempt.
type RunnerType string

// RunnerGraph builds a text-to-graph index with vector and KV side stores.
const RunnerGraph RunnerType = "graph"

// ParseRunnerType validates a runner type. Empty selects RunnerGraph.
func ParseRunnerType(s string) (RunnerType, error) {
	switch RunnerType(s) {
	case "", RunnerGraph:
		return RunnerGraph, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRunner, s)
	}
}

// Build defaults.
const (
	DefaultChunkTokenSize        = 1200
	DefaultChunkOverlapTokenSize = 100
	DefaultTopK                  = 5
)

// BuildConfig is the per-attempt build configuration.
type BuildConfig struct {
	ChunkTokenSize        int `json:"chunk_token_size" koanf:"chunk_token_size"`
	ChunkOverlapTokenSize int `json:"chunk_overlap_token_size" koanf:"chunk_overlap_token_size"`
	TopK                  int `json:"top_k" koanf:"top_k"`
}

// DefaultBuildConfig returns the default build configuration.
func DefaultBuildConfig() BuildConfig {
	return BuildConfig{
		ChunkTokenSize:        DefaultChunkTokenSize,
		ChunkOverlapTokenSize: DefaultChunkOverlapTokenSize,
		TopK:                  DefaultTopK,
	}
}

// WithDefaults fills zero fields from DefaultBuildConfig.
func (c BuildConfig) WithDefaults() BuildConfig {
	d := DefaultBuildConfig()
	if c == (BuildConfig{}) {
		return d
	}
	if c.ChunkTokenSize <= 0 {
		c.ChunkTokenSize = d.ChunkTokenSize
	}
	if c.ChunkOverlapTokenSize < 0 {
		c.ChunkOverlapTokenSize = d.ChunkOverlapTokenSize
	}
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	return c
}

// BuildOverrides are the fields a rebuild request sets. Nil fields keep the
// base value, so an explicit 0 overlap is distinct from an omitted one.
type BuildOverrides struct {
	ChunkTokenSize        *int `json:"chunk_token_size,omitempty"`
	ChunkOverlapTokenSize *int `json:"chunk_overlap_token_size,omitempty"`
	TopK                  *int `json:"top_k,omitempty"`
}

// Apply returns base with every set field replaced.
func (o BuildOverrides) Apply(base BuildConfig) BuildConfig {
	if o.ChunkTokenSize != nil {
		base.ChunkTokenSize = *o.ChunkTokenSize
	}
	if o.ChunkOverlapTokenSize != nil {
		base.ChunkOverlapTokenSize = *o.ChunkOverlapTokenSize
	}
	if o.TopK != nil {
		base.TopK = *o.TopK
	}
	return base
}

// Validate checks the configuration.
func (c BuildConfig) Validate() error {
	if c.ChunkTokenSize <= 0 {
		return fmt.Errorf("chunk_token_size must be positive, got %d", c.ChunkTokenSize)
	}
	if c.ChunkOverlapTokenSize < 0 || c.ChunkOverlapTokenSize >= c.ChunkTokenSize {
		return fmt.Errorf("chunk_overlap_token_size must be in [0, %d), got %d", c.ChunkTokenSize, c.ChunkOverlapTokenSize)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d", c.TopK)
	}
	return nil
}

// Corpus is an ingested source document owned by a user.
type Corpus struct {
	CorpusID               string    `json:"corpus_id"`
	OwnerID                string    `json:"owner_id"`
	BookName               string    `json:"book_name"`
	SourcePath             string    `json:"source_path"`
	SourceSHA256           string    `json:"source_sha256"`
	SourceLenChars         int       `json:"source_len_chars"`
	CreatedAt              time.Time `json:"created_at"`
	LatestSuccessAttemptID string    `json:"latest_success_attempt_id,omitempty"`
}

// Attempt is one build of a corpus.
type Attempt struct {
	AttemptID  string           `json:"attempt_id"`
	CorpusID   string           `json:"corpus_id"`
	RunnerType RunnerType       `json:"runner_type"`
	Status     Status           `json:"status"`
	Config     BuildConfig      `json:"config"`
	Artifacts  *ArtifactPointer `json:"artifacts,omitempty"`
	Error      *string          `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// Buildable reports whether the attempt may enter the building state.
func (a *Attempt) Buildable() bool {
	switch a.Status {
	case StatusQueued, StatusFailed:
		return true
	}
	return false
}
