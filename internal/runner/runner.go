// Package runner builds and queries an attempt's index.
//
// A Runner turns a corpus source into physical artifacts in the key-value,
// vector and graph stores, all isolated by the attempt's namespace, and
// answers retrieval requests against them.
package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
)

// BuildRequest describes one attempt build.
type BuildRequest struct {
	CorpusID  string
	AttemptID string
	// SourceKey locates the source text in source storage.
	SourceKey string
	BookName  string
	Config    corpus.BuildConfig
}

// RetrieveRequest describes a retrieval against a built attempt.
type RetrieveRequest struct {
	CorpusID    string
	AttemptID   string
	Question    string
	TopK        int
	ExpandGraph bool
}

// Context is one retrieved passage.
type Context struct {
	Text  string         `json:"text"`
	Score float64        `json:"score"`
	Meta  map[string]any `json:"meta"`
}

// Runner builds an attempt's index and serves retrievals from it.
type Runner interface {
	// BuildIndex writes the attempt's artifacts and returns where they live.
	// Builds are idempotent: content already stored for the attempt is skipped.
	BuildIndex(ctx context.Context, req BuildRequest) (*corpus.ArtifactPointer, error)

	// Retrieve returns passages relevant to the question.
	Retrieve(ctx context.Context, req RetrieveRequest) ([]Context, error)

	// Answer generates an answer grounded in contexts.
	Answer(ctx context.Context, question string, contexts []Context) (string, error)
}

// Registry maps runner types to runners.
type Registry struct {
	mu      sync.RWMutex
	runners map[corpus.RunnerType]Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[corpus.RunnerType]Runner)}
}

// Register binds t to r, replacing any earlier binding.
func (r *Registry) Register(t corpus.RunnerType, rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[t] = rn
}

// Get returns the runner for t.
func (r *Registry) Get(t corpus.RunnerType) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", corpus.ErrUnknownRunner, t)
	}
	return rn, nil
}
