// Package runnertest wires a GraphRunner to in-process backends for tests:
// miniredis for key-value, in-memory chromem for vectors, the in-memory
// graph store, the heuristic extractor and a temporary source directory.
package runnertest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"testing"
	"unicode"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd/internal/extraction"
	"github.com/fyrsmithlabs/corpusd/internal/graphstore"
	"github.com/fyrsmithlabs/corpusd/internal/kvstore"
	"github.com/fyrsmithlabs/corpusd/internal/namespace"
	"github.com/fyrsmithlabs/corpusd/internal/runner"
	"github.com/fyrsmithlabs/corpusd/internal/sourcestore"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

const dims = 64

// HashEmbedder embeds texts as hashed bags of lowercase words plus a bias
// term. Texts sharing words are close. It counts calls.
type HashEmbedder struct {
	mu      sync.Mutex
	batches []int
	queries int
	Fail    error
}

// EmbedDocuments implements vectorstore.Embedder.
func (e *HashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.batches = append(e.batches, len(texts))
	fail := e.Fail
	e.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = Embed(t)
	}
	return out, nil
}

// EmbedQuery implements vectorstore.Embedder.
func (e *HashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.queries++
	fail := e.Fail
	e.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return Embed(text), nil
}

// Batches returns the size of every EmbedDocuments call so far.
func (e *HashEmbedder) Batches() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.batches...)
}

// Embed returns the normalized hashed bag-of-words vector of text.
func Embed(text string) []float32 {
	vec := make([]float32, dims+1)
	vec[dims] = 0.05
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%dims]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// Env is a wired GraphRunner and its backends.
type Env struct {
	Runner   *runner.GraphRunner
	Deps     runner.GraphDeps
	Redis    *miniredis.Miniredis
	KV       *kvstore.Backend
	Vectors  *vectorstore.ChromemBackend
	Graph    *graphstore.MemoryStore
	Sources  *sourcestore.FSStore
	Embedder *HashEmbedder
	Resolver *namespace.Resolver
}

// Option adjusts deps before the runner is created.
type Option func(*runner.GraphDeps)

// WithExtractor replaces the heuristic extractor.
func WithExtractor(ex extraction.Extractor) Option {
	return func(d *runner.GraphDeps) { d.Extractor = ex }
}

// WithLLM sets the answer model.
func WithLLM(llm extraction.LLMClient) Option {
	return func(d *runner.GraphDeps) { d.LLM = llm }
}

// WithGraph replaces the in-memory graph store.
func WithGraph(g graphstore.Store) Option {
	return func(d *runner.GraphDeps) { d.Graph = g }
}

// New builds an Env whose resources are released with t.
func New(t *testing.T, opts ...Option) *Env {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv, err := kvstore.NewBackend(client, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	vectors, err := vectorstore.NewChromemBackend(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)

	sources, err := sourcestore.NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)

	resolver, err := namespace.NewResolver("")
	require.NoError(t, err)

	env := &Env{
		Redis:    mr,
		KV:       kv,
		Vectors:  vectors,
		Graph:    graphstore.NewMemoryStore(),
		Sources:  sources,
		Embedder: &HashEmbedder{},
		Resolver: resolver,
	}
	env.Deps = runner.GraphDeps{
		Resolver:     resolver,
		KV:           kv,
		Vectors:      vectors,
		Embedder:     env.Embedder,
		Graph:        env.Graph,
		Extractor:    extraction.NewHeuristicExtractor(1, 0),
		Sources:      sources,
		MaxBatchSize: vectorstore.DefaultMaxBatchSize,
	}
	for _, opt := range opts {
		opt(&env.Deps)
	}

	env.Runner, err = runner.NewGraphRunner(env.Deps, nil)
	require.NoError(t, err)
	return env
}
