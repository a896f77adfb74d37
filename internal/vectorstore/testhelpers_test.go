package vectorstore

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// keywordEmbedder maps texts onto a small vocabulary so nearest neighbours
// are predictable. Every vector carries a bias term so no vector is zero.
type keywordEmbedder struct {
	vocab []string

	mu         sync.Mutex
	batchSizes []int
	fail       bool
}

func newKeywordEmbedder() *keywordEmbedder {
	return &keywordEmbedder{vocab: []string{"alpha", "beta", "gamma", "delta", "omega"}}
}

func (e *keywordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.batchSizes = append(e.batchSizes, len(texts))
	fail := e.fail
	e.mu.Unlock()

	if fail {
		return nil, errors.New("embedder offline")
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.embed(t)
	}
	return out, nil
}

func (e *keywordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.embed(text), nil
}

func (e *keywordEmbedder) calls() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.batchSizes...)
}

func (e *keywordEmbedder) embed(text string) []float32 {
	vec := make([]float32, len(e.vocab)+1)
	vec[len(e.vocab)] = 0.1
	for _, word := range strings.Fields(strings.ToLower(text)) {
		for i, v := range e.vocab {
			if word == v {
				vec[i]++
			}
		}
	}
	var sumSq float64
	for _, x := range vec {
		sumSq += float64(x * x)
	}
	norm := float32(1 / math.Sqrt(sumSq))
	for i := range vec {
		vec[i] *= norm
	}
	return vec
}

func newTestChromem(t *testing.T) *ChromemBackend {
	t.Helper()
	backend, err := NewChromemBackend(ChromemConfig{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}
