package runner_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
	"github.com/fyrsmithlabs/corpusd/internal/extraction"
	"github.com/fyrsmithlabs/corpusd/internal/graphstore"
	"github.com/fyrsmithlabs/corpusd/internal/namespace"
	"github.com/fyrsmithlabs/corpusd/internal/runner"
	"github.com/fyrsmithlabs/corpusd/internal/runner/runnertest"
)

const story = "Elizabeth Bennet lived at Longbourn with Jane Bennet. " +
	"Mr Darcy owned Pemberley in Derbyshire. " +
	"Elizabeth Bennet visited Pemberley and met Mr Darcy again. " +
	"Jane Bennet married Mr Bingley of Netherfield."

func build(t *testing.T, env *runnertest.Env, corpusID, attemptID, text string, cfg corpus.BuildConfig) *corpus.ArtifactPointer {
	t.Helper()
	ctx := context.Background()
	key, err := env.Sources.WriteSource(ctx, corpusID, text)
	require.NoError(t, err)

	ptr, err := env.Runner.BuildIndex(ctx, runner.BuildRequest{
		CorpusID:  corpusID,
		AttemptID: attemptID,
		SourceKey: key,
		BookName:  "Pride and Prejudice",
		Config:    cfg,
	})
	require.NoError(t, err)
	return ptr
}

func smallChunks() corpus.BuildConfig {
	return corpus.BuildConfig{ChunkTokenSize: 12, ChunkOverlapTokenSize: 2, TopK: 3}
}

func TestGraphRunner_BuildIndex(t *testing.T) {
	env := runnertest.New(t)
	ctx := context.Background()

	ptr := build(t, env, "c_1", "a_1", story, smallChunks())

	assert.Equal(t, []string{"col__a_1__entities", "col__a_1__chunks"}, ptr.VectorCollections)
	assert.Equal(t, "c_1__a_1__chunk_entity_relation", ptr.GraphNamespace)
	assert.Equal(t, "a_1", ptr.GraphTag)
	assert.Equal(t, "kv:a_1:", ptr.KVPrefix)

	for _, name := range ptr.VectorCollections {
		ok, err := env.Vectors.CollectionExists(ctx, name)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}
	assert.Positive(t, env.Graph.NodeCount("a_1"))
	assert.Positive(t, env.Graph.EdgeCount("a_1"))

	ns, err := env.Resolver.Resolve("c_1", "a_1", runner.NamespaceTextChunks)
	require.NoError(t, err)
	ids, err := env.KV.Namespace(ns).EnumerateAll(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, len(runner.ChunkText(story, 12, 2)))

	// Every key lives under the attempt prefix and in its index.
	members, err := env.Redis.Members(namespace.KVIndexKey("a_1"))
	require.NoError(t, err)
	for _, k := range members {
		assert.True(t, strings.HasPrefix(k, "kv:a_1:"), k)
	}
}

func TestGraphRunner_BuildIsIdempotent(t *testing.T) {
	env := runnertest.New(t)

	build(t, env, "c_1", "a_1", story, smallChunks())
	batches := len(env.Embedder.Batches())
	nodes := env.Graph.NodeCount("a_1")

	build(t, env, "c_1", "a_1", story, smallChunks())
	assert.Equal(t, batches, len(env.Embedder.Batches()), "nothing re-embedded")
	assert.Equal(t, nodes, env.Graph.NodeCount("a_1"))
}

func TestGraphRunner_EmbedsInBatches(t *testing.T) {
	env := runnertest.New(t)

	// 70 distinct one-token chunks and no capitalized words, so no entities.
	var b strings.Builder
	for i := 0; i < 70; i++ {
		b.WriteString("word" + strings.Repeat("x", i) + " ")
	}
	build(t, env, "c_1", "a_1", b.String(), corpus.BuildConfig{ChunkTokenSize: 1, ChunkOverlapTokenSize: 0, TopK: 1})

	got := env.Embedder.Batches()
	sort.Sort(sort.Reverse(sort.IntSlice(got)))
	assert.Equal(t, []int{32, 32, 6}, got)
}

func TestGraphRunner_AttemptsAreIsolated(t *testing.T) {
	env := runnertest.New(t)
	ctx := context.Background()

	build(t, env, "c_1", "a_1", story, smallChunks())
	build(t, env, "c_1", "a_2", "Captain Nemo commanded the Nautilus. Captain Nemo distrusted Ned Land.", smallChunks())

	got, err := env.Runner.Retrieve(ctx, runner.RetrieveRequest{
		CorpusID: "c_1", AttemptID: "a_2", Question: "Who owned Pemberley?", TopK: 10, ExpandGraph: true,
	})
	require.NoError(t, err)
	for _, c := range got {
		assert.NotContains(t, c.Text, "Pemberley")
	}
}

func TestGraphRunner_RetrieveNaive(t *testing.T) {
	env := runnertest.New(t)
	build(t, env, "c_1", "a_1", story, smallChunks())

	got, err := env.Runner.Retrieve(context.Background(), runner.RetrieveRequest{
		CorpusID: "c_1", AttemptID: "a_1", Question: "Pemberley in Derbyshire", TopK: 2,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Contains(t, got[0].Text, "Pemberley")
	assert.Equal(t, "naive", got[0].Meta["mode"])
	assert.Equal(t, "chunk", got[0].Meta["kind"])
	assert.GreaterOrEqual(t, got[0].Score, got[1].Score)
}

func TestGraphRunner_RetrieveLocalExpandsGraph(t *testing.T) {
	env := runnertest.New(t)
	build(t, env, "c_1", "a_1", story, smallChunks())

	got, err := env.Runner.Retrieve(context.Background(), runner.RetrieveRequest{
		CorpusID: "c_1", AttemptID: "a_1", Question: "Mr Darcy", TopK: 2, ExpandGraph: true,
	})
	require.NoError(t, err)

	kinds := map[string]int{}
	for _, c := range got {
		assert.Equal(t, "local", c.Meta["mode"])
		kinds[c.Meta["kind"].(string)]++
	}
	assert.Positive(t, kinds["entity"])
	assert.Positive(t, kinds["chunk"])
}

type brokenGraph struct {
	graphstore.Store
	err error
}

func (b brokenGraph) Neighbors(context.Context, string, []string) ([]graphstore.Entity, error) {
	return nil, b.err
}

func TestGraphRunner_RetrieveFallsBackOnlyForUnavailableGraph(t *testing.T) {
	unavailable := &brokenGraph{Store: graphstore.NewMemoryStore(), err: graphstore.ErrUnavailable}
	env := runnertest.New(t, runnertest.WithGraph(unavailable))
	build(t, env, "c_1", "a_1", story, smallChunks())

	got, err := env.Runner.Retrieve(context.Background(), runner.RetrieveRequest{
		CorpusID: "c_1", AttemptID: "a_1", Question: "Mr Darcy", TopK: 2, ExpandGraph: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, c := range got {
		assert.Equal(t, "naive", c.Meta["mode"])
		assert.Equal(t, true, c.Meta["fallback"])
	}

	unavailable.err = errors.New("cypher syntax error")
	_, err = env.Runner.Retrieve(context.Background(), runner.RetrieveRequest{
		CorpusID: "c_1", AttemptID: "a_1", Question: "Mr Darcy", TopK: 2, ExpandGraph: true,
	})
	assert.ErrorContains(t, err, "cypher syntax error")
}

func TestGraphRunner_RetrieveFallsBackWithoutEntities(t *testing.T) {
	env := runnertest.New(t)
	build(t, env, "c_1", "a_1", "all lowercase words with no names at all", smallChunks())

	got, err := env.Runner.Retrieve(context.Background(), runner.RetrieveRequest{
		CorpusID: "c_1", AttemptID: "a_1", Question: "names", TopK: 1, ExpandGraph: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, true, got[0].Meta["fallback"])
}

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, string, string) (extraction.Graph, error) {
	return extraction.Graph{}, errors.New("model quota exhausted")
}

func TestGraphRunner_ExtractionFailureLeavesChunksRetryable(t *testing.T) {
	env := runnertest.New(t, runnertest.WithExtractor(failingExtractor{}))
	ctx := context.Background()

	key, err := env.Sources.WriteSource(ctx, "c_1", story)
	require.NoError(t, err)
	_, err = env.Runner.BuildIndex(ctx, runner.BuildRequest{
		CorpusID: "c_1", AttemptID: "a_1", SourceKey: key, Config: smallChunks(),
	})
	require.ErrorContains(t, err, "model quota exhausted")

	ns, err := env.Resolver.Resolve("c_1", "a_1", runner.NamespaceTextChunks)
	require.NoError(t, err)
	ids, err := env.KV.Namespace(ns).EnumerateAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGraphRunner_MissingSource(t *testing.T) {
	env := runnertest.New(t)
	_, err := env.Runner.BuildIndex(context.Background(), runner.BuildRequest{
		CorpusID: "c_1", AttemptID: "a_1", SourceKey: "corpora/c_1/source.txt",
	})
	assert.Error(t, err)
}

type recordingLLM struct {
	req extraction.CompletionRequest
}

func (r *recordingLLM) Complete(_ context.Context, req extraction.CompletionRequest) (string, error) {
	r.req = req
	return "Mr Darcy (1)", nil
}

func TestGraphRunner_Answer(t *testing.T) {
	llm := &recordingLLM{}
	env := runnertest.New(t, runnertest.WithLLM(llm))

	out, err := env.Runner.Answer(context.Background(), "Who owns Pemberley?", []runner.Context{
		{Text: "Mr Darcy owned Pemberley."},
		{Text: "Jane married Bingley."},
	})
	require.NoError(t, err)
	assert.Equal(t, "Mr Darcy (1)", out)
	assert.Contains(t, llm.req.System, "If the answer is not contained, say you don't know.")
	assert.Contains(t, llm.req.User, "[Context 1]\nMr Darcy owned Pemberley.\n\n[Context 2]\nJane married Bingley.")
	assert.Contains(t, llm.req.User, "Question: Who owns Pemberley?")
}

func TestGraphRunner_AnswerWithoutLLM(t *testing.T) {
	env := runnertest.New(t)
	_, err := env.Runner.Answer(context.Background(), "q", nil)
	assert.ErrorIs(t, err, runner.ErrNoLLM)
}

func TestRegistry(t *testing.T) {
	env := runnertest.New(t)
	reg := runner.NewRegistry()
	reg.Register(corpus.RunnerGraph, env.Runner)

	got, err := reg.Get(corpus.RunnerGraph)
	require.NoError(t, err)
	assert.Same(t, env.Runner, got)

	_, err = reg.Get("raptor")
	assert.ErrorIs(t, err, corpus.ErrUnknownRunner)
}

func TestNewGraphRunner_RequiresDeps(t *testing.T) {
	_, err := runner.NewGraphRunner(runner.GraphDeps{}, nil)
	assert.Error(t, err)
}
