package reaper_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
	"github.com/fyrsmithlabs/corpusd/internal/events"
	"github.com/fyrsmithlabs/corpusd/internal/extraction"
	"github.com/fyrsmithlabs/corpusd/internal/graphstore"
	"github.com/fyrsmithlabs/corpusd/internal/locks"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/orchestrator"
	"github.com/fyrsmithlabs/corpusd/internal/reaper"
	"github.com/fyrsmithlabs/corpusd/internal/runner"
	"github.com/fyrsmithlabs/corpusd/internal/runner/runnertest"
	"github.com/fyrsmithlabs/corpusd/internal/sourcestore"
	"github.com/fyrsmithlabs/corpusd/internal/storeerr"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

const text = "Ishmael sailed on the Pequod. Captain Ahab hunted Moby Dick. Ishmael watched Captain Ahab. " +
	"Starbuck warned Captain Ahab about Moby Dick."

type fixture struct {
	env    *runnertest.Env
	repo   *corpus.SQLiteRepository
	locker *locks.Registry
	orch   *orchestrator.Orchestrator
}

func newFixture(t *testing.T, opts ...runnertest.Option) *fixture {
	t.Helper()
	repo, err := corpus.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	env := runnertest.New(t, opts...)
	reg := runner.NewRegistry()
	reg.Register(corpus.RunnerGraph, env.Runner)
	locker := locks.NewRegistry()
	orch, err := orchestrator.New(repo, reg, locker, env.Sources, orchestrator.Config{}, nil)
	require.NoError(t, err)
	return &fixture{env: env, repo: repo, locker: locker, orch: orch}
}

func (f *fixture) reaper(t *testing.T, mutate ...func(*reaper.Deps)) *reaper.Reaper {
	t.Helper()
	deps := reaper.Deps{
		Repo:     f.repo,
		Resolver: f.env.Resolver,
		KV:       f.env.KV,
		Vectors:  f.env.Vectors,
		Graph:    f.env.Graph,
		Sources:  f.env.Sources,
		Locker:   f.locker,
	}
	for _, m := range mutate {
		m(&deps)
	}
	r, err := reaper.New(deps, nil)
	require.NoError(t, err)
	return r
}

func (f *fixture) seed(t *testing.T, corpusID string, attemptIDs ...string) {
	t.Helper()
	ctx := context.Background()
	key, err := f.env.Sources.WriteSource(ctx, corpusID, text)
	require.NoError(t, err)
	require.NoError(t, f.repo.CreateCorpus(ctx, &corpus.Corpus{
		CorpusID: corpusID, OwnerID: "u1", BookName: "Moby Dick",
		SourcePath: key, SourceSHA256: "x", SourceLenChars: len(text),
	}))
	for _, id := range attemptIDs {
		require.NoError(t, f.repo.CreateAttempt(ctx, &corpus.Attempt{
			AttemptID: id, CorpusID: corpusID, RunnerType: corpus.RunnerGraph,
			Config: corpus.BuildConfig{ChunkTokenSize: 8, ChunkOverlapTokenSize: 1, TopK: 3},
		}))
	}
}

func (f *fixture) collectionExists(t *testing.T, name string) bool {
	t.Helper()
	ok, err := f.env.Vectors.CollectionExists(context.Background(), name)
	require.NoError(t, err)
	return ok
}

func (f *fixture) assertRowsGone(t *testing.T, corpusID string, attemptIDs ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.repo.GetCorpus(ctx, corpusID)
	assert.ErrorIs(t, err, corpus.ErrNotFound)
	for _, id := range attemptIDs {
		_, err := f.repo.GetAttempt(ctx, id)
		assert.ErrorIs(t, err, corpus.ErrNotFound)
	}
}

func TestDeleteCorpus_RemovesEverything(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c_1", "a_1", "a_2")
	ctx := context.Background()

	ptr := f.orch.Build(ctx, "a_1")
	require.NotNil(t, ptr)
	require.NotNil(t, f.orch.Build(ctx, "a_2"))
	require.Positive(t, f.env.Graph.NodeCount("a_1"))
	require.NotEmpty(t, f.env.Redis.Keys())

	rec := &events.Recorder{}
	report, err := f.reaper(t, func(d *reaper.Deps) { d.Events = rec }).DeleteCorpus(ctx, "c_1")
	require.NoError(t, err)
	assert.True(t, report.Clean())
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, events.CorpusDeleted, rec.Events()[0].Kind)
	assert.Equal(t, "c_1", rec.Events()[0].CorpusID)
	assert.False(t, rec.Events()[0].Partial)
	require.Len(t, report.Attempts, 2)
	for _, ar := range report.Attempts {
		assert.Equal(t, 2, ar.CollectionsDropped)
		assert.Positive(t, ar.GraphObjects)
		assert.Positive(t, ar.KVKeys)
		assert.NoError(t, ar.Err)
	}

	for _, name := range ptr.VectorCollections {
		assert.False(t, f.collectionExists(t, name), name)
	}
	assert.Zero(t, f.env.Graph.NodeCount("a_1"))
	assert.Zero(t, f.env.Graph.NodeCount("a_2"))
	assert.Empty(t, f.env.Redis.Keys())
	f.assertRowsGone(t, "c_1", "a_1", "a_2")

	_, err = f.env.Sources.ReadSource(ctx, sourcestore.SourceKey("c_1"))
	assert.True(t, storeerr.IsNotFound(err))
}

func TestDeleteCorpus_PhysicalStateAlreadyGone(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c_1", "a_1")
	ctx := context.Background()

	ptr := f.orch.Build(ctx, "a_1")
	require.NotNil(t, ptr)

	// an earlier deletion removed the physical objects but not the rows
	for _, name := range ptr.VectorCollections {
		require.NoError(t, f.env.Vectors.DeleteCollection(ctx, name))
	}
	_, err := f.env.Graph.DeleteNamespace(ctx, ptr.GraphNamespace)
	require.NoError(t, err)
	_, err = f.env.KV.DropAttempt(ctx, "a_1")
	require.NoError(t, err)

	report, err := f.reaper(t).DeleteCorpus(ctx, "c_1")
	require.NoError(t, err)
	assert.True(t, report.Clean())
	require.Len(t, report.Attempts, 1)
	assert.Zero(t, report.Attempts[0].CollectionsDropped)
	assert.Zero(t, report.Attempts[0].GraphObjects)
	assert.Zero(t, report.Attempts[0].KVKeys)
	f.assertRowsGone(t, "c_1", "a_1")
}

func TestDeleteCorpus_LogsRequestCorrelation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c_1", "a_1")
	logs := logging.NewTestLogger()
	r, err := reaper.New(reaper.Deps{
		Repo:     f.repo,
		Resolver: f.env.Resolver,
		KV:       f.env.KV,
		Vectors:  f.env.Vectors,
		Graph:    f.env.Graph,
		Locker:   f.locker,
	}, logs.Underlying())
	require.NoError(t, err)

	ctx := logging.WithOwnerID(logging.WithRequestID(context.Background(), "req-7"), "u1")
	_, err = r.DeleteCorpus(ctx, "c_1")
	require.NoError(t, err)
	logs.AssertField(t, "corpus deleted", logging.FieldRequestID, "req-7")
	logs.AssertField(t, "corpus deleted", logging.FieldOwnerID, "u1")
}

func TestDeleteCorpus_OnlyTouchesItsOwnAttempts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c_1", "a_1")
	f.seed(t, "c_2", "a_2")
	ctx := context.Background()
	require.NotNil(t, f.orch.Build(ctx, "a_1"))
	other := f.orch.Build(ctx, "a_2")
	require.NotNil(t, other)

	_, err := f.reaper(t).DeleteCorpus(ctx, "c_1")
	require.NoError(t, err)

	for _, name := range other.VectorCollections {
		assert.True(t, f.collectionExists(t, name), name)
	}
	assert.Positive(t, f.env.Graph.NodeCount("a_2"))
	assert.NotEmpty(t, f.env.Redis.Keys())
	_, err = f.repo.GetAttempt(ctx, "a_2")
	assert.NoError(t, err)
}

func TestDeleteCorpus_NeverBuiltAttemptsAreClean(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c_1", "a_1")

	report, err := f.reaper(t).DeleteCorpus(context.Background(), "c_1")
	require.NoError(t, err)
	assert.True(t, report.Clean())
	require.Len(t, report.Attempts, 1)
	assert.Zero(t, report.Attempts[0].CollectionsDropped)
	f.assertRowsGone(t, "c_1", "a_1")
}

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, string, string) (extraction.Graph, error) {
	return extraction.Graph{}, errors.New("extractor exploded")
}

func TestDeleteCorpus_FailedAttemptPartialWritesAreDerived(t *testing.T) {
	f := newFixture(t, runnertest.WithExtractor(failingExtractor{}))
	f.seed(t, "c_1", "a_1")
	ctx := context.Background()

	require.Nil(t, f.orch.Build(ctx, "a_1"))
	a, err := f.repo.GetAttempt(ctx, "a_1")
	require.NoError(t, err)
	require.Nil(t, a.Artifacts)

	chunks := f.env.Resolver.VectorCollection("a_1", runner.NamespaceChunks)
	require.True(t, f.collectionExists(t, chunks))
	require.NotEmpty(t, f.env.Redis.Keys())

	report, err := f.reaper(t).DeleteCorpus(ctx, "c_1")
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, 1, report.Attempts[0].CollectionsDropped)
	assert.False(t, f.collectionExists(t, chunks))
	assert.Empty(t, f.env.Redis.Keys())
}

func TestDeleteCorpus_MissingCorpus(t *testing.T) {
	f := newFixture(t)
	_, err := f.reaper(t).DeleteCorpus(context.Background(), "c_missing")
	assert.ErrorIs(t, err, corpus.ErrNotFound)
}

// brokenVectors fails every collection delete with a backend fault.
type brokenVectors struct {
	vectorstore.Backend
}

func (brokenVectors) DeleteCollection(context.Context, string) error {
	return storeerr.Wrap(storeerr.BackendVector, "delete collection", errors.New("connection refused"))
}

func TestDeleteCorpus_PhysicalFaultAbortsAttemptOnly(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c_1", "a_1", "a_2")
	ctx := context.Background()
	require.NotNil(t, f.orch.Build(ctx, "a_1"))

	rec := &events.Recorder{}
	r := f.reaper(t, func(d *reaper.Deps) {
		d.Vectors = brokenVectors{f.env.Vectors}
		d.Events = rec
	})
	report, err := r.DeleteCorpus(ctx, "c_1")
	require.NoError(t, err)
	assert.False(t, report.Clean())
	require.Len(t, rec.Events(), 1)
	assert.True(t, rec.Events()[0].Partial)
	require.Len(t, report.Attempts, 2)
	for _, ar := range report.Attempts {
		require.Error(t, ar.Err)
		assert.Contains(t, ar.Err.Error(), "connection refused")
		assert.Zero(t, ar.KVKeys)
	}

	// Cleanup of later stores was skipped, relational deletes were not.
	assert.Positive(t, f.env.Graph.NodeCount("a_1"))
	assert.NotEmpty(t, f.env.Redis.Keys())
	f.assertRowsGone(t, "c_1", "a_1", "a_2")
}

// recordingGraph records which delete was used.
type recordingGraph struct {
	graphstore.Store
	mu    sync.Mutex
	calls []string
}

func (g *recordingGraph) DeleteTenant(ctx context.Context, tag string) (int, error) {
	g.mu.Lock()
	g.calls = append(g.calls, "tenant:"+tag)
	g.mu.Unlock()
	return g.Store.DeleteTenant(ctx, tag)
}

func (g *recordingGraph) DeleteNamespace(ctx context.Context, ns string) (int, error) {
	g.mu.Lock()
	g.calls = append(g.calls, "namespace:"+ns)
	g.mu.Unlock()
	return g.Store.DeleteNamespace(ctx, ns)
}

func TestDeleteCorpus_GraphNamespaceFirstTagFallback(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c_1", "a_1", "a_2")
	ctx := context.Background()
	ptr := f.orch.Build(ctx, "a_1")
	require.NotNil(t, ptr)

	g := &recordingGraph{Store: f.env.Graph}
	_, err := f.reaper(t, func(d *reaper.Deps) { d.Graph = g }).DeleteCorpus(ctx, "c_1")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"namespace:" + ptr.GraphNamespace, "tenant:a_2"}, g.calls)
	assert.Zero(t, f.env.Graph.NodeCount("a_1"))
}

func TestDeleteCorpus_WaitsForInFlightBuild(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c_1", "a_1")
	ctx := context.Background()

	r := f.reaper(t)
	unlock, err := f.locker.Lock(ctx, locks.AttemptKey("a_1"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.DeleteCorpus(ctx, "c_1")
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("deletion must wait for the attempt lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("deletion did not finish after the lock was released")
	}
	f.assertRowsGone(t, "c_1", "a_1")

	// A build started after deletion has nothing to do.
	assert.Nil(t, f.orch.Build(ctx, "a_1"))
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := reaper.New(reaper.Deps{}, nil)
	assert.Error(t, err)
}
