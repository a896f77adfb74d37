package query_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
	"github.com/fyrsmithlabs/corpusd/internal/extraction"
	"github.com/fyrsmithlabs/corpusd/internal/locks"
	"github.com/fyrsmithlabs/corpusd/internal/orchestrator"
	"github.com/fyrsmithlabs/corpusd/internal/query"
	"github.com/fyrsmithlabs/corpusd/internal/runner"
	"github.com/fyrsmithlabs/corpusd/internal/runner/runnertest"
)

const text = "Ishmael sailed on the Pequod. Captain Ahab hunted Moby Dick. " +
	"Starbuck warned Captain Ahab about Moby Dick. Queequeg carved a coffin."

type cannedLLM struct{ answer string }

func (l cannedLLM) Complete(context.Context, extraction.CompletionRequest) (string, error) {
	return l.answer, nil
}

type fixture struct {
	svc  *query.Service
	repo *corpus.SQLiteRepository
	orch *orchestrator.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := corpus.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	env := runnertest.New(t, runnertest.WithLLM(cannedLLM{answer: "Captain Ahab"}))
	reg := runner.NewRegistry()
	reg.Register(corpus.RunnerGraph, env.Runner)
	orch, err := orchestrator.New(repo, reg, locks.NewRegistry(), env.Sources, orchestrator.Config{}, nil)
	require.NoError(t, err)
	svc, err := query.NewService(repo, reg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	key, err := env.Sources.WriteSource(ctx, "c_1", text)
	require.NoError(t, err)
	require.NoError(t, repo.CreateCorpus(ctx, &corpus.Corpus{CorpusID: "c_1", OwnerID: "u1", SourcePath: key}))
	require.NoError(t, repo.CreateCorpus(ctx, &corpus.Corpus{CorpusID: "c_2", OwnerID: "u1", SourcePath: key}))
	for _, a := range []struct{ id, corpusID string }{{"a_1", "c_1"}, {"a_2", "c_1"}, {"a_3", "c_2"}} {
		require.NoError(t, repo.CreateAttempt(ctx, &corpus.Attempt{
			AttemptID: a.id, CorpusID: a.corpusID, RunnerType: corpus.RunnerGraph,
			Config: corpus.BuildConfig{ChunkTokenSize: 10, ChunkOverlapTokenSize: 2, TopK: 2},
		}))
	}
	return &fixture{svc: svc, repo: repo, orch: orch}
}

func TestRetrieve_LatestReadyAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Retrieve(ctx, "c_1", query.Request{Question: "Who hunted Moby Dick?"})
	assert.ErrorIs(t, err, query.ErrNotReady)

	require.NotNil(t, f.orch.Build(ctx, "a_1"))
	res, err := f.svc.Retrieve(ctx, "c_1", query.Request{Question: "Who hunted Moby Dick?"})
	require.NoError(t, err)
	assert.Equal(t, "a_1", res.AttemptID)
	assert.Len(t, res.Contexts, 2, "top_k defaults to the attempt config")
	assert.Empty(t, res.Answer)
	for _, c := range res.Contexts {
		assert.Equal(t, "naive", c.Meta["mode"])
	}
}

func TestRetrieve_PinnedAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NotNil(t, f.orch.Build(ctx, "a_1"))

	_, err := f.svc.Retrieve(ctx, "c_1", query.Request{AttemptID: "a_2", Question: "q"})
	assert.ErrorIs(t, err, query.ErrNotReady)
	assert.Contains(t, err.Error(), "queued")

	_, err = f.svc.Retrieve(ctx, "c_1", query.Request{AttemptID: "a_3", Question: "q"})
	assert.ErrorIs(t, err, corpus.ErrNotFound)

	_, err = f.svc.Retrieve(ctx, "c_1", query.Request{AttemptID: "a_missing", Question: "q"})
	assert.ErrorIs(t, err, corpus.ErrNotFound)

	res, err := f.svc.Retrieve(ctx, "c_1", query.Request{AttemptID: "a_1", Question: "Captain Ahab", TopK: 1, ExpandGraph: true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Contexts)
}

func TestRetrieve_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Retrieve(context.Background(), "c_1", query.Request{Question: "  "})
	assert.ErrorIs(t, err, query.ErrEmptyQuestion)

	_, err = f.svc.Retrieve(context.Background(), "c_missing", query.Request{Question: "q"})
	assert.ErrorIs(t, err, corpus.ErrNotFound)
}

func TestAnswer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NotNil(t, f.orch.Build(ctx, "a_1"))

	res, err := f.svc.Answer(ctx, "c_1", query.Request{Question: "Who hunted Moby Dick?", ExpandGraph: true})
	require.NoError(t, err)
	assert.Equal(t, "Captain Ahab", res.Answer)
	assert.Equal(t, "a_1", res.AttemptID)
	assert.NotEmpty(t, res.Contexts)
}
