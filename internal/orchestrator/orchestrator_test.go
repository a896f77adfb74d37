package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
	"github.com/fyrsmithlabs/corpusd/internal/events"
	"github.com/fyrsmithlabs/corpusd/internal/extraction"
	"github.com/fyrsmithlabs/corpusd/internal/locks"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/runner"
	"github.com/fyrsmithlabs/corpusd/internal/runner/runnertest"
	"github.com/fyrsmithlabs/corpusd/internal/sourcestore"
)

const text = "Ishmael sailed on the Pequod. Captain Ahab hunted Moby Dick. Ishmael watched Captain Ahab."

type fixture struct {
	orch    *Orchestrator
	repo    *corpus.SQLiteRepository
	sources sourcestore.Store
	events  *events.Recorder
}

func newFixture(t *testing.T, rn runner.Runner, opts ...runnertest.Option) *fixture {
	t.Helper()
	repo, err := corpus.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	env := runnertest.New(t, opts...)
	reg := runner.NewRegistry()
	if rn == nil {
		rn = env.Runner
	}
	reg.Register(corpus.RunnerGraph, rn)

	rec := &events.Recorder{}
	orch, err := New(repo, reg, locks.NewRegistry(), env.Sources, Config{}, nil, WithPublisher(rec))
	require.NoError(t, err)
	return &fixture{orch: orch, repo: repo, sources: env.Sources, events: rec}
}

func (f *fixture) seed(t *testing.T, corpusID string, attemptIDs ...string) {
	t.Helper()
	ctx := context.Background()
	key, err := f.sources.WriteSource(ctx, corpusID, text)
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

func (f *fixture) attempt(t *testing.T, id string) *corpus.Attempt {
	t.Helper()
	a, err := f.repo.GetAttempt(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestBuild_Success(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "c_1", "a_1")
	ctx := context.Background()

	ptr := f.orch.Build(ctx, "a_1")
	require.NotNil(t, ptr)
	assert.Equal(t, []string{"col__a_1__entities", "col__a_1__chunks"}, ptr.VectorCollections)
	assert.Equal(t, "kv:a_1:", ptr.KVPrefix)
	assert.Equal(t, "a_1", ptr.GraphTag)

	a := f.attempt(t, "a_1")
	assert.Equal(t, corpus.StatusReady, a.Status)
	assert.Nil(t, a.Error)
	assert.NotNil(t, a.FinishedAt)
	assert.Equal(t, ptr, a.Artifacts)

	c, err := f.repo.GetCorpus(ctx, "c_1")
	require.NoError(t, err)
	assert.Equal(t, "a_1", c.LatestSuccessAttemptID)

	lines, err := f.sources.ReadAttemptLog(ctx, "c_1", "a_1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "Build started")
	assert.Contains(t, lines[1], "Build completed successfully")

	assert.Equal(t, []events.Kind{events.BuildStarted, events.BuildCompleted}, f.events.Kinds())
	done := f.events.Events()[1]
	assert.Equal(t, "c_1", done.CorpusID)
	assert.Equal(t, ptr, done.Artifacts)
}

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, string, string) (extraction.Graph, error) {
	return extraction.Graph{}, errors.New("extractor exploded")
}

func TestBuild_FailureIsRecordedNotReturned(t *testing.T) {
	f := newFixture(t, nil, runnertest.WithExtractor(failingExtractor{}))
	f.seed(t, "c_1", "a_1")
	ctx := context.Background()

	assert.Nil(t, f.orch.Build(ctx, "a_1"))

	a := f.attempt(t, "a_1")
	assert.Equal(t, corpus.StatusFailed, a.Status)
	require.NotNil(t, a.Error)
	assert.Contains(t, *a.Error, "extractor exploded")
	assert.Nil(t, a.Artifacts)
	assert.NotNil(t, a.FinishedAt)

	c, err := f.repo.GetCorpus(ctx, "c_1")
	require.NoError(t, err)
	assert.Empty(t, c.LatestSuccessAttemptID)

	lines, err := f.sources.ReadAttemptLog(ctx, "c_1", "a_1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "Build failed: ")
	assert.Contains(t, lines[1], "extractor exploded")

	assert.Equal(t, []events.Kind{events.BuildStarted, events.BuildFailed}, f.events.Kinds())
	assert.Contains(t, f.events.Events()[1].Error, "extractor exploded")
}

func TestBuild_MissingAttemptOrCorpus(t *testing.T) {
	f := newFixture(t, nil)
	assert.Nil(t, f.orch.Build(context.Background(), "a_missing"))

	// An orphan attempt whose corpus row is gone.
	require.NoError(t, f.repo.CreateAttempt(context.Background(), &corpus.Attempt{
		AttemptID: "a_orphan", CorpusID: "c_gone", RunnerType: corpus.RunnerGraph, Config: corpus.DefaultBuildConfig(),
	}))
	assert.Nil(t, f.orch.Build(context.Background(), "a_orphan"))
	assert.Equal(t, corpus.StatusQueued, f.attempt(t, "a_orphan").Status)
}

// fakeRunner records concurrency per attempt.
type fakeRunner struct {
	mu        sync.Mutex
	active    map[string]int
	maxActive map[string]int
	total     int32
	maxTotal  int32
	calls     int32
	hold      time.Duration
	gate      chan struct{}
	err       error
	panicMsg  string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{active: map[string]int{}, maxActive: map[string]int{}}
}

func (r *fakeRunner) BuildIndex(ctx context.Context, req runner.BuildRequest) (*corpus.ArtifactPointer, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}

	r.mu.Lock()
	r.active[req.AttemptID]++
	if r.active[req.AttemptID] > r.maxActive[req.AttemptID] {
		r.maxActive[req.AttemptID] = r.active[req.AttemptID]
	}
	r.mu.Unlock()
	n := atomic.AddInt32(&r.total, 1)
	for {
		m := atomic.LoadInt32(&r.maxTotal)
		if n <= m || atomic.CompareAndSwapInt32(&r.maxTotal, m, n) {
			break
		}
	}
	defer func() {
		atomic.AddInt32(&r.total, -1)
		r.mu.Lock()
		r.active[req.AttemptID]--
		r.mu.Unlock()
	}()

	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	time.Sleep(r.hold)
	if r.err != nil {
		return nil, r.err
	}
	return &corpus.ArtifactPointer{GraphTag: req.AttemptID, KVPrefix: "kv:" + req.AttemptID + ":"}, nil
}

func (r *fakeRunner) Retrieve(context.Context, runner.RetrieveRequest) ([]runner.Context, error) {
	return nil, nil
}

func (r *fakeRunner) Answer(context.Context, string, []runner.Context) (string, error) {
	return "", nil
}

func TestBuild_SameAttemptIsSerialized(t *testing.T) {
	fr := newFakeRunner()
	fr.hold = 10 * time.Millisecond
	fr.err = errors.New("transient")
	f := newFixture(t, fr)
	f.seed(t, "c_1", "a_1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.orch.Build(context.Background(), "a_1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fr.maxActive["a_1"])
	// Failed attempts are rebuildable, so every caller ran in turn.
	assert.Equal(t, int32(5), atomic.LoadInt32(&fr.calls))
}

func TestBuild_ReadyAttemptIsNotRebuilt(t *testing.T) {
	fr := newFakeRunner()
	f := newFixture(t, fr)
	f.seed(t, "c_1", "a_1")

	first := f.orch.Build(context.Background(), "a_1")
	require.NotNil(t, first)
	second := f.orch.Build(context.Background(), "a_1")
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fr.calls))
	assert.Len(t, f.events.Kinds(), 2, "a ready attempt publishes nothing")
}

func TestBuild_InterruptedBuildIsFailedThenRebuilt(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "c_1", "a_1")
	ctx := context.Background()
	require.NoError(t, f.repo.MarkBuilding(ctx, "a_1"))

	require.NotNil(t, f.orch.Build(ctx, "a_1"))
	assert.Equal(t, corpus.StatusReady, f.attempt(t, "a_1").Status)

	lines, err := f.sources.ReadAttemptLog(ctx, "c_1", "a_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Build failed: build interrupted", "Build started", "Build completed successfully"}, lines)
}

func TestBuild_DifferentAttemptsRunInParallel(t *testing.T) {
	fr := newFakeRunner()
	fr.gate = make(chan struct{})
	f := newFixture(t, fr)
	f.seed(t, "c_1", "a_1", "a_2")

	var wg sync.WaitGroup
	for _, id := range []string{"a_1", "a_2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.orch.Build(context.Background(), id)
		}()
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fr.total) == 2 }, 2*time.Second, time.Millisecond,
		"both builds must be in flight at once")
	close(fr.gate)
	wg.Wait()

	assert.Equal(t, corpus.StatusReady, f.attempt(t, "a_1").Status)
	assert.Equal(t, corpus.StatusReady, f.attempt(t, "a_2").Status)
}

func TestBuild_UnknownRunner(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "c_1")
	require.NoError(t, f.repo.CreateAttempt(context.Background(), &corpus.Attempt{
		AttemptID: "a_1", CorpusID: "c_1", RunnerType: "raptor", Config: corpus.DefaultBuildConfig(),
	}))

	assert.Nil(t, f.orch.Build(context.Background(), "a_1"))
	a := f.attempt(t, "a_1")
	assert.Equal(t, corpus.StatusFailed, a.Status)
	assert.Contains(t, *a.Error, "unknown runner type")
}

func TestBuild_PanicIsRecorded(t *testing.T) {
	fr := newFakeRunner()
	fr.panicMsg = "nil map"
	f := newFixture(t, fr)
	f.seed(t, "c_1", "a_1")

	assert.Nil(t, f.orch.Build(context.Background(), "a_1"))
	a := f.attempt(t, "a_1")
	assert.Equal(t, corpus.StatusFailed, a.Status)
	assert.Contains(t, *a.Error, "build panicked: nil map")
}

func TestBuild_CancelledBuildIsRecordedFailed(t *testing.T) {
	fr := newFakeRunner()
	fr.gate = make(chan struct{})
	f := newFixture(t, fr)
	f.seed(t, "c_1", "a_1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *corpus.ArtifactPointer)
	go func() { done <- f.orch.Build(ctx, "a_1") }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fr.total) == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.Nil(t, <-done)

	a := f.attempt(t, "a_1")
	assert.Equal(t, corpus.StatusFailed, a.Status)
	assert.Contains(t, *a.Error, context.Canceled.Error())
}

func TestBuild_Timeout(t *testing.T) {
	fr := newFakeRunner()
	fr.gate = make(chan struct{})
	f := newFixture(t, fr)
	f.orch.cfg.BuildTimeout = 20 * time.Millisecond
	f.seed(t, "c_1", "a_1")

	assert.Nil(t, f.orch.Build(context.Background(), "a_1"))
	assert.Contains(t, *f.attempt(t, "a_1").Error, context.DeadlineExceeded.Error())
}

func TestSubmitAndWait(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "c_1", "a_1", "a_2")

	f.orch.Submit(context.Background(), "a_1")
	f.orch.Submit(context.Background(), "a_2")
	require.NoError(t, f.orch.Wait(context.Background()))

	assert.Equal(t, corpus.StatusReady, f.attempt(t, "a_1").Status)
	assert.Equal(t, corpus.StatusReady, f.attempt(t, "a_2").Status)
}

func TestSubmit_LogsRequestCorrelation(t *testing.T) {
	repo, err := corpus.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	env := runnertest.New(t)
	reg := runner.NewRegistry()
	reg.Register(corpus.RunnerGraph, env.Runner)

	logs := logging.NewTestLogger()
	orch, err := New(repo, reg, locks.NewRegistry(), env.Sources, Config{}, logs.Underlying())
	require.NoError(t, err)
	f := &fixture{orch: orch, repo: repo, sources: env.Sources}
	f.seed(t, "c_1", "a_1")

	ctx, cancel := context.WithCancel(logging.WithRequestID(context.Background(), "req-42"))
	orch.Submit(ctx, "a_1")
	cancel()
	require.NoError(t, orch.Wait(context.Background()))

	assert.Equal(t, corpus.StatusReady, f.attempt(t, "a_1").Status, "request cancellation does not stop the build")
	logs.AssertField(t, "build completed", logging.FieldRequestID, "req-42")
}

func TestWait_CancelsInFlight(t *testing.T) {
	fr := newFakeRunner()
	fr.gate = make(chan struct{})
	f := newFixture(t, fr)
	f.seed(t, "c_1", "a_1")

	f.orch.Submit(context.Background(), "a_1")
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fr.total) == 1 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.orch.Wait(ctx), context.DeadlineExceeded)
	assert.Equal(t, corpus.StatusFailed, f.attempt(t, "a_1").Status)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(nil, runner.NewRegistry(), locks.NewRegistry(), nil, Config{}, nil)
	assert.Error(t, err)
}
