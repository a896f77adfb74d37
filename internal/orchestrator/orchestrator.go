// Package orchestrator drives build attempts through their lifecycle:
//
//	queued|failed --lock--> building --> ready|failed
//
// Builds for one attempt id are serialized by a per-attempt lock; builds of
// different attempts run fully in parallel. Build faults never escape: they
// are recorded on the attempt and observed through its status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
	"github.com/fyrsmithlabs/corpusd/internal/events"
	"github.com/fyrsmithlabs/corpusd/internal/locks"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/runner"
	"github.com/fyrsmithlabs/corpusd/internal/sourcestore"
)

// Attempt log lines.
const (
	logStarted   = "Build started"
	logSucceeded = "Build completed successfully"
	logFailedFmt = "Build failed: %s"

	interruptedMsg = "build interrupted"
)

// Config tunes the orchestrator.
type Config struct {
	// BuildTimeout bounds one build. Zero means no limit.
	BuildTimeout time.Duration `koanf:"build_timeout"`
}

// Orchestrator runs attempt builds.
type Orchestrator struct {
	repo    corpus.Repository
	runners *runner.Registry
	locker  locks.Locker
	logs    sourcestore.Store
	events  events.Publisher
	cfg     Config
	logger  *zap.Logger

	wg sync.WaitGroup
	// bg is the parent context of submitted builds.
	bg     context.Context
	cancel context.CancelFunc
}

// Option configures New.
type Option func(*Orchestrator)

// WithPublisher publishes build lifecycle events to p.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// New creates an orchestrator. logs receives per-attempt log lines and may
// be nil.
func New(repo corpus.Repository, runners *runner.Registry, locker locks.Locker, logs sourcestore.Store, cfg Config, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if repo == nil || runners == nil || locker == nil {
		return nil, errors.New("orchestrator: repository, runner registry and locker are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bg, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		repo:    repo,
		runners: runners,
		locker:  locker,
		logs:    logs,
		events:  events.Nop{},
		cfg:     cfg,
		logger:  logger,
		bg:      bg,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Build runs the attempt's build and returns its artifact pointer, or nil
// when the attempt is gone, not buildable, or failed. An attempt that is
// already ready returns its recorded pointer without rebuilding.
func (o *Orchestrator) Build(ctx context.Context, attemptID string) *corpus.ArtifactPointer {
	logger := o.logger.With(logging.ContextFields(ctx)...).With(zap.String("attempt_id", attemptID))

	unlock, err := o.locker.Lock(ctx, locks.AttemptKey(attemptID))
	if err != nil {
		logger.Error("acquiring attempt lock", zap.Error(err))
		return nil
	}
	defer unlock()

	attempt, err := o.repo.GetAttempt(ctx, attemptID)
	if err != nil {
		if errors.Is(err, corpus.ErrNotFound) {
			logger.Info("attempt deleted before build")
		} else {
			logger.Error("loading attempt", zap.Error(err))
		}
		return nil
	}
	logger = logger.With(zap.String("corpus_id", attempt.CorpusID))

	c, err := o.repo.GetCorpus(ctx, attempt.CorpusID)
	if err != nil {
		if errors.Is(err, corpus.ErrNotFound) {
			logger.Info("corpus deleted before build")
		} else {
			logger.Error("loading corpus", zap.Error(err))
		}
		return nil
	}

	if attempt.Status == corpus.StatusReady {
		logger.Debug("attempt already ready")
		return attempt.Artifacts
	}
	// Holding the lock, a building attempt can only be left over from a
	// build that died. It is recorded as failed before being rebuilt.
	if attempt.Status == corpus.StatusBuilding {
		logger.Warn("recovering interrupted build")
		if err := o.repo.MarkFailed(ctx, attemptID, interruptedMsg); err != nil {
			logger.Error("marking interrupted attempt failed", zap.Error(err))
			return nil
		}
		o.appendLog(ctx, attempt, fmt.Sprintf(logFailedFmt, interruptedMsg))
		attempt.Status = corpus.StatusFailed
	}
	if !attempt.Buildable() {
		logger.Warn("attempt not buildable", zap.String("status", string(attempt.Status)))
		return nil
	}

	// Persist building before any expensive work so a crash is observable.
	if err := o.repo.MarkBuilding(ctx, attemptID); err != nil {
		logger.Error("marking attempt building", zap.Error(err))
		return nil
	}
	o.appendLog(ctx, attempt, logStarted)
	o.publish(ctx, events.Event{Kind: events.BuildStarted, CorpusID: attempt.CorpusID, AttemptID: attemptID})
	BuildsInFlight.Inc()
	defer BuildsInFlight.Dec()

	start := time.Now()
	ptr, buildErr := o.runBuild(ctx, attempt, c)
	BuildDuration.Observe(time.Since(start).Seconds())

	// Outcomes are recorded even when the caller's context is done.
	recordCtx := context.WithoutCancel(ctx)

	if buildErr == nil {
		err := o.repo.MarkReady(recordCtx, attemptID, ptr)
		if err == nil {
			BuildsTotal.WithLabelValues("ready").Inc()
			o.appendLog(recordCtx, attempt, logSucceeded)
			o.publish(recordCtx, events.Event{
				Kind: events.BuildCompleted, CorpusID: attempt.CorpusID, AttemptID: attemptID, Artifacts: ptr,
			})
			logger.Info("build completed", zap.Duration("duration", time.Since(start)))
			return ptr
		}
		if errors.Is(err, corpus.ErrNotFound) {
			logger.Info("attempt deleted during build")
			return nil
		}
		buildErr = fmt.Errorf("recording build result: %w", err)
	}

	BuildsTotal.WithLabelValues("failed").Inc()
	logger.Warn("build failed", zap.Error(buildErr))
	if err := o.repo.MarkFailed(recordCtx, attemptID, buildErr.Error()); err != nil && !errors.Is(err, corpus.ErrNotFound) {
		logger.Error("marking attempt failed", zap.Error(err))
	}
	o.appendLog(recordCtx, attempt, fmt.Sprintf(logFailedFmt, buildErr.Error()))
	o.publish(recordCtx, events.Event{
		Kind: events.BuildFailed, CorpusID: attempt.CorpusID, AttemptID: attemptID, Error: buildErr.Error(),
	})
	return nil
}

func (o *Orchestrator) runBuild(ctx context.Context, a *corpus.Attempt, c *corpus.Corpus) (ptr *corpus.ArtifactPointer, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("build panicked",
				zap.String("attempt_id", a.AttemptID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			ptr, err = nil, fmt.Errorf("build panicked: %v", r)
		}
	}()

	rn, err := o.runners.Get(a.RunnerType)
	if err != nil {
		return nil, err
	}

	if o.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.BuildTimeout)
		defer cancel()
	}

	ptr, err = rn.BuildIndex(ctx, runner.BuildRequest{
		CorpusID:  a.CorpusID,
		AttemptID: a.AttemptID,
		SourceKey: c.SourcePath,
		BookName:  c.BookName,
		Config:    a.Config,
	})
	if err != nil {
		return nil, err
	}
	if ptr == nil {
		return nil, errors.New("runner returned no artifacts")
	}
	return ptr, nil
}

func (o *Orchestrator) appendLog(ctx context.Context, a *corpus.Attempt, line string) {
	if o.logs == nil {
		return
	}
	if err := o.logs.AppendAttemptLog(ctx, a.CorpusID, a.AttemptID, line); err != nil {
		o.logger.Warn("appending attempt log",
			zap.String("attempt_id", a.AttemptID),
			zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := o.events.Publish(ctx, e); err != nil {
		o.logger.Warn("publishing build event",
			zap.String("attempt_id", e.AttemptID),
			zap.String("kind", string(e.Kind)),
			zap.Error(err))
	}
}

// Submit starts a build in the background. It returns immediately. The
// build logs under the correlation ids of ctx but is not cancelled with it.
func (o *Orchestrator) Submit(ctx context.Context, attemptID string) {
	buildCtx := logging.CopyCorrelation(o.bg, ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Build(buildCtx, attemptID)
	}()
}

// Wait blocks until submitted builds finish or ctx is done. When ctx ends
// first, in-flight builds are cancelled and recorded as failed.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}
