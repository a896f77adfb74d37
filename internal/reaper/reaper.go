// Package reaper deletes corpora across every store they were built into.
//
// Physical cleanup is best-effort and idempotent: absent collections,
// namespaces and keys count as deleted. The relational delete is
// authoritative and always happens.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
	"github.com/fyrsmithlabs/corpusd/internal/events"
	"github.com/fyrsmithlabs/corpusd/internal/graphstore"
	"github.com/fyrsmithlabs/corpusd/internal/locks"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/namespace"
	"github.com/fyrsmithlabs/corpusd/internal/runner"
	"github.com/fyrsmithlabs/corpusd/internal/sourcestore"
	"github.com/fyrsmithlabs/corpusd/internal/storeerr"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

// KVDropper drops every key of an attempt.
type KVDropper interface {
	DropAttempt(ctx context.Context, attemptID string) (int, error)
}

// Deps are the stores the reaper cleans.
type Deps struct {
	Repo     corpus.Repository
	Resolver *namespace.Resolver
	KV       KVDropper
	Vectors  vectorstore.Backend
	Graph    graphstore.Store
	Sources  sourcestore.Store
	Locker   locks.Locker
	// Events receives a deleted event per corpus. Optional.
	Events events.Publisher
}

// AttemptReport is the cleanup outcome of one attempt.
type AttemptReport struct {
	AttemptID          string
	CollectionsDropped int
	GraphObjects       int
	KVKeys             int
	// Err is the physical fault that aborted cleanup, if any. The attempt
	// row is deleted regardless.
	Err error
}

// Report is the outcome of a corpus deletion.
type Report struct {
	CorpusID string
	Attempts []AttemptReport
	// SourceErr is set when the source storage could not be removed.
	SourceErr error
}

// Clean reports whether every physical delete succeeded.
func (r *Report) Clean() bool {
	if r.SourceErr != nil {
		return false
	}
	for _, a := range r.Attempts {
		if a.Err != nil {
			return false
		}
	}
	return true
}

// Reaper deletes corpora.
type Reaper struct {
	deps   Deps
	logger *zap.Logger
}

// New creates a reaper. Sources may be nil when source text is not stored.
func New(deps Deps, logger *zap.Logger) (*Reaper, error) {
	switch {
	case deps.Repo == nil:
		return nil, errors.New("reaper: repository is required")
	case deps.KV == nil || deps.Vectors == nil || deps.Graph == nil:
		return nil, errors.New("reaper: kv, vector and graph stores are required")
	case deps.Locker == nil:
		return nil, errors.New("reaper: locker is required")
	}
	if deps.Resolver == nil {
		deps.Resolver = &namespace.Resolver{}
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{deps: deps, logger: logger}, nil
}

// DeleteCorpus tears down every attempt of the corpus, then deletes the
// corpus row and its source storage. It returns corpus.ErrNotFound when the
// corpus does not exist. Physical faults are logged and reported, not
// returned.
func (r *Reaper) DeleteCorpus(ctx context.Context, corpusID string) (*Report, error) {
	logger := r.logger.With(logging.ContextFields(ctx)...).With(zap.String("corpus_id", corpusID))

	if _, err := r.deps.Repo.GetCorpus(ctx, corpusID); err != nil {
		return nil, err
	}
	attempts, err := r.deps.Repo.ListAttempts(ctx, corpusID)
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}

	report := &Report{CorpusID: corpusID}
	for _, a := range attempts {
		ar, err := r.reapAttempt(ctx, a.AttemptID)
		if err != nil {
			return report, err
		}
		report.Attempts = append(report.Attempts, ar)
	}

	if err := r.deps.Repo.DeleteCorpus(ctx, corpusID); err != nil && !errors.Is(err, corpus.ErrNotFound) {
		return report, fmt.Errorf("deleting corpus row: %w", err)
	}

	if r.deps.Sources != nil {
		if err := r.deps.Sources.DeleteCorpus(ctx, corpusID); err != nil && !storeerr.IsNotFound(err) {
			ReapFaults.WithLabelValues("source").Inc()
			logger.Warn("deleting source storage", zap.Error(err))
			report.SourceErr = err
		}
	}

	outcome := "clean"
	if !report.Clean() {
		outcome = "partial"
	}
	ReapsTotal.WithLabelValues(outcome).Inc()
	logger.Info("corpus deleted",
		zap.Int("attempts", len(report.Attempts)),
		zap.String("outcome", outcome))

	ev := events.Event{Kind: events.CorpusDeleted, CorpusID: corpusID, Partial: !report.Clean(), At: time.Now().UTC()}
	if err := r.deps.Events.Publish(ctx, ev); err != nil {
		logger.Warn("publishing deletion event", zap.Error(err))
	}
	return report, nil
}

// reapAttempt holds the attempt lock so an in-flight build of the same
// attempt finishes before its stores are torn down. The attempt is reloaded
// under the lock because the build may have just recorded its artifacts.
func (r *Reaper) reapAttempt(ctx context.Context, attemptID string) (AttemptReport, error) {
	ar := AttemptReport{AttemptID: attemptID}
	logger := r.logger.With(logging.ContextFields(ctx)...).With(zap.String("attempt_id", attemptID))

	unlock, err := r.deps.Locker.Lock(ctx, locks.AttemptKey(attemptID))
	if err != nil {
		return ar, fmt.Errorf("acquiring lock for attempt %s: %w", attemptID, err)
	}
	defer unlock()

	a, err := r.deps.Repo.GetAttempt(ctx, attemptID)
	if errors.Is(err, corpus.ErrNotFound) {
		return ar, nil
	}
	if err != nil {
		return ar, fmt.Errorf("loading attempt %s: %w", attemptID, err)
	}

	if err := r.cleanPhysical(ctx, a, &ar); err != nil {
		ReapFaults.WithLabelValues(faultBackend(err)).Inc()
		logger.Warn("attempt cleanup aborted", zap.Error(err))
		ar.Err = err
	}

	if err := r.deps.Repo.DeleteAttempt(ctx, attemptID); err != nil && !errors.Is(err, corpus.ErrNotFound) {
		return ar, fmt.Errorf("deleting attempt row %s: %w", attemptID, err)
	}
	return ar, nil
}

// cleanPhysical stops at the first fault that is not a not-found.
func (r *Reaper) cleanPhysical(ctx context.Context, a *corpus.Attempt, ar *AttemptReport) error {
	ptr := a.Artifacts

	for _, name := range r.collections(a) {
		err := r.deps.Vectors.DeleteCollection(ctx, name)
		switch {
		case err == nil:
			ar.CollectionsDropped++
		case storeerr.IsNotFound(err):
		default:
			return storeerr.Wrap(storeerr.BackendVector, "delete collection "+name, err)
		}
	}

	n, err := r.deleteGraph(ctx, a.AttemptID, ptr)
	if err != nil && !storeerr.IsNotFound(err) {
		return err
	}
	ar.GraphObjects = n

	keys, err := r.deps.KV.DropAttempt(ctx, a.AttemptID)
	if err != nil && !storeerr.IsNotFound(err) {
		return err
	}
	ar.KVKeys = keys
	return nil
}

// collections returns the pointer's collections, or the names the graph
// runner derives for the attempt when the pointer is null or names none.
func (r *Reaper) collections(a *corpus.Attempt) []string {
	if a.Artifacts != nil && len(a.Artifacts.VectorCollections) > 0 {
		return a.Artifacts.VectorCollections
	}
	names := make([]string, 0, len(runner.VectorNamespaces))
	for _, ns := range runner.VectorNamespaces {
		names = append(names, r.deps.Resolver.VectorCollection(a.AttemptID, ns))
	}
	return names
}

// deleteGraph deletes by namespace when the pointer names one and by tenant
// tag otherwise. Without a pointer the tag is the attempt id.
func (r *Reaper) deleteGraph(ctx context.Context, attemptID string, ptr *corpus.ArtifactPointer) (int, error) {
	if ptr != nil && ptr.GraphNamespace != "" {
		return r.deps.Graph.DeleteNamespace(ctx, ptr.GraphNamespace)
	}
	tag := attemptID
	if ptr != nil && ptr.GraphTag != "" {
		tag = ptr.GraphTag
	}
	return r.deps.Graph.DeleteTenant(ctx, tag)
}

func faultBackend(err error) string {
	var se *storeerr.StoreError
	if errors.As(err, &se) {
		return se.Backend
	}
	return "unknown"
}
