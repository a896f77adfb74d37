// Package events publishes attempt build and corpus deletion events so
// other services can follow builds without polling.
//
// Subjects:
//
//	{prefix}.attempts.{corpus_id}.{attempt_id}.started
//	{prefix}.attempts.{corpus_id}.{attempt_id}.completed
//	{prefix}.attempts.{corpus_id}.{attempt_id}.failed
//	{prefix}.corpora.{corpus_id}.deleted
//
// Delivery is best-effort. Publishers never block a build or a deletion on
// the event bus.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
)

// Kind is the lifecycle step an event reports.
type Kind string

const (
	BuildStarted   Kind = "started"
	BuildCompleted Kind = "completed"
	BuildFailed    Kind = "failed"
	CorpusDeleted  Kind = "deleted"
)

// Event is the JSON payload of every subject.
type Event struct {
	Kind      Kind                    `json:"kind"`
	CorpusID  string                  `json:"corpus_id"`
	AttemptID string                  `json:"attempt_id,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Artifacts *corpus.ArtifactPointer `json:"artifacts,omitempty"`
	// Partial is set on deletions whose physical cleanup left objects behind.
	Partial bool      `json:"partial,omitempty"`
	At      time.Time `json:"at"`
}

// Subject returns the subject e is published on under prefix.
func (e Event) Subject(prefix string) string {
	if e.AttemptID == "" {
		return fmt.Sprintf("%s.corpora.%s.%s", prefix, e.CorpusID, e.Kind)
	}
	return fmt.Sprintf("%s.attempts.%s.%s.%s", prefix, e.CorpusID, e.AttemptID, e.Kind)
}

// Publisher sends events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Providers.
const (
	ProviderNone = "none"
	ProviderNATS = "nats"
)

// DefaultSubjectPrefix prefixes every subject unless configured otherwise.
const DefaultSubjectPrefix = "corpusd"

// Config selects the publisher.
type Config struct {
	Provider string     `koanf:"provider"`
	NATS     NATSConfig `koanf:"nats"`
}

// Open returns the configured publisher. "none" and "" disable events.
func Open(cfg Config, logger *zap.Logger) (Publisher, error) {
	switch cfg.Provider {
	case "", ProviderNone:
		return Nop{}, nil
	case ProviderNATS:
		return NewNATSPublisher(cfg.NATS, logger)
	default:
		return nil, fmt.Errorf("unsupported events provider %q (supported: none, nats)", cfg.Provider)
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of what was published, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds published, oldest first.
func (r *Recorder) Kinds() []Kind {
	evs := r.Events()
	kinds := make([]Kind, len(evs))
	for i, e := range evs {
		kinds[i] = e.Kind
	}
	return kinds
}
