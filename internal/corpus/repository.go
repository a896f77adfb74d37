package corpus

import "context"

// Repository persists corpora and attempts. It is the authoritative record:
// physical store contents are only reachable through attempt rows.
type Repository interface {
	CreateCorpus(ctx context.Context, c *Corpus) error
	GetCorpus(ctx context.Context, corpusID string) (*Corpus, error)
	ListCorpora(ctx context.Context, ownerID string) ([]*Corpus, error)
	DeleteCorpus(ctx context.Context, corpusID string) error

	CreateAttempt(ctx context.Context, a *Attempt) error
	GetAttempt(ctx context.Context, attemptID string) (*Attempt, error)
	ListAttempts(ctx context.Context, corpusID string) ([]*Attempt, error)
	DeleteAttempt(ctx context.Context, attemptID string) error

	// MarkBuilding moves a buildable attempt to building.
	MarkBuilding(ctx context.Context, attemptID string) error

	// MarkReady stores the artifacts, clears any error, sets finished-at
	// and points the corpus at this attempt, in one transaction.
	MarkReady(ctx context.Context, attemptID string, artifacts *ArtifactPointer) error

	// MarkFailed stores the failure message and sets finished-at.
	MarkFailed(ctx context.Context, attemptID string, message string) error

	Close() error
}
