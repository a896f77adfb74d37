// Package ingest validates source text and creates corpora and their build
// attempts. It never builds: new attempts are left queued for the
// orchestrator.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
	"github.com/fyrsmithlabs/corpusd/internal/namespace"
	"github.com/fyrsmithlabs/corpusd/internal/sourcestore"
)

// DefaultMaxTextChars is the default ingestion limit in characters.
const DefaultMaxTextChars = 2_000_000

// ErrValidation marks input rejected before any record is created.
var ErrValidation = errors.New("validation failed")

// Config holds ingestion settings.
type Config struct {
	// MaxTextChars is the largest accepted source, in characters.
	MaxTextChars int `koanf:"max_text_chars"`
	// DefaultRunner is the runner type used when a request names none.
	DefaultRunner string `koanf:"default_runner"`
	// Build is the configuration given to new attempts.
	Build corpus.BuildConfig `koanf:"build"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxTextChars <= 0 {
		c.MaxTextChars = DefaultMaxTextChars
	}
	if c.DefaultRunner == "" {
		c.DefaultRunner = string(corpus.RunnerGraph)
	}
	c.Build = c.Build.WithDefaults()
}

// ValidateText rejects empty, whitespace-only and oversized text.
func ValidateText(text string, maxChars int) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: Text is empty", ErrValidation)
	}
	if utf8.RuneCountInString(text) > maxChars {
		return fmt.Errorf("%w: Text exceeds max length %d", ErrValidation, maxChars)
	}
	return nil
}

// SHA256 returns the hex sha256 of text.
func SHA256(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Service creates corpora and attempts.
type Service struct {
	repo    corpus.Repository
	sources sourcestore.Store
	cfg     Config
	logger  *zap.Logger
}

// NewService creates an ingestion service.
func NewService(repo corpus.Repository, sources sourcestore.Store, cfg Config, logger *zap.Logger) (*Service, error) {
	if repo == nil || sources == nil {
		return nil, errors.New("ingest: repository and source store are required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Build.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: build config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, sources: sources, cfg: cfg, logger: logger}, nil
}

// CreateCorpusRequest describes a new corpus.
type CreateCorpusRequest struct {
	OwnerID    string
	Text       string
	BookName   string
	RunnerType string
}

// CreateCorpus stores the source text and records the corpus with one
// queued attempt. It returns the new corpus and attempt ids.
func (s *Service) CreateCorpus(ctx context.Context, req CreateCorpusRequest) (string, string, error) {
	if req.OwnerID == "" {
		return "", "", fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if err := ValidateText(req.Text, s.cfg.MaxTextChars); err != nil {
		return "", "", err
	}
	runnerName := req.RunnerType
	if runnerName == "" {
		runnerName = s.cfg.DefaultRunner
	}
	runnerType, err := corpus.ParseRunnerType(runnerName)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	corpusID := namespace.NewCorpusID()
	attemptID := namespace.NewAttemptID()

	key, err := s.sources.WriteSource(ctx, corpusID, req.Text)
	if err != nil {
		return "", "", fmt.Errorf("writing source: %w", err)
	}

	c := &corpus.Corpus{
		CorpusID:       corpusID,
		OwnerID:        req.OwnerID,
		BookName:       req.BookName,
		SourcePath:     key,
		SourceSHA256:   SHA256(req.Text),
		SourceLenChars: utf8.RuneCountInString(req.Text),
	}
	if err := s.repo.CreateCorpus(ctx, c); err != nil {
		s.discardSource(ctx, corpusID)
		return "", "", fmt.Errorf("creating corpus: %w", err)
	}

	a := &corpus.Attempt{
		AttemptID:  attemptID,
		CorpusID:   corpusID,
		RunnerType: runnerType,
		Status:     corpus.StatusQueued,
		Config:     s.cfg.Build,
	}
	if err := s.repo.CreateAttempt(ctx, a); err != nil {
		if derr := s.repo.DeleteCorpus(ctx, corpusID); derr != nil {
			s.logger.Warn("removing corpus after attempt failure", zap.String("corpus_id", corpusID), zap.Error(derr))
		}
		s.discardSource(ctx, corpusID)
		return "", "", fmt.Errorf("creating attempt: %w", err)
	}

	s.logger.Info("corpus created",
		zap.String("corpus_id", corpusID),
		zap.String("attempt_id", attemptID),
		zap.Int("chars", c.SourceLenChars))
	return corpusID, attemptID, nil
}

func (s *Service) discardSource(ctx context.Context, corpusID string) {
	if err := s.sources.DeleteCorpus(ctx, corpusID); err != nil {
		s.logger.Warn("removing orphaned source", zap.String("corpus_id", corpusID), zap.Error(err))
	}
}

// CreateAttempt queues a rebuild of an existing corpus. Fields set in
// overrides replace the service build configuration; the rest keep it. The
// runner type of the corpus's most recent attempt is kept.
func (s *Service) CreateAttempt(ctx context.Context, corpusID string, overrides corpus.BuildOverrides) (string, error) {
	if _, err := s.repo.GetCorpus(ctx, corpusID); err != nil {
		return "", err
	}
	cfg := overrides.Apply(s.cfg.Build)
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	runnerType := corpus.RunnerType(s.cfg.DefaultRunner)
	attempts, err := s.repo.ListAttempts(ctx, corpusID)
	if err != nil {
		return "", fmt.Errorf("listing attempts: %w", err)
	}
	if n := len(attempts); n > 0 {
		runnerType = attempts[n-1].RunnerType
	}

	a := &corpus.Attempt{
		AttemptID:  namespace.NewAttemptID(),
		CorpusID:   corpusID,
		RunnerType: runnerType,
		Status:     corpus.StatusQueued,
		Config:     cfg,
	}
	if err := s.repo.CreateAttempt(ctx, a); err != nil {
		return "", fmt.Errorf("creating attempt: %w", err)
	}
	s.logger.Info("attempt created",
		zap.String("corpus_id", corpusID),
		zap.String("attempt_id", a.AttemptID))
	return a.AttemptID, nil
}
