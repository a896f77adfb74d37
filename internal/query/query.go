// Package query serves retrieval and question answering against a corpus's
// ready attempts.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
	"github.com/fyrsmithlabs/corpusd/internal/runner"
)

var (
	// ErrNotReady is returned when the selected attempt has not finished a
	// successful build, or the corpus has none.
	ErrNotReady = errors.New("attempt not ready")

	// ErrEmptyQuestion is returned for a blank question.
	ErrEmptyQuestion = errors.New("question is empty")
)

// Request selects an attempt and describes the retrieval.
type Request struct {
	// AttemptID pins the attempt. Empty selects the corpus's latest
	// successful attempt.
	AttemptID   string
	Question    string
	TopK        int
	ExpandGraph bool
}

// Result is a retrieval, with an answer when one was requested.
type Result struct {
	AttemptID string           `json:"attempt_id"`
	Answer    string           `json:"answer,omitempty"`
	Contexts  []runner.Context `json:"contexts"`
}

// Service runs queries.
type Service struct {
	repo    corpus.Repository
	runners *runner.Registry
	logger  *zap.Logger
}

// NewService creates a query service.
func NewService(repo corpus.Repository, runners *runner.Registry, logger *zap.Logger) (*Service, error) {
	if repo == nil || runners == nil {
		return nil, errors.New("query: repository and runner registry are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, runners: runners, logger: logger}, nil
}

// Retrieve returns the contexts relevant to the question.
func (s *Service) Retrieve(ctx context.Context, corpusID string, req Request) (*Result, error) {
	a, rn, err := s.prepare(ctx, corpusID, &req)
	if err != nil {
		return nil, err
	}
	contexts, err := rn.Retrieve(ctx, runner.RetrieveRequest{
		CorpusID:    corpusID,
		AttemptID:   a.AttemptID,
		Question:    req.Question,
		TopK:        req.TopK,
		ExpandGraph: req.ExpandGraph,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieving from attempt %s: %w", a.AttemptID, err)
	}
	return &Result{AttemptID: a.AttemptID, Contexts: contexts}, nil
}

// Answer retrieves contexts and generates an answer from them.
func (s *Service) Answer(ctx context.Context, corpusID string, req Request) (*Result, error) {
	a, rn, err := s.prepare(ctx, corpusID, &req)
	if err != nil {
		return nil, err
	}
	contexts, err := rn.Retrieve(ctx, runner.RetrieveRequest{
		CorpusID:    corpusID,
		AttemptID:   a.AttemptID,
		Question:    req.Question,
		TopK:        req.TopK,
		ExpandGraph: req.ExpandGraph,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieving from attempt %s: %w", a.AttemptID, err)
	}
	answer, err := rn.Answer(ctx, req.Question, contexts)
	if err != nil {
		return nil, fmt.Errorf("answering from attempt %s: %w", a.AttemptID, err)
	}
	s.logger.Debug("question answered",
		zap.String("corpus_id", corpusID),
		zap.String("attempt_id", a.AttemptID),
		zap.Int("contexts", len(contexts)))
	return &Result{AttemptID: a.AttemptID, Answer: answer, Contexts: contexts}, nil
}

func (s *Service) prepare(ctx context.Context, corpusID string, req *Request) (*corpus.Attempt, runner.Runner, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, nil, ErrEmptyQuestion
	}
	a, err := s.readyAttempt(ctx, corpusID, req.AttemptID)
	if err != nil {
		return nil, nil, err
	}
	if req.TopK <= 0 {
		req.TopK = a.Config.WithDefaults().TopK
	}
	rn, err := s.runners.Get(a.RunnerType)
	if err != nil {
		return nil, nil, err
	}
	return a, rn, nil
}

// readyAttempt resolves the attempt to query. An attempt of another corpus
// is reported as not found.
func (s *Service) readyAttempt(ctx context.Context, corpusID, attemptID string) (*corpus.Attempt, error) {
	c, err := s.repo.GetCorpus(ctx, corpusID)
	if err != nil {
		return nil, err
	}
	if attemptID == "" {
		attemptID = c.LatestSuccessAttemptID
	}
	if attemptID == "" {
		return nil, fmt.Errorf("%w: no ready attempt available", ErrNotReady)
	}

	a, err := s.repo.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.CorpusID != corpusID {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, corpus.ErrNotFound)
	}
	if a.Status != corpus.StatusReady {
		return nil, fmt.Errorf("%w (%s)", ErrNotReady, a.Status)
	}
	return a, nil
}
