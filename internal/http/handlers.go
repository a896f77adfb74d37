package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/query"
	"github.com/fyrsmithlabs/corpusd/internal/reaper"
	"github.com/fyrsmithlabs/corpusd/internal/runner"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// CreateCorpusRequest is the request body for POST /api/v1/corpora.
type CreateCorpusRequest struct {
	Text       string `json:"text"`
	BookName   string `json:"book_name"`
	RunnerType string `json:"runner_type,omitempty"`
}

// AttemptAccepted is returned when an attempt has been queued for building.
type AttemptAccepted struct {
	CorpusID  string        `json:"corpus_id"`
	AttemptID string        `json:"attempt_id"`
	Status    corpus.Status `json:"status"`
}

// CreateAttemptRequest is the request body for POST
// /api/v1/corpora/:corpus_id/attempts. Omitted fields take the server's
// build configuration.
type CreateAttemptRequest struct {
	ChunkTokenSize        *int `json:"chunk_token_size,omitempty"`
	ChunkOverlapTokenSize *int `json:"chunk_overlap_token_size,omitempty"`
	TopK                  *int `json:"top_k,omitempty"`
}

// ListCorporaResponse is the response body for GET /api/v1/corpora.
type ListCorporaResponse struct {
	Corpora []*corpus.Corpus `json:"corpora"`
}

// CorpusResponse is a corpus with its attempts, oldest first.
type CorpusResponse struct {
	*corpus.Corpus
	Attempts []*corpus.Attempt `json:"attempts"`
}

// AttemptResponse is an attempt with its build log.
type AttemptResponse struct {
	*corpus.Attempt
	Log []string `json:"log"`
}

// DeleteCorpusResponse summarizes a deletion.
type DeleteCorpusResponse struct {
	CorpusID string          `json:"corpus_id"`
	Clean    bool            `json:"clean"`
	Attempts []AttemptReport `json:"attempts"`
}

// AttemptReport is the cleanup outcome of one attempt.
type AttemptReport struct {
	AttemptID          string `json:"attempt_id"`
	CollectionsDropped int    `json:"collections_dropped"`
	GraphObjects       int    `json:"graph_objects"`
	KVKeys             int    `json:"kv_keys"`
	Error              string `json:"error,omitempty"`
}

// QueryRequest is the request body for the retrieve and query endpoints.
type QueryRequest struct {
	Question string `json:"question"`
	// AttemptID pins the attempt; empty uses the latest ready one.
	AttemptID   string `json:"attempt_id,omitempty"`
	TopK        int    `json:"top_k,omitempty"`
	ExpandGraph *bool  `json:"expand_graph,omitempty"`
}

// QueryResponse is the response body for the retrieve and query endpoints.
type QueryResponse struct {
	AttemptID string           `json:"attempt_id"`
	Answer    string           `json:"answer,omitempty"`
	Contexts  []runner.Context `json:"contexts"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleCreateCorpus(c echo.Context) error {
	var req CreateCorpusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	corpusID, attemptID, err := s.services.Ingest().CreateCorpus(ctx, ingest.CreateCorpusRequest{
		OwnerID:    ownerID(c),
		Text:       req.Text,
		BookName:   req.BookName,
		RunnerType: req.RunnerType,
	})
	if err != nil {
		return err
	}
	s.services.Orchestrator().Submit(c.Request().Context(), attemptID)
	return c.JSON(http.StatusAccepted, AttemptAccepted{
		CorpusID:  corpusID,
		AttemptID: attemptID,
		Status:    corpus.StatusQueued,
	})
}

func (s *Server) handleListCorpora(c echo.Context) error {
	corpora, err := s.services.Repository().ListCorpora(c.Request().Context(), ownerID(c))
	if err != nil {
		return err
	}
	if corpora == nil {
		corpora = []*corpus.Corpus{}
	}
	return c.JSON(http.StatusOK, ListCorporaResponse{Corpora: corpora})
}

func (s *Server) handleGetCorpus(c echo.Context) error {
	cp, err := s.ownedCorpus(c)
	if err != nil {
		return err
	}
	attempts, err := s.services.Repository().ListAttempts(c.Request().Context(), cp.CorpusID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CorpusResponse{Corpus: cp, Attempts: attempts})
}

func (s *Server) handleDeleteCorpus(c echo.Context) error {
	cp, err := s.ownedCorpus(c)
	if err != nil {
		return err
	}
	report, err := s.services.Reaper().DeleteCorpus(c.Request().Context(), cp.CorpusID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, deleteResponse(report))
}

func deleteResponse(r *reaper.Report) DeleteCorpusResponse {
	resp := DeleteCorpusResponse{
		CorpusID: r.CorpusID,
		Clean:    r.Clean(),
		Attempts: make([]AttemptReport, 0, len(r.Attempts)),
	}
	for _, a := range r.Attempts {
		ar := AttemptReport{
			AttemptID:          a.AttemptID,
			CollectionsDropped: a.CollectionsDropped,
			GraphObjects:       a.GraphObjects,
			KVKeys:             a.KVKeys,
		}
		if a.Err != nil {
			ar.Error = a.Err.Error()
		}
		resp.Attempts = append(resp.Attempts, ar)
	}
	return resp
}

func (s *Server) handleCreateAttempt(c echo.Context) error {
	var req CreateAttemptRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	cp, err := s.ownedCorpus(c)
	if err != nil {
		return err
	}
	attemptID, err := s.services.Ingest().CreateAttempt(c.Request().Context(), cp.CorpusID, corpus.BuildOverrides{
		ChunkTokenSize:        req.ChunkTokenSize,
		ChunkOverlapTokenSize: req.ChunkOverlapTokenSize,
		TopK:                  req.TopK,
	})
	if err != nil {
		return err
	}
	s.services.Orchestrator().Submit(c.Request().Context(), attemptID)
	return c.JSON(http.StatusAccepted, AttemptAccepted{
		CorpusID:  cp.CorpusID,
		AttemptID: attemptID,
		Status:    corpus.StatusQueued,
	})
}

func (s *Server) handleGetAttempt(c echo.Context) error {
	cp, err := s.ownedCorpus(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	a, err := s.services.Repository().GetAttempt(ctx, c.Param("attempt_id"))
	if err != nil {
		return err
	}
	if a.CorpusID != cp.CorpusID {
		return corpus.ErrNotFound
	}
	lines, err := s.services.Sources().ReadAttemptLog(ctx, cp.CorpusID, a.AttemptID)
	if err != nil {
		s.logger.Warn("reading attempt log", zap.String("attempt_id", a.AttemptID), zap.Error(err))
	}
	if lines == nil {
		lines = []string{}
	}
	return c.JSON(http.StatusOK, AttemptResponse{Attempt: a, Log: lines})
}

func (s *Server) handleRetrieve(c echo.Context) error {
	return s.runQuery(c, false)
}

func (s *Server) handleQuery(c echo.Context) error {
	return s.runQuery(c, true)
}

// runQuery serves retrieve and query. Graph expansion defaults to on.
func (s *Server) runQuery(c echo.Context, answer bool) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cp, err := s.ownedCorpus(c)
	if err != nil {
		return err
	}
	qr := query.Request{
		AttemptID:   req.AttemptID,
		Question:    req.Question,
		TopK:        req.TopK,
		ExpandGraph: req.ExpandGraph == nil || *req.ExpandGraph,
	}

	ctx := c.Request().Context()
	var res *query.Result
	if answer {
		res, err = s.services.Query().Answer(ctx, cp.CorpusID, qr)
	} else {
		res, err = s.services.Query().Retrieve(ctx, cp.CorpusID, qr)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, QueryResponse{
		AttemptID: res.AttemptID,
		Answer:    res.Answer,
		Contexts:  res.Contexts,
	})
}
