package http

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
)

const ownerKey = "owner_id"

// requireOwner rejects requests without an owner header.
func requireOwner(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := strings.TrimSpace(c.Request().Header.Get(HeaderOwnerID))
		if owner == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, HeaderOwnerID+" header is required")
		}
		c.Set(ownerKey, owner)
		return next(c)
	}
}

func ownerID(c echo.Context) string {
	owner, _ := c.Get(ownerKey).(string)
	return owner
}

// ownedCorpus loads the :corpus_id corpus. A corpus of another owner is
// reported as not found so its existence is not disclosed.
func (s *Server) ownedCorpus(c echo.Context) (*corpus.Corpus, error) {
	cp, err := s.services.Repository().GetCorpus(c.Request().Context(), c.Param("corpus_id"))
	if err != nil {
		return nil, err
	}
	if cp.OwnerID != ownerID(c) {
		return nil, corpus.ErrNotFound
	}
	return cp, nil
}
