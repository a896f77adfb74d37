package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/query"
	"github.com/fyrsmithlabs/corpusd/internal/runner"
	"github.com/fyrsmithlabs/corpusd/internal/storeerr"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, ingest.ErrValidation),
		errors.Is(err, query.ErrEmptyQuestion),
		errors.Is(err, corpus.ErrUnknownRunner):
		return http.StatusBadRequest
	case errors.Is(err, corpus.ErrNotFound), storeerr.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, query.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, runner.ErrNoLLM):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler writes ErrorResponse bodies. Internal errors are logged and
// their messages withheld from the client.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := statusFor(err)
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(he.Code)
			}
		}
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		if status >= http.StatusInternalServerError && status != http.StatusNotImplemented {
			logger.Error("request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.String("request_id", requestID),
				zap.Error(err))
			msg = http.StatusText(status)
		}

		body := ErrorResponse{Error: msg, RequestID: requestID}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Warn("writing error response", zap.Error(err))
		}
	}
}
