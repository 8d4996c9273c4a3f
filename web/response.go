package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/nutriscan/nutriscan/session"
)

type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// httpError carries the status an error should be reported with.
type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string { return e.err.Error() }

func (e *httpError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &httpError{status: http.StatusBadRequest, err: err}
}

func conflict(err error) error {
	return &httpError{status: http.StatusConflict, err: err}
}

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, response{Success: true, Data: data})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var herr *httpError
	switch {
	case errors.As(err, &herr):
		status = herr.status
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrConflict):
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warnw("request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, response{Success: false, Error: err.Error()})
}
