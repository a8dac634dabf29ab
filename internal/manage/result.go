// Package manage implements the management operations behind the HTTP API.
// Every operation returns a Result envelope and never panics.
package manage

import (
	"errors"
	"net/http"

	"scmbridge/internal/jobstore"
	"scmbridge/internal/storage"
	"scmbridge/internal/sysconfig"
	"scmbridge/internal/task/handler"
)

// Result is the uniform response envelope.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`

	status int
}

// HTTPStatus maps the result onto a status code for transports that need one.
func (r Result) HTTPStatus() int {
	if r.status != 0 {
		return r.status
	}
	if r.Success {
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

func ok(msg string, data any) Result {
	return Result{Success: true, Message: msg, Data: data, status: http.StatusOK}
}

func fail(msg string, err error) Result {
	r := Result{Success: false, Message: msg, status: statusFor(err)}
	if err != nil {
		r.Message = msg + ": " + err.Error()
	}
	return r
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusBadRequest
	case errors.Is(err, jobstore.ErrNotFound), errors.Is(err, sysconfig.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobstore.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, jobstore.ErrInvalid), errors.Is(err, sysconfig.ErrEmptyKey),
		errors.Is(err, handler.ErrUnknownHandler), errors.Is(err, storage.ErrUnknownStore):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNoAvailableStore):
		return http.StatusServiceUnavailable
	default:
		var ce *storage.ConfigError
		if errors.As(err, &ce) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}
