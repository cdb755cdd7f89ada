package web

import (
	"net/http"

	"github.com/awebai/aweb/internal/errs"
)

// statusFor maps the service error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.Unauthenticated:
		return http.StatusUnauthorized
	case errs.Forbidden:
		return http.StatusForbidden
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Conflict:
		return http.StatusConflict
	case errs.InvalidArgument:
		return http.StatusBadRequest
	case errs.Gone:
		return http.StatusGone
	case errs.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError reports a service failure, hiding internal detail.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.deps.Log.Error("request failed", "error", err)
	}
	writeError(w, status, errs.Message(err))
}
