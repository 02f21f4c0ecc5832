package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"scribe/internal/scribe"
)

type errorResponse struct {
	Error string `json:"error"`
}

// requestError is a malformed or invalid request body.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return fmt.Sprintf("invalid request: %v", e.err) }
func (e *requestError) Unwrap() error { return e.err }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps persistence errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		transition *scribe.TransitionError
		bad        *requestError
	)
	switch {
	case errors.Is(err, scribe.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, scribe.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, scribe.ErrProjectNotFound),
		errors.Is(err, scribe.ErrVersionNotFound),
		errors.Is(err, scribe.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, scribe.ErrInvalidID), errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.As(err, &transition):
		return http.StatusConflict
	case scribe.IsTransportError(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decode reads a JSON body into v and checks its validate tags.
func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &requestError{err: err}
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return &requestError{err: verrs}
		}
		return err
	}
	return nil
}
