package apiServer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stormlightlabs/pds/pkg/blob"
	"github.com/stormlightlabs/pds/pkg/repo"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps engine sentinels onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repo.ErrRecordNotFound), errors.Is(err, repo.ErrRepoNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "NotFound", Message: err.Error()})
	case errors.Is(err, repo.ErrRecordExists):
		writeJSON(w, http.StatusConflict, errorBody{Error: "AlreadyExists", Message: err.Error()})
	case errors.Is(err, repo.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "InternalError", Message: err.Error()})
	}
}

// WithLogger injects a request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithAuth replaces the default allow-all auth check.
func WithAuth(auth AuthFunc) Option {
	return func(s *Server) {
		if auth != nil {
			s.auth = auth
		}
	}
}

// WithBlobStore enables the blob upload and download endpoints.
func WithBlobStore(blobs *blob.Store) Option {
	return func(s *Server) {
		s.blobs = blobs
	}
}
