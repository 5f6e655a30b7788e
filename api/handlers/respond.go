package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cartnet/compensation/api/metrics"
	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/go-chi/chi/v5"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps an engine error kind to its HTTP status.
func StatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindEligibility:
		return http.StatusUnprocessableEntity
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, log *slog.Logger, r *http.Request, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{Error: apperr.CodeOf(err), Message: err.Error()}
	if _, ok := apperr.As(err); !ok {
		log.Error("api: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Message = "internal error"
	} else if status >= http.StatusInternalServerError {
		log.Error("api: request failed", "method", r.Method, "path", r.URL.Path, "code", resp.Error, "error", err)
	}
	metrics.ErrorsTotal.WithLabelValues(resp.Error).Inc()
	writeJSON(w, status, resp)
}

const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Wrapf(apperr.ErrInvalidInput, "request body is required")
		}
		return apperr.Wrapf(apperr.ErrInvalidInput, "invalid request body: %v", err)
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Wrapf(apperr.ErrInvalidInput, "invalid request body: %v", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Wrapf(apperr.ErrInvalidInput, "invalid %s %q", name, raw)
	}
	return id, nil
}

func queryInt64(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, apperr.Wrapf(apperr.ErrInvalidInput, "invalid %s %q", name, raw)
	}
	return &v, nil
}
