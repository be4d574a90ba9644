package sidecar

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-token/pkg/domain"
	"github.com/polisai/polis-token/pkg/patterns"
)

const (
	codeBadRequest = "BAD_REQUEST"
	codeStorage    = "STORAGE_FAILED"
)

// SettingsUpdate changes the token settings. Nil fields are left alone.
type SettingsUpdate struct {
	InsertionPattern  *string `json:"insertion_pattern,omitempty"`
	ExtractionPattern *string `json:"extraction_pattern,omitempty"`
	FormURL           *string `json:"form_url,omitempty"`
}

// TokenResponse is returned by the token fetch endpoint.
type TokenResponse struct {
	Token string `json:"token"`
}

// APIHandler returns the intercept and settings API.
func (s *Sidecar) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/intercept", s.handleIntercept)
	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handlePutSettings)
	mux.HandleFunc("POST /v1/token/fetch", s.handleTokenFetch)

	return s.metrics.MetricsMiddleware(otelhttp.NewHandler(mux, "polis-token-api"))
}

// AdminHandler returns the health and metrics endpoints.
func (s *Sidecar) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("GET /metrics", s.metrics.Handler())
	return s.metrics.MetricsMiddleware(mux)
}

func (s *Sidecar) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Snapshot().Settings())
}

// handlePutSettings applies every provided field independently. A rejected
// field keeps its previous value and does not stop the others from applying.
func (s *Sidecar) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var update SettingsUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&update); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code:    codeBadRequest,
			Message: fmt.Sprintf("invalid settings update: %v", err),
		})
		return
	}

	var errs []error
	fields := map[string]string{}
	apply := func(field string, value *string, set func(string) error) {
		if value == nil {
			return
		}
		if err := set(*value); err != nil {
			errs = append(errs, err)
			fields[field] = err.Error()
		}
	}
	apply(patterns.FieldInsertionPattern, update.InsertionPattern, s.store.SetInsertionPattern)
	apply(patterns.FieldExtractionPattern, update.ExtractionPattern, s.store.SetExtractionPattern)
	apply(patterns.FieldFormURL, update.FormURL, s.store.SetFormEndpoint)

	current := s.store.Snapshot().Settings()
	if err := s.settings.SaveSettings(r.Context(), current); err != nil {
		s.logger.Error("failed to persist token settings", "error", err)
		s.writeErrorResponse(w, r, http.StatusInternalServerError, domain.ErrorResponse{
			Code:    codeStorage,
			Message: "settings applied but could not be persisted",
		})
		return
	}

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		s.writeErrorResponse(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code:    domain.ErrorCode(joined),
			Message: joined.Error(),
			Fields:  fields,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, current)
}

// handleTokenFetch performs one form fetch outside of a mutation cycle so the
// configured patterns can be checked against the live form.
func (s *Sidecar) handleTokenFetch(w http.ResponseWriter, r *http.Request) {
	token, err := s.FetchToken(r.Context())
	if err != nil {
		s.writeErrorResponse(w, r, fetchStatus(err), domain.ErrorResponse{
			Code:    domain.ErrorCode(err),
			Message: err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, TokenResponse{Token: token})
}

func fetchStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrEndpointUnset):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTokenNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrFetchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Sidecar) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeErrorResponse writes a JSON error, tagged with the trace ID when the
// request is traced.
func (s *Sidecar) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errResp domain.ErrorResponse) {
	if span := trace.SpanFromContext(r.Context()); span != nil {
		if sc := span.SpanContext(); sc.IsValid() {
			errResp.TraceID = sc.TraceID().String()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(errResp); err != nil {
		s.logger.Error("failed to encode error response", "error", err)
	}
}
