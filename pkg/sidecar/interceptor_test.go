package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-token/pkg/domain"
	"github.com/polisai/polis-token/pkg/storage"
)

type mockSettingsStore struct {
	mock.Mock
}

func (m *mockSettingsStore) LoadSettings(ctx context.Context) (domain.Settings, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.Settings), args.Error(1)
}

func (m *mockSettingsStore) SaveSettings(ctx context.Context, settings domain.Settings) error {
	args := m.Called(ctx, settings)
	return args.Error(0)
}

func (m *mockSettingsStore) Close() error {
	return m.Called().Error(0)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var resp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestIntercept_Rewrites(t *testing.T) {
	form := newFormServer(t, "abc123")
	s := newTestSidecar(t, testConfig(form.URL+"/form"))

	raw := "POST /submit HTTP/1.1\r\nHost: app\r\nContent-Length: 8\r\n\r\ntok=&x=1"
	rec := doJSON(t, s.APIHandler(), http.MethodPost, "/v1/intercept", InterceptRequest{
		Tool:      "scanner",
		IsRequest: true,
		Message:   []byte(raw),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp InterceptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, domain.OutcomeRewritten, resp.Outcome)
	assert.True(t, resp.Modified)
	assert.Equal(t, strings.Replace(raw, "tok=&", "tok=abc123&", 1), string(resp.Message))
}

func TestIntercept_PassThrough(t *testing.T) {
	s := newTestSidecar(t, testConfig(""))

	tests := []struct {
		name    string
		req     InterceptRequest
		outcome domain.Outcome
	}{
		{
			name:    "other tool",
			req:     InterceptRequest{RequestID: "r-1", Tool: "64", IsRequest: true, Message: []byte("GET /?tok=&a=1 HTTP/1.1\r\n\r\n")},
			outcome: domain.OutcomeOutOfScope,
		},
		{
			name:    "response",
			req:     InterceptRequest{RequestID: "r-2", Tool: "scanner", Message: []byte("HTTP/1.1 200 OK\r\n\r\ntok=&")},
			outcome: domain.OutcomeOutOfScope,
		},
		{
			name:    "no match",
			req:     InterceptRequest{RequestID: "r-3", Tool: "scanner", IsRequest: true, Message: []byte("GET /?x=1 HTTP/1.1\r\n\r\n")},
			outcome: domain.OutcomeNoMatch,
		},
		{
			name:    "endpoint unset",
			req:     InterceptRequest{RequestID: "r-4", Tool: "scanner", IsRequest: true, Message: []byte("GET /?tok=&a=1 HTTP/1.1\r\n\r\n")},
			outcome: domain.OutcomeFetchFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, s.APIHandler(), http.MethodPost, "/v1/intercept", tt.req)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp InterceptResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.req.RequestID, resp.RequestID)
			assert.Equal(t, tt.outcome, resp.Outcome)
			assert.False(t, resp.Modified)
			assert.Equal(t, tt.req.Message, resp.Message)
		})
	}
}

func TestIntercept_BadRequests(t *testing.T) {
	s := newTestSidecar(t, testConfig(""))

	rec := doJSON(t, s.APIHandler(), http.MethodPost, "/v1/intercept", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeBadRequest, decodeError(t, rec).Code)

	rec = doJSON(t, s.APIHandler(), http.MethodPost, "/v1/intercept", InterceptRequest{Tool: "debugger", IsRequest: true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errResp := decodeError(t, rec)
	assert.Equal(t, "TOOL_UNKNOWN", errResp.Code)
	assert.Contains(t, errResp.Fields, "tool")

	rec = doJSON(t, s.APIHandler(), http.MethodGet, "/v1/intercept", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSettings_GetAndPut(t *testing.T) {
	store := storage.NewMemorySettingsStore()
	s := newTestSidecar(t, testConfig("https://app.example/form"), WithSettingsStore(store))
	api := s.APIHandler()

	rec := doJSON(t, api, http.MethodGet, "/v1/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, testInsertion, got.InsertionPattern)

	rec = doJSON(t, api, http.MethodPut, "/v1/settings", map[string]string{"form_url": "https://other.example/login"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "https://other.example/login", got.FormURL)
	assert.Equal(t, testExtraction, got.ExtractionPattern, "omitted fields are left alone")

	saved, err := store.LoadSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://other.example/login", saved.FormURL)
}

func TestSettings_PartialRejection(t *testing.T) {
	s := newTestSidecar(t, testConfig("https://app.example/form"))

	rec := doJSON(t, s.APIHandler(), http.MethodPut, "/v1/settings", map[string]string{
		"insertion_pattern": `csrf=([a-z]*)&`,
		"form_url":          "ftp://app.example/form",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	errResp := decodeError(t, rec)
	assert.Equal(t, "URL_INVALID", errResp.Code)
	assert.Contains(t, errResp.Fields, "form_url")
	assert.NotContains(t, errResp.Fields, "insertion_pattern")

	settings := s.Settings()
	assert.Equal(t, `csrf=([a-z]*)&`, settings.InsertionPattern, "accepted fields still apply")
	assert.Equal(t, "https://app.example/form", settings.FormURL, "rejected fields keep the previous value")
}

func TestSettings_ClearPattern(t *testing.T) {
	s := newTestSidecar(t, testConfig("https://app.example/form"))

	rec := doJSON(t, s.APIHandler(), http.MethodPut, "/v1/settings", map[string]string{"insertion_pattern": ""})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, s.Settings().InsertionPattern)

	result := s.Process(context.Background(), scannerMessage("GET /?tok=&x=1 HTTP/1.1\r\n\r\n"))
	assert.Equal(t, domain.OutcomeNoMatch, result.Outcome)
}

func TestSettings_PersistFailure(t *testing.T) {
	store := &mockSettingsStore{}
	store.On("SaveSettings", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	s := newTestSidecar(t, testConfig("https://app.example/form"), WithSettingsStore(store))

	rec := doJSON(t, s.APIHandler(), http.MethodPut, "/v1/settings", map[string]string{"form_url": "https://other.example/"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, codeStorage, decodeError(t, rec).Code)
	assert.Equal(t, "https://other.example/", s.Settings().FormURL)
	store.AssertExpectations(t)
}

func TestTokenFetch(t *testing.T) {
	form := newFormServer(t, "abc123")
	s := newTestSidecar(t, testConfig(form.URL+"/form"))

	rec := doJSON(t, s.APIHandler(), http.MethodPost, "/v1/token/fetch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "abc123", resp.Token)
}

func TestTokenFetch_Errors(t *testing.T) {
	empty := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<form></form>"))
	}))
	defer empty.Close()

	tests := []struct {
		name    string
		formURL string
		status  int
		code    string
	}{
		{name: "endpoint unset", formURL: "", status: http.StatusConflict, code: "ENDPOINT_UNSET"},
		{name: "token missing", formURL: empty.URL + "/form", status: http.StatusUnprocessableEntity, code: "TOKEN_NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSidecar(t, testConfig(tt.formURL))
			rec := doJSON(t, s.APIHandler(), http.MethodPost, "/v1/token/fetch", nil)
			require.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestAdminHandler(t *testing.T) {
	s := newTestSidecar(t, testConfig(""))

	rec := doJSON(t, s.AdminHandler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = doJSON(t, s.AdminHandler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "token_http_requests_total")
}
