package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/vertex-balancer/internal/domain"
)

type stubTargets struct {
	targets   []domain.Target
	err       error
	gotFilter domain.TargetFilter
}

func (s stubTargets) FindByID(context.Context, string) (domain.Target, error) {
	return domain.Target{}, domain.ErrNotFound
}

func (s stubTargets) FindByBinding(context.Context, string, string) (domain.Target, error) {
	return domain.Target{}, domain.ErrNotFound
}

func (s *stubTargets) List(_ context.Context, f domain.TargetFilter) ([]domain.Target, error) {
	s.gotFilter = f
	return s.targets, s.err
}

func (s stubTargets) Create(context.Context, domain.Target) error     { return nil }
func (s stubTargets) Save(context.Context, domain.Target) error       { return nil }
func (s stubTargets) Delete(context.Context, string) error            { return nil }
func (s stubTargets) BulkUpdate(context.Context, []domain.Target) error { return nil }

type stubSettings struct{ err error }

func (s stubSettings) Snapshot(context.Context) (domain.Settings, error) {
	return domain.DefaultSettings(), s.err
}

func TestBearerAuthRejectsWithEnvelope(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := BearerAuth("secret")(next)

	for name, header := range map[string]string{
		"missing":      "",
		"wrong scheme": "Basic secret",
		"wrong token":  "Bearer nope",
	} {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
			if header != "" {
				r.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			require.Equal(t, http.StatusUnauthorized, w.Code)
			require.Equal(t, `Bearer realm="api"`, w.Header().Get("WWW-Authenticate"))
			require.JSONEq(t,
				`{"error":{"message":"Unauthorized","type":"authentication_error"}}`,
				w.Body.String())
		})
	}
}

func TestBearerAuthAllowsValidToken(t *testing.T) {
	h := BearerAuth("secret")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestBearerAuthDisabledWhenNoKey(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestChatCompletionsRejectsBadInput(t *testing.T) {
	srv := NewServer(nil, &stubTargets{}, stubSettings{})

	tests := []struct {
		name string
		body string
		msg  string
	}{
		{"malformed json", `{"model":`, "request body is not valid JSON"},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, "model is required"},
		{"empty messages", `{"model":"m","messages":[]}`, "messages must not be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			srv.ChatCompletions(w, r)
			require.Equal(t, http.StatusBadRequest, w.Code)
			require.Contains(t, w.Body.String(), tt.msg)
			require.Contains(t, w.Body.String(), `"invalid_request_error"`)
		})
	}
}

func TestModelsListsActiveTargets(t *testing.T) {
	store := &stubTargets{targets: []domain.Target{
		{ID: "t1", Name: "gemini-pool-a", IsActive: true},
		{ID: "t2", IsActive: true},
	}}
	srv := NewServer(nil, store, stubSettings{})

	w := httptest.NewRecorder()
	srv.Models(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	require.Contains(t, body, `"object":"list"`)
	require.Contains(t, body, `"gemini-pool-a"`)
	// Unnamed targets fall back to their id.
	require.Contains(t, body, `"t2"`)
	require.Contains(t, body, `"owned_by":"google"`)

	// The listing filters on active status only; eligibility is left to the
	// dispatch path.
	require.NotNil(t, store.gotFilter.Active)
	require.True(t, *store.gotFilter.Active)
	require.Nil(t, store.gotFilter.EligibleAt)
}

func TestModelsListsCoolingDownTarget(t *testing.T) {
	reset := time.Now().Add(10 * time.Minute)
	srv := NewServer(nil, &stubTargets{targets: []domain.Target{
		{ID: "t1", Name: "gemini-pool-a", IsActive: true, RateLimitResetAt: &reset},
	}}, stubSettings{})

	w := httptest.NewRecorder()
	srv.Models(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"gemini-pool-a"`)
}

func TestModelsEmptyPoolIs503(t *testing.T) {
	srv := NewServer(nil, &stubTargets{}, stubSettings{})
	w := httptest.NewRecorder()
	srv.Models(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), `"no_targets_available"`)
}

func TestModelsStoreError(t *testing.T) {
	srv := NewServer(nil, &stubTargets{err: errors.New("db down")}, stubSettings{})
	w := httptest.NewRecorder()
	srv.Models(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestReadyz(t *testing.T) {
	srv := NewServer(nil, &stubTargets{}, stubSettings{})
	w := httptest.NewRecorder()
	srv.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	srv = NewServer(nil, &stubTargets{}, stubSettings{err: errors.New("db down")})
	w = httptest.NewRecorder()
	srv.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:4312"
	require.Equal(t, "192.0.2.10", ClientIP(r))

	r.Header.Set("X-Real-Ip", "198.51.100.7")
	require.Equal(t, "198.51.100.7", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 198.51.100.1")
	require.Equal(t, "203.0.113.5", ClientIP(r))
}
