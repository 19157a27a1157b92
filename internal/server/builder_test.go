package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gemchat-go/internal/config"
	"gemchat-go/internal/keypool"
)

type stubCaller struct{}

func (stubCaller) Generate(ctx context.Context, apiKey, model string, payload []byte) ([]byte, error) {
	return []byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`), nil
}

func (stubCaller) Stream(ctx context.Context, apiKey, model string, payload []byte) (*http.Response, error) {
	return nil, context.Canceled
}

func (stubCaller) ListModels(ctx context.Context, apiKey string) ([]byte, error) {
	return []byte(`{"models":[{"name":"models/gemini-2.5-flash"}]}`), nil
}

func newTestEngine(t *testing.T, cfg *config.Config) http.Handler {
	t.Helper()
	d := keypool.New(cfg, stubCaller{}, nil)
	if err := d.Configure([]string{"key-000000"}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return BuildEngine(cfg, Dependencies{Dispatcher: d})
}

func TestBuildEngineEnforcesManagementAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ManagementKey = "mgmt"
	engine := newTestEngine(t, cfg)

	t.Run("missing key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin/metrics", nil)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("valid key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin/metrics", nil)
		req.Header.Set("Authorization", "Bearer mgmt")
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})
}

func TestBuildEngineOpenEndpoints(t *testing.T) {
	engine := newTestEngine(t, config.DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: got %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "# HELP") {
		t.Fatal("metrics body missing prometheus exposition")
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("models: got %d", rec.Code)
	}
}

func TestBuildEngineChatRequestFlow(t *testing.T) {
	engine := newTestEngine(t, config.DefaultConfig())

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("middleware chain did not stamp a request id")
	}

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	req = httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"text":"ok"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}
