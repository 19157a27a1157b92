package chat

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"gemchat-go/internal/config"
	apperrors "gemchat-go/internal/errors"
	"gemchat-go/internal/keypool"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// fakeUpstream scripts upstream responses per API key.
type fakeUpstream struct {
	mu         sync.Mutex
	payloads   [][]byte
	generate   func(apiKey string) ([]byte, error)
	stream     func(ctx context.Context, apiKey string) (*http.Response, error)
	listModels func(apiKey string) ([]byte, error)
}

func (f *fakeUpstream) Generate(ctx context.Context, apiKey, model string, payload []byte) ([]byte, error) {
	f.mu.Lock()
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	f.mu.Unlock()
	if f.generate != nil {
		return f.generate(apiKey)
	}
	return []byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}],"usageMetadata":{"totalTokenCount":7}}`), nil
}

func (f *fakeUpstream) Stream(ctx context.Context, apiKey, model string, payload []byte) (*http.Response, error) {
	f.mu.Lock()
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	f.mu.Unlock()
	if f.stream != nil {
		return f.stream(ctx, apiKey)
	}
	body := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hello\"}]}}]}\n\n" +
		"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\", world\"}]},\"finishReason\":\"STOP\"}]}\n\n" +
		"data: [DONE]\n\n"
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

func (f *fakeUpstream) ListModels(ctx context.Context, apiKey string) ([]byte, error) {
	if f.listModels != nil {
		return f.listModels(apiKey)
	}
	return []byte(`{"models":[{"name":"models/gemini-2.5-flash"}]}`), nil
}

func (f *fakeUpstream) lastPayload() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return nil
	}
	return f.payloads[len(f.payloads)-1]
}

func newTestRouter(t *testing.T, fu *fakeUpstream, secrets ...string) (*gin.Engine, *keypool.Dispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	d := keypool.New(cfg, fu, nil)
	require.NoError(t, d.Configure(secrets))
	h := New(cfg, d)

	r := gin.New()
	r.POST("/v1/chat", h.Complete)
	r.POST("/v1/chat/stream", h.Stream)
	r.DELETE("/v1/chat/stream/:id", h.CancelStream)
	r.GET("/v1/models", h.Models)
	return r, d
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestCompleteReturnsText(t *testing.T) {
	fu := &fakeUpstream{}
	r, _ := newTestRouter(t, fu, "key-000000")

	w := postJSON(r, "/v1/chat", `{"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	require.Equal(t, "ok", gjson.Get(body, "text").String())
	require.Equal(t, "STOP", gjson.Get(body, "finish_reason").String())
	require.Equal(t, "gemini-2.5-flash", gjson.Get(body, "model").String())
	require.EqualValues(t, 7, gjson.Get(body, "usage.totalTokenCount").Int())

	sent := fu.lastPayload()
	require.Equal(t, "user", gjson.GetBytes(sent, "contents.0.role").String())
	require.Equal(t, "hi", gjson.GetBytes(sent, "contents.0.parts.0.text").String())
}

func TestCompleteTranslatesConversation(t *testing.T) {
	fu := &fakeUpstream{}
	r, _ := newTestRouter(t, fu, "key-000000")

	w := postJSON(r, "/v1/chat", `{
		"model": "gemini-2.5-pro",
		"system": "be brief",
		"temperature": 0.2,
		"max_tokens": 128,
		"messages": [
			{"role":"user","content":"question"},
			{"role":"assistant","content":"answer"},
			{"role":"user","content":"follow-up"}
		]
	}`)

	require.Equal(t, http.StatusOK, w.Code)
	sent := fu.lastPayload()
	require.Equal(t, "model", gjson.GetBytes(sent, "contents.1.role").String())
	require.Equal(t, "user", gjson.GetBytes(sent, "contents.2.role").String())
	require.Equal(t, "be brief", gjson.GetBytes(sent, "systemInstruction.parts.0.text").String())
	require.InDelta(t, 0.2, gjson.GetBytes(sent, "generationConfig.temperature").Float(), 1e-9)
	require.EqualValues(t, 128, gjson.GetBytes(sent, "generationConfig.maxOutputTokens").Int())
}

func TestCompleteRejectsBadRequests(t *testing.T) {
	r, _ := newTestRouter(t, &fakeUpstream{}, "key-000000")

	for name, body := range map[string]string{
		"empty messages": `{"messages":[]}`,
		"blank content":  `{"messages":[{"role":"user","content":"  "}]}`,
		"bad role":       `{"messages":[{"role":"system","content":"x"}]}`,
		"not json":       `{"messages":`,
	} {
		t.Run(name, func(t *testing.T) {
			w := postJSON(r, "/v1/chat", body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			require.Equal(t, "invalid_request", gjson.Get(w.Body.String(), "error.code").String())
		})
	}
}

func TestCompleteNoKeysConfigured(t *testing.T) {
	r, _ := newTestRouter(t, &fakeUpstream{})

	w := postJSON(r, "/v1/chat", `{"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "no_keys_available", gjson.Get(w.Body.String(), "error.code").String())
}

func TestCompletePoolExhausted(t *testing.T) {
	fu := &fakeUpstream{}
	fu.generate = func(apiKey string) ([]byte, error) {
		return nil, apperrors.MapHTTPError(http.StatusTooManyRequests, nil)
	}
	r, _ := newTestRouter(t, fu, "key-000000", "key-111111")

	w := postJSON(r, "/v1/chat", `{"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, "all_keys_exhausted", gjson.Get(w.Body.String(), "error.code").String())
}

func TestCompleteTerminalKey(t *testing.T) {
	fu := &fakeUpstream{}
	fu.generate = func(apiKey string) ([]byte, error) {
		return nil, apperrors.MapHTTPError(http.StatusUnauthorized, nil)
	}
	r, _ := newTestRouter(t, fu, "key-000000", "key-111111")

	w := postJSON(r, "/v1/chat", `{"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, "key_invalid", gjson.Get(w.Body.String(), "error.code").String())
	require.NotContains(t, w.Body.String(), "key-000000")
}

func TestModelsProxiesCatalog(t *testing.T) {
	r, _ := newTestRouter(t, &fakeUpstream{}, "key-000000")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "models/gemini-2.5-flash", gjson.Get(w.Body.String(), "models.0.name").String())
}
