package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloudmodel/endpoint-tools/internal/config"
	"github.com/cloudmodel/endpoint-tools/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeEndpointsFile(t *testing.T, endpoints map[string]models.Endpoint) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	data, err := json.Marshal(models.EndpointsFile{Endpoints: endpoints})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func newTestServer(t *testing.T, endpoints map[string]models.Endpoint) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Mode = "test"
	cfg.Server.Port = 3333
	cfg.Proxy.EndpointsFile = writeEndpointsFile(t, endpoints)

	s, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestNew_EmptyEndpoints(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.Mode = "test"
	cfg.Proxy.EndpointsFile = writeEndpointsFile(t, map[string]models.Endpoint{})

	_, err := New(cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no endpoints")
}

func TestNew_MissingFile(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.Mode = "test"
	cfg.Proxy.EndpointsFile = filepath.Join(t.TempDir(), "nope.json")

	_, err := New(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestListModels(t *testing.T) {
	s := newTestServer(t, map[string]models.Endpoint{
		"model-b": {DisplayName: "Model B", URL: "http://b", APIKey: "k", ActualModelName: "real-b"},
		"model-a": {DisplayName: "Model A", URL: "http://a", APIKey: "k", ActualModelName: "real-a"},
	})

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, 200, w.Code)
	var list models.ModelList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))

	require.Len(t, list.Data, 2)
	assert.Equal(t, "model-a", list.Data[0].ID)
	assert.Equal(t, "model-b", list.Data[1].ID)
	assert.Equal(t, "Model A", list.Data[0].OwnedBy)
	assert.Equal(t, int64(1677610602), list.Data[0].Created)
	assert.Equal(t, "list", list.Object)
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, map[string]models.Endpoint{
		"m1": {URL: "http://x", APIKey: "k", ActualModelName: "r"},
	})

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, 200, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, float64(1), resp["endpoints"])
}

func TestChatCompletions_RewritesModelAndKey(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"id": "chatcmpl-1", "choices": []}`))
	}))
	defer backend.Close()

	s := newTestServer(t, map[string]models.Endpoint{
		"public-model": {URL: backend.URL, APIKey: "backend-key", ActualModelName: "real-model"},
	})

	body := `{"model": "public-model", "messages": [{"role": "user", "content": "hi"}], "custom_field": 42}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	assert.Equal(t, "Bearer backend-key", gotAuth)
	assert.Equal(t, "real-model", gotBody["model"])
	assert.Equal(t, float64(42), gotBody["custom_field"])
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	s := newTestServer(t, map[string]models.Endpoint{
		"known": {URL: "http://x", APIKey: "k", ActualModelName: "r"},
	})

	body := `{"model": "unknown", "messages": []}`
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, 400, w.Code)
	assert.Contains(t, w.Body.String(), "not supported")
	assert.Contains(t, w.Body.String(), "known")
}

func TestChatCompletions_InvalidJSON(t *testing.T) {
	s := newTestServer(t, map[string]models.Endpoint{
		"m": {URL: "http://x", APIKey: "k", ActualModelName: "r"},
	})

	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader("{broken"))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, 400, w.Code)
}

func TestChatCompletions_StreamPassthrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\"}\n\ndata: [DONE]\n\n")
	}))
	defer backend.Close()

	s := newTestServer(t, map[string]models.Endpoint{
		"m": {URL: backend.URL, APIKey: "k", ActualModelName: "r"},
	})

	body := `{"model": "m", "messages": [], "stream": true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "data: [DONE]")
}

func TestForwardRequest_ModelIDHeader(t *testing.T) {
	var gotPath, gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer backend.Close()

	s := newTestServer(t, map[string]models.Endpoint{
		"m": {URL: backend.URL, APIKey: "backend-key", ActualModelName: "r"},
	})

	req := httptest.NewRequest(http.MethodPost, "/completions", strings.NewReader(`{"prompt": "x"}`))
	req.Header.Set("x-model-id", "m")
	req.Header.Set("Authorization", "Bearer caller-key")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	assert.Equal(t, "/v1/completions", gotPath)
	assert.Equal(t, "Bearer backend-key", gotAuth)
}

func TestForwardRequest_ModelFromQuery(t *testing.T) {
	var gotQuery string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("model")
		w.Write([]byte(`{}`))
	}))
	defer backend.Close()

	s := newTestServer(t, map[string]models.Endpoint{
		"m": {URL: backend.URL, APIKey: "k", ActualModelName: "real-m"},
	})

	req := httptest.NewRequest(http.MethodGet, "/embeddings?model=m", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	assert.Equal(t, "real-m", gotQuery)
}

func TestForwardRequest_ModelFromBody(t *testing.T) {
	var gotBody map[string]interface{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{}`))
	}))
	defer backend.Close()

	s := newTestServer(t, map[string]models.Endpoint{
		"m": {URL: backend.URL, APIKey: "k", ActualModelName: "real-m"},
	})

	req := httptest.NewRequest(http.MethodPost, "/embeddings", strings.NewReader(`{"model": "m", "input": "text"}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	assert.Equal(t, "real-m", gotBody["model"])
	assert.Equal(t, "text", gotBody["input"])
}

func TestForwardRequest_NoModel(t *testing.T) {
	s := newTestServer(t, map[string]models.Endpoint{
		"m": {URL: "http://x", APIKey: "k", ActualModelName: "r"},
	})

	req := httptest.NewRequest(http.MethodGet, "/embeddings", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, 400, w.Code)
	assert.Contains(t, w.Body.String(), "Missing or invalid model ID")
}

func TestDebugInfo_MasksKeys(t *testing.T) {
	s := newTestServer(t, map[string]models.Endpoint{
		"m": {DisplayName: "M", URL: "http://x", APIKey: "sk-aaaaabbbbbcccccddddd", ActualModelName: "r"},
	})

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug", nil))

	require.Equal(t, 200, w.Code)
	assert.NotContains(t, w.Body.String(), "sk-aaaaabbbbbcccccddddd")
	assert.Contains(t, w.Body.String(), "sk-aa...ddddd")
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "***", maskAPIKey(""))
	assert.Equal(t, "***", maskAPIKey("short"))
	assert.Equal(t, "***", maskAPIKey("exactly10!"))
	assert.Equal(t, "12345...89012", maskAPIKey("1234567890123456789012"))
}

func TestReloadEndpoints(t *testing.T) {
	s := newTestServer(t, map[string]models.Endpoint{
		"old-model": {URL: "http://x", APIKey: "k", ActualModelName: "r"},
	})

	newFile := writeEndpointsFile(t, map[string]models.Endpoint{
		"new-model": {URL: "http://y", APIKey: "k", ActualModelName: "r2"},
	})

	req := httptest.NewRequest(http.MethodPost, "/reload?config="+newFile, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, []interface{}{"new-model"}, resp["models"])

	_, ok := s.endpoint("old-model")
	assert.False(t, ok)
	_, ok = s.endpoint("new-model")
	assert.True(t, ok)
}

func TestReloadEndpoints_BadFile(t *testing.T) {
	s := newTestServer(t, map[string]models.Endpoint{
		"m": {URL: "http://x", APIKey: "k", ActualModelName: "r"},
	})

	req := httptest.NewRequest(http.MethodPost, "/reload?config=/does/not/exist.json", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, 500, w.Code)

	// The previous configuration stays active.
	_, ok := s.endpoint("m")
	assert.True(t, ok)
}
