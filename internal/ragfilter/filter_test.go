package ragfilter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudmodel/endpoint-tools/internal/models"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func contextServer(t *testing.T, resp models.ContextResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/context", r.URL.Path)
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestFilter(endpoint string) *Filter {
	s := DefaultSettings()
	s.Endpoint = endpoint
	return New(s, zap.NewNop())
}

func TestExtractOriginalQuery_Template(t *testing.T) {
	f := newTestFilter("http://unused")

	enhanced := "Relevant Context:\n[Context 1]\nsome retrieved text\n\nUser Query: what is the capital?"
	assert.Equal(t, "what is the capital?", f.ExtractOriginalQuery(enhanced))
}

func TestExtractOriginalQuery_MultilineContext(t *testing.T) {
	f := newTestFilter("http://unused")

	enhanced := "Relevant Context:\n[Context 1]\nline one\nline two\n\n[Context 2]\nmore\n\nUser Query: my question"
	assert.Equal(t, "my question", f.ExtractOriginalQuery(enhanced))
}

func TestExtractOriginalQuery_Fallbacks(t *testing.T) {
	f := newTestFilter("http://unused")

	assert.Equal(t, "q1", f.ExtractOriginalQuery("Some preamble\nQuery: q1"))
	assert.Equal(t, "q2", f.ExtractOriginalQuery("Context here\nQuestion: q2"))
}

func TestExtractOriginalQuery_Unenhanced(t *testing.T) {
	f := newTestFilter("http://unused")

	plain := "just a normal question"
	assert.Equal(t, plain, f.ExtractOriginalQuery(plain))
}

func TestFormatChunks(t *testing.T) {
	out := FormatChunks([]string{"alpha", "beta"})
	assert.Equal(t, "[Context 1]\nalpha\n\n[Context 2]\nbeta", out)

	assert.Equal(t, "", FormatChunks(nil))
}

func TestInlet_InjectsContext(t *testing.T) {
	srv := contextServer(t, models.ContextResponse{
		Chunks: []string{"retrieved fact"},
		Scores: []float64{0.95},
	})
	defer srv.Close()

	f := newTestFilter(srv.URL)

	req := &models.ChatCompletionRequest{
		Model: "m",
		Messages: []models.ChatCompletionMessage{
			{Role: "system", Content: "be helpful"},
			{Role: "user", Content: "what is X?"},
		},
	}
	f.Inlet(context.Background(), req)

	content := req.Messages[1].ContentText()
	assert.Contains(t, content, "Relevant Context:")
	assert.Contains(t, content, "[Context 1]\nretrieved fact")
	assert.Contains(t, content, "User Query: what is X?")
	assert.Equal(t, "be helpful", req.Messages[0].ContentText())
}

func TestInlet_StripsHistory(t *testing.T) {
	srv := contextServer(t, models.ContextResponse{
		Chunks: []string{"new fact"},
		Scores: []float64{0.9},
	})
	defer srv.Close()

	f := newTestFilter(srv.URL)

	old := "Relevant Context:\n[Context 1]\nstale fact\n\nUser Query: first question"
	req := &models.ChatCompletionRequest{
		Model: "m",
		Messages: []models.ChatCompletionMessage{
			{Role: "user", Content: old},
			{Role: "assistant", Content: "first answer"},
			{Role: "user", Content: "second question"},
		},
	}
	f.Inlet(context.Background(), req)

	assert.Equal(t, "first question", req.Messages[0].ContentText())
	assert.Equal(t, "first answer", req.Messages[1].ContentText())
	assert.Contains(t, req.Messages[2].ContentText(), "User Query: second question")
	assert.Contains(t, req.Messages[2].ContentText(), "new fact")
}

func TestInlet_KeepContextInHistory(t *testing.T) {
	srv := contextServer(t, models.ContextResponse{
		Chunks: []string{"new fact"},
	})
	defer srv.Close()

	s := DefaultSettings()
	s.Endpoint = srv.URL
	s.KeepContextInHistory = true
	f := New(s, zap.NewNop())

	old := "Relevant Context:\nstale\n\nUser Query: first"
	req := &models.ChatCompletionRequest{
		Model: "m",
		Messages: []models.ChatCompletionMessage{
			{Role: "user", Content: old},
			{Role: "assistant", Content: "answer"},
			{Role: "user", Content: "second"},
		},
	}
	f.Inlet(context.Background(), req)

	assert.Equal(t, old, req.Messages[0].ContentText())
}

func TestInlet_Disabled(t *testing.T) {
	s := DefaultSettings()
	s.Enabled = false
	f := New(s, zap.NewNop())

	req := &models.ChatCompletionRequest{
		Model:    "m",
		Messages: []models.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	}
	f.Inlet(context.Background(), req)
	assert.Equal(t, "hi", req.Messages[0].ContentText())
}

func TestInlet_RetrievalFailureLeavesRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestFilter(srv.URL)

	req := &models.ChatCompletionRequest{
		Model:    "m",
		Messages: []models.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	}
	f.Inlet(context.Background(), req)
	assert.Equal(t, "hi", req.Messages[0].ContentText())
}

func TestInlet_NoChunksLeavesRequest(t *testing.T) {
	srv := contextServer(t, models.ContextResponse{Chunks: []string{}})
	defer srv.Close()

	f := newTestFilter(srv.URL)

	req := &models.ChatCompletionRequest{
		Model:    "m",
		Messages: []models.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	}
	f.Inlet(context.Background(), req)
	assert.Equal(t, "hi", req.Messages[0].ContentText())
}

func TestInlet_IncludeMetadata(t *testing.T) {
	srv := contextServer(t, models.ContextResponse{
		Chunks: []string{"fact"},
		Scores: []float64{0.8},
		Files: []models.ContextFile{
			{ID: "f1", Metadata: map[string]interface{}{"author": "alice"}},
		},
	})
	defer srv.Close()

	s := DefaultSettings()
	s.Endpoint = srv.URL
	s.IncludeMetadata = true
	f := New(s, zap.NewNop())

	req := &models.ChatCompletionRequest{
		Model:    "m",
		Messages: []models.ChatCompletionMessage{{Role: "user", Content: "q"}},
	}
	f.Inlet(context.Background(), req)

	content := req.Messages[0].ContentText()
	assert.Contains(t, content, "[Source Metadata:")
	assert.Contains(t, content, "alice")
}

func TestInletBody_PreservesUnknownFields(t *testing.T) {
	srv := contextServer(t, models.ContextResponse{
		Chunks: []string{"fact"},
	})
	defer srv.Close()

	f := newTestFilter(srv.URL)

	body := map[string]interface{}{
		"model":        "m",
		"custom_field": "keep me",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "q"},
		},
	}
	f.InletBody(context.Background(), body)

	assert.Equal(t, "keep me", body["custom_field"])
	msg := body["messages"].([]interface{})[0].(map[string]interface{})
	assert.Contains(t, msg["content"].(string), "User Query: q")
	assert.Contains(t, msg["content"].(string), "fact")
}

func TestInletBody_NonStringContentUntouched(t *testing.T) {
	srv := contextServer(t, models.ContextResponse{Chunks: []string{"fact"}})
	defer srv.Close()

	f := newTestFilter(srv.URL)

	parts := []interface{}{
		map[string]interface{}{"type": "text", "text": "describe this"},
	}
	body := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": parts},
		},
	}
	f.InletBody(context.Background(), body)

	msg := body["messages"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, parts, msg["content"])
}

func TestCustomTemplate(t *testing.T) {
	srv := contextServer(t, models.ContextResponse{Chunks: []string{"doc"}})
	defer srv.Close()

	s := DefaultSettings()
	s.Endpoint = srv.URL
	s.ContextTemplate = "Background:\n{context}\n\nQuestion: {query}"
	f := New(s, zap.NewNop())

	req := &models.ChatCompletionRequest{
		Model:    "m",
		Messages: []models.ChatCompletionMessage{{Role: "user", Content: "why?"}},
	}
	f.Inlet(context.Background(), req)

	content := req.Messages[0].ContentText()
	assert.Contains(t, content, "Background:")
	assert.Contains(t, content, "Question: why?")

	// The same filter restores queries enhanced with its own template.
	assert.Equal(t, "why?", f.ExtractOriginalQuery(content))
}
