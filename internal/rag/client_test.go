package rag

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudmodel/endpoint-tools/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer rag-key", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "user-1", r.FormValue("user_id"))
		assert.Equal(t, "doc-1", r.FormValue("document_id"))
		assert.Equal(t, []string{"g1", "g2"}, r.MultipartForm.Value["group_ids"])

		var meta map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("metadata")), &meta))
		assert.Equal(t, "alice", meta["author"])

		f, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "doc.txt", header.Filename)
		assert.Equal(t, "text/plain", header.Header.Get("Content-Type"))
		content, _ := io.ReadAll(f)
		assert.Equal(t, "hello world", string(content))

		json.NewEncoder(w).Encode(models.FileUploadResponse{ID: "file-123"})
	}))
	defer srv.Close()

	c := New(srv.URL, "rag-key")
	resp, err := c.UploadFile(context.Background(), path, &UploadOptions{
		UserID:     "user-1",
		DocumentID: "doc-1",
		GroupIDs:   []string{"g1", "g2"},
		Metadata:   map[string]interface{}{"author": "alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, "file-123", resp.ID)
}

func TestUploadFile_NoID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	require.NoError(t, os.WriteFile(path, []byte("# doc"), 0644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "accepted"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	_, err := c.UploadFile(context.Background(), path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no document id")
}

func TestListFiles_Envelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files", r.URL.Path)
		w.Write([]byte(`{"files": [{"id": "f1"}, {"id": "f2"}]}`))
	}))
	defer srv.Close()

	files, err := New(srv.URL, "key").ListFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "f1", files[0]["id"])
}

func TestListFiles_BareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id": "f1"}]`))
	}))
	defer srv.Close()

	files, err := New(srv.URL, "key").ListFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "f1", files[0]["id"])
}

func TestDeleteFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/file-123", r.URL.Path)
		assert.Equal(t, http.MethodDelete, r.Method)
		json.NewEncoder(w).Encode(models.FileDeleteResponse{Success: true, Message: "deleted"})
	}))
	defer srv.Close()

	resp, err := New(srv.URL, "key").DeleteFile(context.Background(), "file-123")
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/context", r.URL.Path)

		var req models.ContextRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "what is X", req.Query)
		assert.Equal(t, 3, req.MaxChunks)
		assert.Equal(t, []string{"f1"}, req.FilterIDs)
		assert.Equal(t, "grp", req.GroupID)
		require.Len(t, req.MetadataFilters, 1)
		assert.Equal(t, "author", req.MetadataFilters[0].Field)

		json.NewEncoder(w).Encode(models.ContextResponse{
			Chunks: []string{"chunk one", "chunk two"},
			Scores: []float64{0.9, 0.7},
		})
	}))
	defer srv.Close()

	resp, err := New(srv.URL, "key").Context(context.Background(), &models.ContextRequest{
		Query:     "what is X",
		MaxChunks: 3,
		FilterIDs: []string{"f1"},
		GroupID:   "grp",
		MetadataFilters: []models.MetadataFilter{
			{Field: "author", Operator: "eq", Value: "alice"},
		},
	})
	require.NoError(t, err)
	assert.Len(t, resp.Chunks, 2)
	assert.Equal(t, 0.9, resp.Scores[0])
}

func TestContentTypeForFile(t *testing.T) {
	assert.Equal(t, "application/pdf", ContentTypeForFile("a.pdf"))
	assert.Equal(t, "text/markdown", ContentTypeForFile("a.md"))
	assert.Equal(t, "text/plain", ContentTypeForFile("a.TXT"))
	assert.Equal(t, "application/octet-stream", ContentTypeForFile("a.exe"))
}

func TestFindDocuments(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.pdf", "b.txt", "c.exe", "d.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "e.txt"), []byte("x"), 0644))

	paths, err := FindDocuments(dir)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	for _, p := range paths {
		assert.True(t, filepath.IsAbs(p))
		assert.NotContains(t, p, "sub")
	}
}
