// Package rag implements a client for the RAG backend: file management,
// context retrieval, and retrieval-augmented chat completions.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudmodel/endpoint-tools/internal/client"
	"github.com/cloudmodel/endpoint-tools/internal/models"
	"go.uber.org/zap"
)

const defaultTimeout = 120 * time.Second

// AllowedExtensions lists the document types the backend can ingest.
var AllowedExtensions = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".md":   "text/markdown",
	".txt":  "text/plain",
}

// Client talks to one RAG backend. Unlike model endpoints the RAG API serves
// /files and /context at the root and chat under /v1.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithLogger attaches a logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a RAG client for the given base URL.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UploadOptions carries the optional form fields of POST /files.
type UploadOptions struct {
	UserID     string
	DocumentID string
	GroupIDs   []string
	Metadata   map[string]interface{}
}

// UploadFile uploads one document as multipart form data.
func (c *Client) UploadFile(ctx context.Context, path string, opts *UploadOptions) (*models.FileUploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := createFilePart(w, filepath.Base(path), ContentTypeForFile(path))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if opts != nil {
		if opts.UserID != "" {
			w.WriteField("user_id", opts.UserID)
		}
		if opts.DocumentID != "" {
			w.WriteField("document_id", opts.DocumentID)
		}
		for _, g := range opts.GroupIDs {
			w.WriteField("group_ids", g)
		}
		if len(opts.Metadata) > 0 {
			meta, err := json.Marshal(opts.Metadata)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal metadata: %w", err)
			}
			w.WriteField("metadata", string(meta))
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuth(httpReq)

	body, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	var resp models.FileUploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("upload succeeded but no document id returned")
	}

	return &resp, nil
}

// ListFiles returns all files known to the backend. Both the {"files": [...]}
// envelope and a bare array are accepted.
func (c *Client) ListFiles(ctx context.Context) ([]map[string]interface{}, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuth(httpReq)

	body, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	var envelope models.FileList
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Files != nil {
		return envelope.Files, nil
	}

	var bare []map[string]interface{}
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, fmt.Errorf("unexpected file list format: %w", err)
	}
	return bare, nil
}

// DeleteFile removes one document by id.
func (c *Client) DeleteFile(ctx context.Context, id string) (*models.FileDeleteResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/files/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuth(httpReq)

	body, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	var resp models.FileDeleteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode delete response: %w", err)
	}

	return &resp, nil
}

// Context retrieves relevant chunks for a query.
func (c *Client) Context(ctx context.Context, req *models.ContextRequest) (*models.ContextResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/context", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuth(httpReq)

	body, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	var resp models.ContextResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode context response: %w", err)
	}

	return &resp, nil
}

// ChatClient returns a chat-completion client bound to this backend's /v1
// surface, for RAG-filtered chat requests.
func (c *Client) ChatClient() *client.Client {
	return client.New(c.baseURL, c.apiKey,
		client.WithHTTPClient(c.httpClient),
		client.WithLogger(c.logger))
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	c.logger.Debug("RAG request",
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// createFilePart is CreateFormFile with an explicit content type, which the
// backend uses to pick its parser.
func createFilePart(w *multipart.Writer, filename, contentType string) (io.Writer, error) {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	h.Set("Content-Type", contentType)
	return w.CreatePart(h)
}

// ContentTypeForFile maps a document extension to its upload content type.
// Unknown extensions fall back to application/octet-stream.
func ContentTypeForFile(path string) string {
	if ct, ok := AllowedExtensions[strings.ToLower(filepath.Ext(path))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// FindDocuments returns the supported documents directly inside dir
// (non-recursive), as absolute paths.
func FindDocuments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := AllowedExtensions[strings.ToLower(filepath.Ext(entry.Name()))]; !ok {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		paths = append(paths, abs)
	}

	return paths, nil
}
