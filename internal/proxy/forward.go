package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// chatCompletions forwards a chat request to the backend configured for the
// requested model, rewriting the public model id to the backend's real model
// name and injecting the backend's API key.
func (s *Server) chatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(400, gin.H{"error": "Failed to read request body"})
		return
	}

	// The body is decoded generically so client fields this proxy does not
	// model pass through untouched.
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	modelID, _ := data["model"].(string)
	ep, ok := s.endpoint(modelID)
	if !ok {
		c.JSON(400, gin.H{
			"error": fmt.Sprintf("Model '%s' not supported. Available models: %s",
				modelID, strings.Join(s.modelIDs(), ", ")),
		})
		return
	}

	data["model"] = ep.ActualModelName
	modified, err := json.Marshal(data)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to encode request"})
		return
	}

	url := strings.TrimRight(ep.URL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, url, bytes.NewReader(modified))
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to create upstream request"})
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)

	s.logger.Info("Forwarding chat completion",
		zap.String("model_id", modelID),
		zap.String("actual_model", ep.ActualModelName),
		zap.Bool("stream", data["stream"] == true))

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.logger.Error("Upstream request failed",
			zap.String("model_id", modelID),
			zap.Error(err))
		c.JSON(502, gin.H{"error": "Upstream request failed: " + err.Error()})
		return
	}
	defer resp.Body.Close()

	if data["stream"] == true {
		s.streamResponse(c, resp.Body)
		return
	}

	s.relayResponse(c, resp)
}

// forwardRequest is the catch-all handler: any unrecognized route is
// forwarded to the backend selected by the x-model-id header, the model query
// parameter, or the model field of a JSON body, in that order.
func (s *Server) forwardRequest(c *gin.Context) {
	var body []byte
	if c.Request.Body != nil {
		body, _ = io.ReadAll(c.Request.Body)
	}

	modelID := c.GetHeader("x-model-id")
	if modelID == "" {
		modelID = c.Query("model")
	}

	var data map[string]interface{}
	if len(body) > 0 {
		// Non-JSON bodies are forwarded as-is.
		if err := json.Unmarshal(body, &data); err != nil {
			data = nil
		}
	}
	if modelID == "" && data != nil {
		modelID, _ = data["model"].(string)
	}

	ep, ok := s.endpoint(modelID)
	if !ok {
		c.JSON(400, gin.H{
			"error": fmt.Sprintf("Missing or invalid model ID. Please specify a valid model ID. Available models: %s",
				strings.Join(s.modelIDs(), ", ")),
		})
		return
	}

	// Rewrite the public model id wherever it appears.
	if data != nil {
		if id, _ := data["model"].(string); id == modelID {
			data["model"] = ep.ActualModelName
		}
		body, _ = json.Marshal(data)
	}

	query := c.Request.URL.Query()
	if query.Get("model") == modelID {
		query.Set("model", ep.ActualModelName)
	}

	url := strings.TrimRight(ep.URL, "/") + "/v1" + c.Request.URL.Path
	if encoded := query.Encode(); encoded != "" {
		url += "?" + encoded
	}

	httpReq, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, url, bytes.NewReader(body))
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to create upstream request"})
		return
	}

	// Copy headers, dropping Host so the backend sees its own and replacing
	// the caller's credentials with the backend's key.
	for name, values := range c.Request.Header {
		if strings.EqualFold(name, "Host") {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)

	s.logger.Info("Forwarding request",
		zap.String("model_id", modelID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path))

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.logger.Error("Upstream request failed",
			zap.String("model_id", modelID),
			zap.Error(err))
		c.JSON(502, gin.H{"error": "Upstream request failed: " + err.Error()})
		return
	}
	defer resp.Body.Close()

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		s.streamResponse(c, resp.Body)
		return
	}

	s.relayResponse(c, resp)
}

// relayResponse passes the backend response through with its status and
// content type intact.
func (s *Server) relayResponse(c *gin.Context, resp *http.Response) {
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(502, gin.H{"error": "Failed to read upstream response"})
		return
	}

	c.Data(resp.StatusCode, contentType, body)
}

// streamResponse forwards an SSE byte stream to the client unbuffered,
// flushing after every read so deltas arrive as the backend emits them.
func (s *Server) streamResponse(c *gin.Context, body io.Reader) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(200)

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("Stream interrupted", zap.Error(err))
			}
			return
		}
	}
}
