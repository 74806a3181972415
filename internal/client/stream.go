package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cloudmodel/endpoint-tools/internal/models"
	"go.uber.org/zap"
)

// ChunkHandler receives each parsed stream chunk. Returning an error stops
// the stream.
type ChunkHandler func(chunk *models.ChatCompletionChunk) error

// Stream sends a streaming chat completion request and invokes fn for every
// server-sent event until [DONE]. It returns usage statistics when the final
// chunk carries them, nil otherwise.
func (c *Client) Stream(ctx context.Context, req *models.ChatCompletionRequest, fn ChunkHandler) (*models.Usage, error) {
	req.Stream = true

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, apiError(resp.StatusCode, body)
	}

	var usage *models.Usage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		dataStr := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if dataStr == "[DONE]" {
			break
		}

		var chunk models.ChatCompletionChunk
		if err := json.Unmarshal([]byte(dataStr), &chunk); err != nil {
			// Malformed chunks are skipped, not fatal.
			c.logger.Debug("Skipping unparseable stream chunk", zap.Error(err))
			continue
		}

		if chunk.Usage != nil {
			usage = chunk.Usage
		}

		if err := fn(&chunk); err != nil {
			return usage, err
		}
	}
	if err := scanner.Err(); err != nil {
		return usage, fmt.Errorf("stream read failed: %w", err)
	}

	return usage, nil
}

// StreamText is a convenience wrapper around Stream that forwards only text
// deltas and returns the accumulated response.
func (c *Client) StreamText(ctx context.Context, req *models.ChatCompletionRequest, fn func(delta string)) (string, *models.Usage, error) {
	var full strings.Builder

	usage, err := c.Stream(ctx, req, func(chunk *models.ChatCompletionChunk) error {
		if len(chunk.Choices) == 0 {
			return nil
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			full.WriteString(content)
			if fn != nil {
				fn(content)
			}
		}
		return nil
	})

	return full.String(), usage, err
}
