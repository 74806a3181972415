package ragfilter

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Middleware applies InletBody to chat completion bodies passing through a
// gin route. Bodies that do not decode as JSON objects with messages pass
// through unchanged.
func (f *Filter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !f.settings.Enabled || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Next()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		var decoded map[string]interface{}
		if err := json.Unmarshal(body, &decoded); err != nil || decoded["messages"] == nil {
			c.Next()
			return
		}

		f.InletBody(c.Request.Context(), decoded)

		rewritten, err := json.Marshal(decoded)
		if err != nil {
			f.logger.Warn("Failed to re-encode filtered request", zap.Error(err))
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
			c.Next()
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(rewritten))
		c.Request.ContentLength = int64(len(rewritten))
		c.Request.Header.Set("Content-Length", strconv.Itoa(len(rewritten)))
		c.Next()
	}
}
