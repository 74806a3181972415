// Package ragfilter injects retrieved context into chat requests before they
// reach the model, and restores the original user queries so the injected
// context does not accumulate in the conversation history.
package ragfilter

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cloudmodel/endpoint-tools/internal/models"
	"github.com/cloudmodel/endpoint-tools/internal/rag"
	"go.uber.org/zap"
)

// DefaultContextTemplate wraps the retrieved context and the user query.
const DefaultContextTemplate = "Relevant Context:\n{context}\n\nUser Query: {query}"

// Settings are the filter's tunables.
type Settings struct {
	Enabled              bool          `mapstructure:"enabled"`
	Endpoint             string        `mapstructure:"endpoint"`
	APIKey               string        `mapstructure:"api_key"`
	MaxChunks            int           `mapstructure:"max_chunks"`
	Timeout              time.Duration `mapstructure:"timeout"`
	IncludeMetadata      bool          `mapstructure:"include_metadata"`
	KeepContextInHistory bool          `mapstructure:"keep_context_in_history"`
	ContextTemplate      string        `mapstructure:"context_template"`
	GroupID              string        `mapstructure:"group_id"`
	UserID               string        `mapstructure:"user_id"`
}

// DefaultSettings returns the settings the filter ships with.
func DefaultSettings() Settings {
	return Settings{
		Enabled:         true,
		Endpoint:        "http://localhost:8000",
		MaxChunks:       5,
		Timeout:         10 * time.Second,
		ContextTemplate: DefaultContextTemplate,
	}
}

// Filter rewrites chat requests with retrieved context.
type Filter struct {
	settings  Settings
	retriever *rag.Client
	logger    *zap.Logger

	restoreRe *regexp.Regexp
}

// New creates a filter. Zero-valued settings fall back to defaults.
func New(settings Settings, logger *zap.Logger) *Filter {
	if settings.ContextTemplate == "" {
		settings.ContextTemplate = DefaultContextTemplate
	}
	if settings.MaxChunks == 0 {
		settings.MaxChunks = 5
	}
	if settings.Timeout == 0 {
		settings.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Filter{
		settings: settings,
		retriever: rag.New(settings.Endpoint, settings.APIKey,
			rag.WithTimeout(settings.Timeout),
			rag.WithLogger(logger)),
		logger:    logger,
		restoreRe: templateRegexp(settings.ContextTemplate),
	}
}

// templateRegexp compiles the injection template into a pattern that matches
// enhanced content and captures the original query.
func templateRegexp(template string) *regexp.Regexp {
	pattern := regexp.QuoteMeta(template)
	pattern = strings.Replace(pattern, regexp.QuoteMeta("{context}"), `.*?`, 1)
	pattern = strings.Replace(pattern, regexp.QuoteMeta("{query}"), `(.*)`, 1)
	return regexp.MustCompile(`(?s)` + pattern)
}

// Fallback patterns for content enhanced with an older or custom template.
var fallbackQueryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?sm)User Query:\s*(.*?)$`),
	regexp.MustCompile(`(?sm)Query:\s*(.*?)$`),
	regexp.MustCompile(`(?sm)Question:\s*(.*?)$`),
}

// ExtractOriginalQuery recovers the user query from previously enhanced
// content. Content that does not look enhanced is returned unchanged.
func (f *Filter) ExtractOriginalQuery(enhanced string) string {
	if m := f.restoreRe.FindStringSubmatch(enhanced); m != nil {
		return strings.TrimSpace(m[1])
	}

	for _, re := range fallbackQueryPatterns {
		if m := re.FindStringSubmatch(enhanced); m != nil {
			return strings.TrimSpace(m[1])
		}
	}

	return enhanced
}

// FormatChunks renders retrieved chunks as numbered context blocks.
func FormatChunks(chunks []string) string {
	formatted := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		formatted = append(formatted, fmt.Sprintf("[Context %d]\n%s", i+1, chunk))
	}
	return strings.Join(formatted, "\n\n")
}

// retrieve fetches context chunks for the query, applying the configured
// group and user filters.
func (f *Filter) retrieve(ctx context.Context, query string) (*models.ContextResponse, error) {
	req := &models.ContextRequest{
		Query:     query,
		MaxChunks: f.settings.MaxChunks,
	}
	if f.settings.GroupID != "" {
		req.GroupID = f.settings.GroupID
	}
	if f.settings.UserID != "" {
		req.UserID = f.settings.UserID
	}

	return f.retriever.Context(ctx, req)
}

// enhanceQuery retrieves context for the query and renders it through the
// template. The second return reports whether anything was injected.
func (f *Filter) enhanceQuery(ctx context.Context, query string) (string, bool) {
	f.logger.Debug("Retrieving context for query",
		zap.String("query_prefix", truncate(query, 100)))

	result, err := f.retrieve(ctx, query)
	if err != nil {
		f.logger.Warn("Context retrieval failed, using original query", zap.Error(err))
		return query, false
	}
	if len(result.Chunks) == 0 {
		f.logger.Debug("No context retrieved, using original query")
		return query, false
	}

	chunks := result.Chunks
	if f.settings.IncludeMetadata && len(result.Files) > 0 {
		chunks = annotateChunks(chunks, result.Files)
	}

	enhanced := f.settings.ContextTemplate
	enhanced = strings.Replace(enhanced, "{context}", FormatChunks(chunks), 1)
	enhanced = strings.Replace(enhanced, "{query}", query, 1)

	f.logger.Info("Injected context",
		zap.Int("chunks", len(result.Chunks)),
		zap.Float64("avg_score", averageScore(result.Scores)))

	return enhanced, true
}

// Inlet rewrites the request in place: previously injected context is
// stripped from user messages unless configured to stay, and the last user
// message is enhanced with freshly retrieved context. Retrieval failures
// leave the request untouched.
func (f *Filter) Inlet(ctx context.Context, req *models.ChatCompletionRequest) {
	if !f.settings.Enabled || len(req.Messages) == 0 {
		return
	}

	if !f.settings.KeepContextInHistory {
		for i := range req.Messages {
			msg := &req.Messages[i]
			if msg.Role != "user" {
				continue
			}
			if text := msg.ContentText(); text != "" {
				msg.Content = f.ExtractOriginalQuery(text)
			}
		}
	}

	// Find the last user message.
	var last *models.ChatCompletionMessage
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = &req.Messages[i]
			break
		}
	}
	if last == nil || last.ContentText() == "" {
		return
	}

	if enhanced, ok := f.enhanceQuery(ctx, last.ContentText()); ok {
		last.Content = enhanced
	}
}

// InletBody is Inlet for an already-decoded generic request body. The proxy
// uses it so fields this module does not model survive the rewrite.
func (f *Filter) InletBody(ctx context.Context, body map[string]interface{}) {
	if !f.settings.Enabled {
		return
	}

	msgs, ok := body["messages"].([]interface{})
	if !ok || len(msgs) == 0 {
		return
	}

	if !f.settings.KeepContextInHistory {
		for _, m := range msgs {
			msg, ok := m.(map[string]interface{})
			if !ok || msg["role"] != "user" {
				continue
			}
			if text, ok := msg["content"].(string); ok && text != "" {
				msg["content"] = f.ExtractOriginalQuery(text)
			}
		}
	}

	var last map[string]interface{}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msg, ok := msgs[i].(map[string]interface{}); ok && msg["role"] == "user" {
			last = msg
			break
		}
	}
	if last == nil {
		return
	}
	query, ok := last["content"].(string)
	if !ok || query == "" {
		return
	}

	if enhanced, ok := f.enhanceQuery(ctx, query); ok {
		last["content"] = enhanced
	}
}

// Outlet post-processes the response. It is a passthrough today; the hook is
// kept so response-side rewriting slots in without touching callers.
func (f *Filter) Outlet(ctx context.Context, resp *models.ChatCompletionResponse) {
}

// annotateChunks appends the source file metadata to each chunk that has it.
func annotateChunks(chunks []string, files []models.ContextFile) []string {
	annotated := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if i < len(files) && len(files[i].Metadata) > 0 {
			meta, err := json.MarshalIndent(files[i].Metadata, "", "  ")
			if err == nil {
				annotated = append(annotated, fmt.Sprintf("%s\n\n[Source Metadata: %s]", chunk, meta))
				continue
			}
		}
		annotated = append(annotated, chunk)
	}
	return annotated
}

func averageScore(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
