// Package proxy implements the multi-endpoint reverse proxy that presents
// several OpenAI-compatible backends behind one surface, keyed by model id.
package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/cloudmodel/endpoint-tools/internal/config"
	"github.com/cloudmodel/endpoint-tools/internal/logger"
	"github.com/cloudmodel/endpoint-tools/internal/models"
	"github.com/cloudmodel/endpoint-tools/internal/ragfilter"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// modelCreated is the fixed creation timestamp reported for every synthesized
// model entry, as chat UIs expect the field but none of the backends track it.
const modelCreated = 1677610602

// Server represents the proxy server
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	router *gin.Engine

	mu            sync.RWMutex
	endpoints     map[string]models.Endpoint
	endpointsFile string

	httpClient *http.Client
}

// New creates a new server instance
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	gin.SetMode(cfg.Server.Mode)

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		router:        gin.New(),
		endpoints:     map[string]models.Endpoint{},
		endpointsFile: cfg.Proxy.EndpointsFile,
		// No per-request timeout: streamed completions stay open as long as
		// the backend keeps sending.
		httpClient: &http.Client{},
	}

	if err := s.loadEndpoints(s.endpointsFile); err != nil {
		return nil, err
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// Router returns the gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

// loadEndpoints reads the endpoint configuration file and swaps it in.
func (s *Server) loadEndpoints(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read endpoints file %s: %w", path, err)
	}

	var file models.EndpointsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("endpoints file %s contains invalid JSON: %w", path, err)
	}
	if len(file.Endpoints) == 0 {
		return fmt.Errorf("no endpoints found in %s", path)
	}

	s.mu.Lock()
	s.endpoints = file.Endpoints
	s.endpointsFile = path
	s.mu.Unlock()

	for id, ep := range file.Endpoints {
		s.logger.Info("Loaded endpoint",
			zap.String("model_id", id),
			zap.String("display_name", ep.DisplayName),
			zap.String("url", ep.URL))
	}

	return nil
}

// endpoint returns the configured endpoint for a public model id.
func (s *Server) endpoint(modelID string) (models.Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[modelID]
	return ep, ok
}

// modelIDs returns the configured public model ids, sorted.
func (s *Server) modelIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.endpoints))
	for id := range s.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) setupRoutes() {
	s.router.GET("/", func(c *gin.Context) {
		c.String(200, "ok")
	})

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/models", s.listModels)
	s.router.GET("/v1/models", s.listModels)
	s.router.GET("/debug", s.debugInfo)
	s.router.GET("/logs", s.getLogs)
	s.router.POST("/reload", s.reloadEndpoints)

	chat := s.router.Group("/")
	if s.cfg.Filter.Enabled {
		filter := ragfilter.New(ragfilter.Settings{
			Enabled:              true,
			Endpoint:             s.cfg.Filter.Endpoint,
			APIKey:               s.cfg.Filter.APIKey,
			MaxChunks:            s.cfg.Filter.MaxChunks,
			Timeout:              s.cfg.Filter.Timeout,
			IncludeMetadata:      s.cfg.Filter.IncludeMetadata,
			KeepContextInHistory: s.cfg.Filter.KeepContextInHistory,
			ContextTemplate:      s.cfg.Filter.ContextTemplate,
			GroupID:              s.cfg.Filter.GroupID,
			UserID:               s.cfg.Filter.UserID,
		}, s.logger)
		chat.Use(filter.Middleware())
	}
	chat.POST("/chat/completions", s.chatCompletions)
	chat.POST("/v1/chat/completions", s.chatCompletions)

	// Everything else is forwarded generically.
	s.router.NoRoute(s.forwardRequest)
}

func (s *Server) healthCheck(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	modelSummaries := make([]gin.H, 0, len(s.endpoints))
	for id, ep := range s.endpoints {
		modelSummaries = append(modelSummaries, gin.H{
			"id":          id,
			"displayName": ep.DisplayName,
		})
	}

	c.JSON(200, gin.H{
		"status":    "ok",
		"endpoints": len(s.endpoints),
		"models":    modelSummaries,
	})
}

// listModels synthesizes an OpenAI model list from the endpoint config.
func (s *Server) listModels(c *gin.Context) {
	list := models.ModelList{Object: "list", Data: []models.Model{}}

	s.mu.RLock()
	for id, ep := range s.endpoints {
		ownedBy := ep.DisplayName
		if ownedBy == "" {
			ownedBy = id
		}
		list.Data = append(list.Data, models.Model{
			ID:      id,
			Object:  "model",
			Created: modelCreated,
			OwnedBy: ownedBy,
			Permission: []models.ModelPermission{{
				ID:            "modelperm",
				Object:        "model_permission",
				Created:       modelCreated,
				AllowSampling: true,
				AllowLogprobs: true,
				AllowView:     true,
				Organization:  "*",
			}},
		})
	}
	s.mu.RUnlock()

	sort.Slice(list.Data, func(i, j int) bool { return list.Data[i].ID < list.Data[j].ID })

	c.JSON(200, list)
}

// debugInfo shows the endpoint configuration with masked API keys.
func (s *Server) debugInfo(c *gin.Context) {
	s.mu.RLock()
	safe := make(map[string]gin.H, len(s.endpoints))
	for id, ep := range s.endpoints {
		safe[id] = gin.H{
			"displayName":     ep.DisplayName,
			"url":             ep.URL,
			"apiKey":          maskAPIKey(ep.APIKey),
			"actualModelName": ep.ActualModelName,
		}
	}
	file := s.endpointsFile
	s.mu.RUnlock()

	c.JSON(200, gin.H{
		"endpoints":   safe,
		"config_file": file,
	})
}

func (s *Server) getLogs(c *gin.Context) {
	n, _ := strconv.Atoi(c.DefaultQuery("n", "100"))
	c.JSON(200, gin.H{"logs": logger.GlobalBuffer.GetRecent(n)})
}

// reloadEndpoints re-reads the endpoint config file, optionally from a new
// path given as ?config=.
func (s *Server) reloadEndpoints(c *gin.Context) {
	s.mu.RLock()
	path := s.endpointsFile
	s.mu.RUnlock()
	if p := c.Query("config"); p != "" {
		path = p
	}

	if err := s.loadEndpoints(path); err != nil {
		s.logger.Error("Failed to reload endpoints", zap.Error(err))
		c.JSON(500, gin.H{
			"status":  "error",
			"message": fmt.Sprintf("Failed to reload configuration from %s", path),
		})
		return
	}

	ids := s.modelIDs()
	c.JSON(200, gin.H{
		"status":    "ok",
		"message":   fmt.Sprintf("Configuration reloaded from %s", path),
		"endpoints": len(ids),
		"models":    ids,
	})
}

// maskAPIKey returns a masked version of the API key for display
func maskAPIKey(key string) string {
	if len(key) <= 10 {
		return "***"
	}
	return key[:5] + "..." + key[len(key)-5:]
}

// Addr returns the listen address from the config.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
}
