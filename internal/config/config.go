package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Endpoint EndpointConfig `mapstructure:"endpoint"`
	RAG      RAGConfig      `mapstructure:"rag"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Filter   FilterConfig   `mapstructure:"filter"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// EndpointConfig points at the model endpoint the CLI talks to.
type EndpointConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RAGConfig points at the RAG backend.
type RAGConfig struct {
	URL       string        `mapstructure:"url"`
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	MaxChunks int           `mapstructure:"max_chunks"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ProxyConfig configures the multi-endpoint proxy.
type ProxyConfig struct {
	EndpointsFile string `mapstructure:"endpoints_file"`
}

// FilterConfig configures the RAG context filter in front of the proxy.
type FilterConfig struct {
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

type SecurityConfig struct {
	EnableCORS     bool     `mapstructure:"enable_cors"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	Output        string `mapstructure:"output"`
	ConsoleOutput bool   `mapstructure:"console_output"`
	MaxSize       int    `mapstructure:"max_size"`
	MaxBackups    int    `mapstructure:"max_backups"`
	MaxAge        int    `mapstructure:"max_age"`
	Compress      bool   `mapstructure:"compress"`
}

// Load loads the configuration from file and environment
func Load() (*Config, error) {
	var cfg Config

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3333
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	// Streamed completions can run for minutes; the write timeout has to
	// outlast the slowest backend.
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Minute
	}

	if cfg.Endpoint.Timeout == 0 {
		cfg.Endpoint.Timeout = 120 * time.Second
	}

	if cfg.RAG.Model == "" {
		cfg.RAG.Model = "cm-llm"
	}
	if cfg.RAG.MaxChunks == 0 {
		cfg.RAG.MaxChunks = 4
	}
	if cfg.RAG.Timeout == 0 {
		cfg.RAG.Timeout = 120 * time.Second
	}

	if cfg.Proxy.EndpointsFile == "" {
		cfg.Proxy.EndpointsFile = "config.json"
	}

	if cfg.Filter.MaxChunks == 0 {
		cfg.Filter.MaxChunks = 5
	}
	if cfg.Filter.Timeout == 0 {
		cfg.Filter.Timeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "logs/cmtool.log"
	}
	// Console output enabled by default
	cfg.Logging.ConsoleOutput = true
	if cfg.Logging.MaxSize == 0 {
		cfg.Logging.MaxSize = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 10
	}
	if cfg.Logging.MaxAge == 0 {
		cfg.Logging.MaxAge = 30
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	return nil
}
