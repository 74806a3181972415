package cmd

import (
	"fmt"

	"github.com/cloudmodel/endpoint-tools/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Version   string
	BuildTime string
	cfgFile   string
)

var rootCmd = &cobra.Command{
	Use:   "cmtool",
	Short: "Client toolkit and proxy for OpenAI-compatible model endpoints",
	Long: `cmtool is a collection of clients for OpenAI-compatible model endpoints:
chat completions (plain, streaming, guided JSON, multimodal), model listing,
a RAG backend client (files, context retrieval, filtered chat), and a
multi-endpoint proxy for chat UIs.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.cmtool")
	}

	// Well-known environment variable names, so existing .env setups
	// keep working.
	viper.BindEnv("endpoint.base_url", "BASE_URL")
	viper.BindEnv("endpoint.api_key", "API_KEY")
	viper.BindEnv("endpoint.model", "MODEL_NAME")
	viper.BindEnv("rag.url", "RAG_API_URL")
	viper.BindEnv("rag.api_key", "RAG_API_KEY")
	viper.BindEnv("rag.model", "RAG_MODEL")
	viper.BindEnv("proxy.endpoints_file", "CM_OPEN_WEBUI_PROXY_CONFIG_FILE")
	viper.BindEnv("server.port", "CM_OPEN_WEBUI_PROXY_PORT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig loads the merged file/env/flag configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// requireEndpoint fails when the model endpoint is not configured.
func requireEndpoint(cfg *config.Config) error {
	if cfg.Endpoint.BaseURL == "" || cfg.Endpoint.APIKey == "" {
		return fmt.Errorf("BASE_URL and API_KEY must be set (environment or config file)")
	}
	return nil
}

// requireRAG fails when the RAG backend is not configured.
func requireRAG(cfg *config.Config) error {
	if cfg.RAG.URL == "" {
		return fmt.Errorf("RAG_API_URL not set (environment or config file)")
	}
	return nil
}
