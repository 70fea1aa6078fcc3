package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Agent       AgentConfig               `json:"agent"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// DatabaseConfig describes a history-store connection (sqlite3 or mysql).
type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Disabled bool   `json:"disabled"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	// DataDirs are searched (non-recursively) for project database files.
	DataDirs        []string `json:"data_dirs"`
	DefaultDatabase string   `json:"default_database"`
}

// AgentConfig tunes the conversational engine.
type AgentConfig struct {
	Provider           string `json:"provider"`
	Model              string `json:"model"`
	SystemPrompt       string `json:"system_prompt"`
	MaxIterations      int    `json:"max_iterations"`
	MaxHistoryMessages int    `json:"max_history_messages"`
	CallTimeoutSeconds int    `json:"call_timeout_seconds"`
	QueryRowLimit      int    `json:"query_row_limit"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.BasicConfig.DataDirs) == 0 {
		cfg.BasicConfig.DataDirs = []string{filepath.Dir(absPath)}
	}
	for i, dir := range cfg.BasicConfig.DataDirs {
		if !filepath.IsAbs(dir) {
			cfg.BasicConfig.DataDirs[i] = filepath.Join(filepath.Dir(absPath), dir)
		}
	}
	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "openai"
	}
	if cfg.Agent.MaxIterations <= 0 {
		cfg.Agent.MaxIterations = 8
	}
	if cfg.Agent.MaxHistoryMessages <= 0 {
		cfg.Agent.MaxHistoryMessages = 20
	}
	if cfg.Agent.CallTimeoutSeconds <= 0 {
		cfg.Agent.CallTimeoutSeconds = 60
	}
	if cfg.Agent.QueryRowLimit <= 0 {
		cfg.Agent.QueryRowLimit = 1000
	}
	if _, ok := cfg.Providers[cfg.Agent.Provider]; !ok {
		return nil, fmt.Errorf("agent provider %q not configured", cfg.Agent.Provider)
	}

	return &cfg, nil
}
