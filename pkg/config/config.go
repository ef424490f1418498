package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig                 `yaml:"app"`
	Server     ServerConfig              `yaml:"server"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Cache      CacheConfig               `yaml:"cache"`
	Executor   ExecutorConfig            `yaml:"executor"`
	Session    SessionConfig             `yaml:"session"`
	Memory     MemoryConfig              `yaml:"memory"`
	Gateways   map[string]GatewayConfig  `yaml:"gateways"`
	Automation AutomationConfig          `yaml:"automation"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	DataDir string `yaml:"data_dir"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url,omitempty"`
	Enabled bool   `yaml:"enabled"`
}

type CacheConfig struct {
	Capacity            int     `yaml:"capacity"`
	TTLHours            int     `yaml:"ttl_hours"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

type ExecutorConfig struct {
	MaxAttempts         int   `yaml:"max_attempts"`
	BackoffSeconds      []int `yaml:"backoff_seconds"`
	VerifyBudgetSeconds int   `yaml:"verify_budget_seconds"`
}

type SessionConfig struct {
	BudgetSeconds int `yaml:"budget_seconds"`
	QueueDepth    int `yaml:"queue_depth"`
}

type MemoryConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

type GatewayConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

type AutomationConfig struct {
	Headless bool              `yaml:"headless"`
	AppURLs  map[string]string `yaml:"app_urls"`
}

// LoadConfig reads and validates the YAML config file. Optional fields get
// defaults; unknown keys are ignored.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %v", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "aegis"
	}
	if c.App.DataDir == "" {
		c.App.DataDir = "./data"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 100
	}
	if c.Cache.TTLHours == 0 {
		c.Cache.TTLHours = 24
	}
	if c.Cache.SimilarityThreshold == 0 {
		c.Cache.SimilarityThreshold = 0.95
	}
	if c.Executor.MaxAttempts == 0 {
		c.Executor.MaxAttempts = 3
	}
	if len(c.Executor.BackoffSeconds) == 0 {
		c.Executor.BackoffSeconds = []int{1, 2, 4}
	}
	if c.Executor.VerifyBudgetSeconds == 0 {
		c.Executor.VerifyBudgetSeconds = 5
	}
	if c.Session.BudgetSeconds == 0 {
		c.Session.BudgetSeconds = 10
	}
	if c.Session.QueueDepth == 0 {
		c.Session.QueueDepth = 10
	}
	if c.Memory.Type == "" {
		c.Memory.Type = "sqlite"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = "./data/history.db"
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache.similarity_threshold must be in [0,1], got %v", c.Cache.SimilarityThreshold)
	}
	if c.Session.QueueDepth < 1 {
		return fmt.Errorf("session.queue_depth must be positive, got %d", c.Session.QueueDepth)
	}
	if c.Executor.MaxAttempts < 1 {
		return fmt.Errorf("executor.max_attempts must be positive, got %d", c.Executor.MaxAttempts)
	}
	return nil
}

// GetDefaultProvider returns the first enabled provider
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	for name, p := range c.Providers {
		if p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetTelegramConfig returns telegram config if enabled
func (c *Config) GetTelegramConfig() (GatewayConfig, bool) {
	tg, ok := c.Gateways["telegram"]
	if ok && tg.Enabled && tg.Token != "" {
		return tg, true
	}
	return GatewayConfig{}, false
}
