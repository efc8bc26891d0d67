// Package config loads the daemon configuration from a YAML file with
// environment overrides for secrets.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/taskmesh/core"
)

// Config is the daemon's full configuration tree.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Worker    WorkerConfig    `yaml:"worker"`
	Providers ProvidersConfig `yaml:"providers"`
	Secrets   []SecretConfig  `yaml:"secrets"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	AllowAnyOrigin bool   `yaml:"allow_any_origin"`
}

// DatabaseConfig selects the persistence backend. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ReconcileConfig tunes the desired-state loop.
type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
	PageSize int           `yaml:"page_size"`
}

// WorkerConfig tunes the scheduling layer.
type WorkerConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ProvidersConfig carries inference provider credentials. Empty values fall
// back to the conventional environment variables.
type ProvidersConfig struct {
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
}

// SecretConfig is one statically configured channel credential.
type SecretConfig struct {
	ID    string            `yaml:"id"`
	Token string            `yaml:"token"`
	Extra map[string]string `yaml:"extra"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server:    ServerConfig{Addr: ":8080"},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Reconcile: ReconcileConfig{Interval: 30 * time.Second, PageSize: 100},
		Worker:    WorkerConfig{FlushInterval: 5 * time.Second},
	}
}

// Load reads a YAML file on top of the defaults. An empty path returns the
// defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		cfg.applyEnv()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()

	if cfg.Reconcile.Interval <= 0 {
		cfg.Reconcile.Interval = 30 * time.Second
	}
	if cfg.Reconcile.PageSize <= 0 {
		cfg.Reconcile.PageSize = 100
	}
	if cfg.Worker.FlushInterval <= 0 {
		cfg.Worker.FlushInterval = 5 * time.Second
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Database.URL == "" {
		c.Database.URL = os.Getenv("TASKMESH_DATABASE_URL")
	}
	if c.Providers.OpenAIAPIKey == "" {
		c.Providers.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Providers.AnthropicAPIKey == "" {
		c.Providers.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
}

// StaticCredentials is a core.CredentialStore over the configured secrets.
type StaticCredentials struct {
	secrets map[string]core.Secret
}

var _ core.CredentialStore = (*StaticCredentials)(nil)

// NewStaticCredentials indexes the configured secrets by id.
func NewStaticCredentials(secrets []SecretConfig) *StaticCredentials {
	idx := make(map[string]core.Secret, len(secrets))
	for _, s := range secrets {
		idx[s.ID] = core.Secret{ID: s.ID, Token: s.Token, Extra: s.Extra}
	}
	return &StaticCredentials{secrets: idx}
}

// GetSecret implements core.CredentialStore.
func (s *StaticCredentials) GetSecret(_ context.Context, id string) (core.Secret, error) {
	secret, ok := s.secrets[id]
	if !ok {
		return core.Secret{}, fmt.Errorf("secret %s: %w", id, core.ErrNotFound)
	}
	return secret, nil
}
