// Package config loads gateway configuration from the environment, with
// optional .env support for local development.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	OpenAI   OpenAIConfig
	Gemini   GeminiConfig
	Cache    CacheConfig
	Redactor RedactorConfig
	Obs      ObsConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port     int    `env:"ARBITER_PORT" envDefault:"8080"`
	APIToken string `env:"ARBITER_API_TOKEN"`
	DataDir  string `env:"ARBITER_DATA_DIR"`
}

type OpenAIConfig struct {
	APIKey         string        `env:"ARBITER_OPENAI_API_KEY"`
	PrimaryModel   string        `env:"ARBITER_OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	FallbackModels []string      `env:"ARBITER_OPENAI_FALLBACK_MODELS" envDefault:"gpt-3.5-turbo"`
	EmbedModel     string        `env:"ARBITER_OPENAI_EMBED_MODEL" envDefault:"text-embedding-3-small"`
	Timeout        time.Duration `env:"ARBITER_OPENAI_TIMEOUT" envDefault:"15s"`
}

type GeminiConfig struct {
	APIKey string `env:"ARBITER_GEMINI_API_KEY"`
	Model  string `env:"ARBITER_GEMINI_MODEL" envDefault:"gemini-1.5-flash"`
}

type CacheConfig struct {
	TTL                 time.Duration `env:"ARBITER_CACHE_TTL" envDefault:"1h"`
	SimilarityThreshold float32       `env:"ARBITER_CACHE_SIMILARITY_THRESHOLD" envDefault:"0.90"`
	SemanticEnabled     bool          `env:"ARBITER_CACHE_SEMANTIC" envDefault:"true"`
}

type RedactorConfig struct {
	URL     string        `env:"ARBITER_REDACTOR_URL"`
	Timeout time.Duration `env:"ARBITER_REDACTOR_TIMEOUT" envDefault:"5s"`
}

type ObsConfig struct {
	OTELEndpoint string `env:"ARBITER_OTEL_ENDPOINT"`
	FallbackLog  string `env:"ARBITER_FALLBACK_LOG"`
}

type LogConfig struct {
	Level string `env:"ARBITER_LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first; a missing file is not an error.
// ARBITER_OPENAI_API_KEY is required: the chain needs at least one
// provider and the verifier and embedder both ride on OpenAI.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	if cfg.OpenAI.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: set ARBITER_OPENAI_API_KEY")
	}
	if cfg.Cache.SimilarityThreshold <= 0 || cfg.Cache.SimilarityThreshold > 1 {
		return Config{}, fmt.Errorf("ARBITER_CACHE_SIMILARITY_THRESHOLD must be in (0, 1], got %v", cfg.Cache.SimilarityThreshold)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("ARBITER_PORT must be a valid port, got %d", cfg.Server.Port)
	}

	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = defaultDataDir()
	}
	if cfg.Obs.FallbackLog == "" {
		cfg.Obs.FallbackLog = filepath.Join(cfg.Server.DataDir, "interactions-fallback.jsonl")
	}
	return cfg, nil
}

// defaultDataDir follows XDG: $XDG_DATA_HOME/arbiter, falling back to
// ~/.local/share/arbiter.
func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "arbiter")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "arbiter-data"
	}
	return filepath.Join(home, ".local", "share", "arbiter")
}
