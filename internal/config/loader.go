package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	// Use Overload so .env values override existing OS environment variables.
	// This lets repository-local configuration deterministically control
	// runtime behavior in development unless explicitly changed.
	_ = godotenv.Overload()

	cfg := Config{}
	cfg.Database.URL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.Database.StoreBatchSize = 15

	cfg.Embedding.APIKey = strings.TrimSpace(os.Getenv("EMBED_API_KEY"))
	cfg.Embedding.BaseURL = strings.TrimSpace(os.Getenv("EMBED_BASE_URL"))
	cfg.Embedding.Model = strings.TrimSpace(os.Getenv("EMBED_MODEL"))
	if v := strings.TrimSpace(os.Getenv("EMBED_DIMENSIONS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Embedding.Dimensions = n
		}
	}
	cfg.NCBIAPIKey = strings.TrimSpace(os.Getenv("NCBI_API_KEY"))
	cfg.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))

	applyDefaults(&cfg)
	return cfg, nil
}

// LoadFile loads Config from env first, then overlays a YAML file.
func LoadFile(path string) (Config, error) {
	cfg, err := Load()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "https://api.openai.com"
	}
	if cfg.Embedding.Path == "" {
		cfg.Embedding.Path = "/v1/embeddings"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Dimensions <= 0 {
		cfg.Embedding.Dimensions = 1536
	}
	if cfg.Embedding.BatchSize <= 0 {
		cfg.Embedding.BatchSize = 200
	}
	if cfg.Embedding.MaxParallel <= 0 {
		cfg.Embedding.MaxParallel = 6
	}
	if cfg.Embedding.Timeout <= 0 {
		cfg.Embedding.Timeout = 60
	}
	if cfg.Database.StoreBatchSize <= 0 {
		cfg.Database.StoreBatchSize = 15
	}
}

// Validate checks that the required settings for a storing run are present.
// Dry runs only need the NCBI surface, so callers gate this themselves.
func (c Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Embedding.APIKey == "" {
		missing = append(missing, "EMBED_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Fingerprint renders a secret as first4…last4 for diagnostics without
// disclosing the value. Short values collapse to asterisks.
func Fingerprint(secret string) string {
	if secret == "" {
		return "(unset)"
	}
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + "…" + secret[len(secret)-4:]
}
