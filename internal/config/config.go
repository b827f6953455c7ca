// Package config loads and validates the astmcp workspace configuration.
//
// The configuration lives at <workspace>/config.yaml and is versioned.
// High-traffic knobs can be overridden via ASTMCP_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	qerrors "github.com/astmcp/astmcp/internal/errors"
)

// CurrentVersion is the current configuration schema version.
const CurrentVersion = 1

// Config represents the complete astmcp configuration.
type Config struct {
	Version    int              `yaml:"version"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Index      IndexConfig      `yaml:"index"`
	Query      QueryConfig      `yaml:"query"`
	Cache      CacheConfig      `yaml:"cache"`
	Reload     ReloadConfig     `yaml:"reload"`
	Server     ServerConfig     `yaml:"server"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider selects the embedding backend: "static" (default) or "http".
	Provider string `yaml:"provider"`
	// Model is the model reference passed to the provider.
	Model string `yaml:"model"`
	// Endpoint is the HTTP endpoint for the "http" provider.
	Endpoint string `yaml:"endpoint"`
	// BatchSize bounds texts per embed_batch call.
	BatchSize int `yaml:"batch_size"`
	// CacheDir is where model artifacts are cached.
	CacheDir string `yaml:"cache_dir"`
}

// IndexConfig configures the HNSW vector index.
type IndexConfig struct {
	// M is the HNSW graph degree.
	M int `yaml:"m"`
	// EfConstruction is the build-time candidate-list width.
	EfConstruction int `yaml:"ef_construction"`
	// EfSearch is the default query-time candidate-list width.
	// A single default; per-request search_ef overrides it.
	EfSearch int `yaml:"ef_search"`
	// MaxElements caps the index size.
	MaxElements int `yaml:"max_elements"`
}

// QueryConfig configures the query processor.
type QueryConfig struct {
	// DefaultMaxResults is used when a request omits max_results.
	DefaultMaxResults int `yaml:"default_max_results"`
	// MinScore is the default score threshold.
	MinScore float64 `yaml:"min_score"`
	// Deadline bounds a single query end to end.
	Deadline time.Duration `yaml:"deadline"`
}

// CacheConfig configures the two cache tiers.
type CacheConfig struct {
	// QueryCapacity is the max entries in the query-response cache.
	QueryCapacity int `yaml:"query_capacity"`
	// QueryTTL expires query-response entries.
	QueryTTL time.Duration `yaml:"query_ttl"`
	// EmbeddingCapacity is the max entries in the embedding cache.
	EmbeddingCapacity int `yaml:"embedding_capacity"`
	// EmbeddingTTL expires embedding entries.
	EmbeddingTTL time.Duration `yaml:"embedding_ttl"`
}

// ReloadConfig configures the hot-reload coordinator.
type ReloadConfig struct {
	// Debounce is the window that coalesces file events before a reload.
	Debounce time.Duration `yaml:"debounce"`
}

// ServerConfig configures the MCP front-end.
type ServerConfig struct {
	// MaxInFlight bounds concurrent requests.
	MaxInFlight int `yaml:"max_in_flight"`
	// Overflow selects behaviour beyond the bound: "queue" or "reject".
	Overflow string `yaml:"overflow"`
	// QueueWait bounds how long a queued request waits for a slot.
	QueueWait time.Duration `yaml:"queue_wait"`
	// LogLevel is the minimum log level.
	LogLevel string `yaml:"log_level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Embeddings: EmbeddingsConfig{
			Provider:  "static",
			Model:     "static",
			BatchSize: 32,
		},
		Index: IndexConfig{
			M:              16,
			EfConstruction: 128,
			EfSearch:       64,
			MaxElements:    1_000_000,
		},
		Query: QueryConfig{
			DefaultMaxResults: 20,
			MinScore:          0.3,
			Deadline:          30 * time.Second,
		},
		Cache: CacheConfig{
			QueryCapacity:     512,
			QueryTTL:          5 * time.Minute,
			EmbeddingCapacity: 2048,
			EmbeddingTTL:      time.Hour,
		},
		Reload: ReloadConfig{
			Debounce: 500 * time.Millisecond,
		},
		Server: ServerConfig{
			MaxInFlight: 16,
			Overflow:    "queue",
			QueueWait:   5 * time.Second,
			LogLevel:    "info",
		},
	}
}

// Load reads the configuration file at path, applies defaults for zero
// values, env overrides, and validates. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, qerrors.Newf(qerrors.ErrCodeConfigInvalid, err, "read config %s", path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, qerrors.Newf(qerrors.ErrCodeConfigInvalid, err, "parse config %s", path)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyDefaults fills zero values after unmarshal.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Version == 0 {
		c.Version = d.Version
	}
	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = d.Embeddings.Provider
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = d.Embeddings.Model
	}
	if c.Embeddings.BatchSize <= 0 {
		c.Embeddings.BatchSize = d.Embeddings.BatchSize
	}
	if c.Index.M <= 0 {
		c.Index.M = d.Index.M
	}
	if c.Index.EfConstruction <= 0 {
		c.Index.EfConstruction = d.Index.EfConstruction
	}
	if c.Index.EfSearch <= 0 {
		c.Index.EfSearch = d.Index.EfSearch
	}
	if c.Index.MaxElements <= 0 {
		c.Index.MaxElements = d.Index.MaxElements
	}
	if c.Query.DefaultMaxResults <= 0 {
		c.Query.DefaultMaxResults = d.Query.DefaultMaxResults
	}
	if c.Query.MinScore <= 0 {
		c.Query.MinScore = d.Query.MinScore
	}
	if c.Query.Deadline <= 0 {
		c.Query.Deadline = d.Query.Deadline
	}
	if c.Cache.QueryCapacity <= 0 {
		c.Cache.QueryCapacity = d.Cache.QueryCapacity
	}
	if c.Cache.QueryTTL <= 0 {
		c.Cache.QueryTTL = d.Cache.QueryTTL
	}
	if c.Cache.EmbeddingCapacity <= 0 {
		c.Cache.EmbeddingCapacity = d.Cache.EmbeddingCapacity
	}
	if c.Cache.EmbeddingTTL <= 0 {
		c.Cache.EmbeddingTTL = d.Cache.EmbeddingTTL
	}
	if c.Reload.Debounce <= 0 {
		c.Reload.Debounce = d.Reload.Debounce
	}
	if c.Server.MaxInFlight <= 0 {
		c.Server.MaxInFlight = d.Server.MaxInFlight
	}
	if c.Server.Overflow == "" {
		c.Server.Overflow = d.Server.Overflow
	}
	if c.Server.QueueWait <= 0 {
		c.Server.QueueWait = d.Server.QueueWait
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = d.Server.LogLevel
	}
}

// applyEnv applies ASTMCP_* environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("ASTMCP_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("ASTMCP_EMBED_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("ASTMCP_EMBED_ENDPOINT"); v != "" {
		c.Embeddings.Endpoint = v
	}
	if v := os.Getenv("ASTMCP_MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Server.MaxInFlight = n
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return qerrors.Newf(qerrors.ErrCodeConfigInvalid, nil,
			"unsupported config version %d (expected %d)", c.Version, CurrentVersion)
	}
	switch c.Embeddings.Provider {
	case "static", "http":
	default:
		return qerrors.Newf(qerrors.ErrCodeConfigInvalid, nil,
			"unknown embeddings provider %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Provider == "http" && c.Embeddings.Endpoint == "" {
		return qerrors.New(qerrors.ErrCodeConfigInvalid,
			"http embeddings provider requires an endpoint", nil)
	}
	switch c.Server.Overflow {
	case "queue", "reject":
	default:
		return qerrors.Newf(qerrors.ErrCodeConfigInvalid, nil,
			"unknown overflow mode %q (queue or reject)", c.Server.Overflow)
	}
	if c.Query.MinScore < 0 || c.Query.MinScore > 1 {
		return qerrors.Newf(qerrors.ErrCodeConfigInvalid, nil,
			"min_score %v outside [0,1]", c.Query.MinScore)
	}
	return nil
}
