package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/engramd/engram/memory"
)

// AnthropicConfig represents configuration for the Anthropic generation
// provider.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key,omitempty"`
	Model     string `yaml:"model,omitempty"`
	MaxTokens int64  `yaml:"max_tokens,omitempty"`
}

// OllamaConfig represents configuration for local Ollama models.
type OllamaConfig struct {
	EmbedModel    string `yaml:"embed_model,omitempty"`    // default: "mxbai-embed-large"
	GenerateModel string `yaml:"generate_model,omitempty"` // default: "llama3.2:3b"
}

// OpenAIConfig represents configuration for the OpenAI embedding provider.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"` // custom endpoint (default: official API)
	Model   string `yaml:"model,omitempty"`    // default: "text-embedding-3-small"
}

// EngineConfig holds the memory tree tunables. Zero values fall back to the
// engine defaults.
type EngineConfig struct {
	MaxDepth            int     `yaml:"max_depth,omitempty"`
	SimilarityThreshold float64 `yaml:"similarity_threshold,omitempty"`
	SimilarityFloor     float64 `yaml:"similarity_floor,omitempty"`
	DecayFactor         float64 `yaml:"decay_factor,omitempty"`
	DecayInterval       string  `yaml:"decay_interval,omitempty"` // Go duration, e.g. "1h"
	ReinforcementFactor float64 `yaml:"reinforcement_factor,omitempty"`
	ImportanceCap       float64 `yaml:"importance_cap,omitempty"`
	MinImportance       float64 `yaml:"min_importance,omitempty"`
	MaxNodesPerOwner    int     `yaml:"max_nodes_per_owner,omitempty"`
	RetrievalK          int     `yaml:"retrieval_k,omitempty"`
	HybridAlpha         float64 `yaml:"hybrid_alpha,omitempty"`
	MergeMaxPasses      int     `yaml:"merge_max_passes,omitempty"`
}

// Config is the daemon configuration.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path,omitempty"`
	// MigrationsPath is the directory holding the schema migrations.
	MigrationsPath string `yaml:"migrations_path,omitempty"`
	// Embedder selects the embedding provider: "openai" or "ollama".
	Embedder string `yaml:"embedder,omitempty"`
	// Generator selects the summarization provider: "anthropic", "ollama"
	// or "" (summaries disabled).
	Generator string `yaml:"generator,omitempty"`
	// MaintenanceSchedule drives the decay/merge/prune cycle. Accepts a
	// cron expression or a Go duration string.
	MaintenanceSchedule string `yaml:"maintenance_schedule,omitempty"`

	Anthropic AnthropicConfig `yaml:"anthropic,omitempty"`
	Ollama    OllamaConfig    `yaml:"ollama,omitempty"`
	OpenAI    OpenAIConfig    `yaml:"openai,omitempty"`
	Engine    EngineConfig    `yaml:"engine,omitempty"`
}

// DefaultConfig returns the stock daemon configuration.
func DefaultConfig() Config {
	return Config{
		DBPath:              "engram.db",
		MigrationsPath:      "./migrations",
		Embedder:            "ollama",
		Generator:           "",
		MaintenanceSchedule: "15m",
		Ollama: OllamaConfig{
			EmbedModel:    "mxbai-embed-large",
			GenerateModel: "llama3.2:3b",
		},
	}
}

// GetConfigPath returns the default config file path, expanding ~ to the
// home directory. Can be overridden via the ENGRAM_CONFIG_PATH environment
// variable.
func GetConfigPath() string {
	if envPath := os.Getenv("ENGRAM_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.engram/config.yaml"
	}
	return filepath.Join(homeDir, ".engram", "config.yaml")
}

// Load reads the config file at path and merges it over the defaults. A
// missing file is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(expandPath(path)) //nolint:gosec // G304: user-specified config path is intentional
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// File values take precedence over defaults.
	if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to the specified path.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// EngineParams converts the engine section into memory.Params, filling
// unset fields from the defaults.
func (c *Config) EngineParams() (memory.Params, error) {
	p := memory.DefaultParams()
	e := c.Engine

	if e.MaxDepth > 0 {
		p.MaxDepth = e.MaxDepth
	}
	if e.SimilarityThreshold > 0 {
		p.SimilarityThreshold = e.SimilarityThreshold
	}
	if e.SimilarityFloor > 0 {
		p.SimilarityFloor = e.SimilarityFloor
	}
	if e.DecayFactor > 0 {
		p.DecayFactor = e.DecayFactor
	}
	if e.DecayInterval != "" {
		d, err := time.ParseDuration(e.DecayInterval)
		if err != nil {
			return p, fmt.Errorf("invalid decay_interval %q: %w", e.DecayInterval, err)
		}
		p.DecayInterval = d
	}
	if e.ReinforcementFactor > 0 {
		p.ReinforcementFactor = e.ReinforcementFactor
	}
	if e.ImportanceCap > 0 {
		p.ImportanceCap = e.ImportanceCap
	}
	if e.MinImportance > 0 {
		p.MinImportance = e.MinImportance
	}
	if e.MaxNodesPerOwner > 0 {
		p.MaxNodesPerOwner = e.MaxNodesPerOwner
	}
	if e.RetrievalK > 0 {
		p.RetrievalK = e.RetrievalK
	}
	if e.HybridAlpha > 0 {
		p.HybridAlpha = e.HybridAlpha
	}
	if e.MergeMaxPasses > 0 {
		p.MergeMaxPasses = e.MergeMaxPasses
	}

	return p, nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
