package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bdougie/frameprompt/internal/analyzer"
	"github.com/bdougie/frameprompt/internal/extractor"
	"github.com/bdougie/frameprompt/internal/models"
)

const (
	DefaultEmbeddingModel   = "nomic-embed-text"
	DefaultEmbeddingWorkers = 4
	DefaultTimeoutSeconds   = 120
)

// Config holds runtime configuration. Fields may be loaded from a JSON file,
// overridden by FRAMEPROMPT_* environment variables and then by flags.
type Config struct {
	Debug bool `json:"debug"`

	// Vision endpoint
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`

	// Run parameters
	IntervalSeconds    int    `json:"interval_seconds"`
	CustomInstructions string `json:"custom_instructions"`
	MaxWidth           int    `json:"max_width"`
	JPEGQuality        int    `json:"jpeg_quality"`

	// Result export, all optional
	OutputDir        string `json:"output_dir"`
	PostgresURL      string `json:"postgres_url"`
	EmbeddingModel   string `json:"embedding_model"`
	EmbeddingWorkers int    `json:"embedding_workers"`
}

// DefaultConfig returns a Config populated with standard defaults.
func DefaultConfig() *Config {
	return &Config{
		APIKey:           analyzer.DefaultAPIKey,
		BaseURL:          analyzer.DefaultBaseURL,
		Model:            analyzer.DefaultModel,
		TimeoutSeconds:   DefaultTimeoutSeconds,
		IntervalSeconds:  models.DefaultIntervalSeconds,
		MaxWidth:         extractor.DefaultMaxWidth,
		JPEGQuality:      extractor.DefaultJPEGQuality,
		EmbeddingModel:   DefaultEmbeddingModel,
		EmbeddingWorkers: DefaultEmbeddingWorkers,
	}
}

// Validate clamps/normalizes values to safe ranges.
func (c *Config) Validate() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = analyzer.DefaultBaseURL
	}
	if strings.TrimSpace(c.Model) == "" {
		c.Model = analyzer.DefaultModel
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
	c.IntervalSeconds = min(max(c.IntervalSeconds, models.MinIntervalSeconds), models.MaxIntervalSeconds)
	if c.MaxWidth <= 0 {
		c.MaxWidth = extractor.DefaultMaxWidth
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = extractor.DefaultJPEGQuality
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = DefaultEmbeddingModel
	}
	if c.EmbeddingWorkers <= 0 {
		c.EmbeddingWorkers = DefaultEmbeddingWorkers
	}
}

// Load reads configuration from the given JSON file path and applies
// environment overrides. A missing file yields DefaultConfig(). On JSON error
// it returns defaults with the error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			if err := json.NewDecoder(f).Decode(cfg); err != nil {
				return DefaultConfig(), err
			}
		case !os.IsNotExist(err):
			return cfg, err
		}
	}
	cfg.applyEnv(os.Getenv)
	cfg.Validate()
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("FRAMEPROMPT_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := getenv("FRAMEPROMPT_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := getenv("FRAMEPROMPT_MODEL"); v != "" {
		c.Model = v
	}
	if v := getenv("FRAMEPROMPT_EMBEDDING_MODEL"); v != "" {
		c.EmbeddingModel = v
	}
	if v := getenv("FRAMEPROMPT_POSTGRES_URL"); v != "" {
		c.PostgresURL = v
	}
	if v := getenv("FRAMEPROMPT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.IntervalSeconds = n
		}
	}
	if v := getenv("FRAMEPROMPT_DEBUG"); v != "" {
		c.Debug = v == "true" || v == "1"
	}
}

// Save writes the configuration to the given path in JSON format.
func (c *Config) Save(path string) error {
	c.Validate()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

// AnalysisConfig is the run configuration handed to the pipeline.
func (c *Config) AnalysisConfig() models.AnalysisConfig {
	cfg := models.AnalysisConfig{
		IntervalSeconds:    c.IntervalSeconds,
		CustomInstructions: strings.TrimSpace(c.CustomInstructions),
	}
	cfg.Normalize()
	return cfg
}

// AnalyzerOptions returns the endpoint settings for the vision client.
func (c *Config) AnalyzerOptions() analyzer.Options {
	return analyzer.Options{
		BaseURL: c.BaseURL,
		APIKey:  c.APIKey,
		Model:   c.Model,
		Timeout: time.Duration(c.TimeoutSeconds) * time.Second,
	}
}
