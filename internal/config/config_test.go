package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdougie/frameprompt/internal/analyzer"
	"github.com/bdougie/frameprompt/internal/models"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.IntervalSeconds != models.DefaultIntervalSeconds {
		t.Errorf("expected default interval, got %d", cfg.IntervalSeconds)
	}
	if cfg.BaseURL != analyzer.DefaultBaseURL || cfg.Model != analyzer.DefaultModel {
		t.Errorf("unexpected endpoint defaults: %s %s", cfg.BaseURL, cfg.Model)
	}
}

func TestLoadFileAndClamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"interval_seconds": 500, "custom_instructions": "  in the style of ukiyo-e ", "base_url": "http://gpu-box:8000/v1/", "jpeg_quality": 140}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.IntervalSeconds != models.MaxIntervalSeconds {
		t.Errorf("expected interval clamped to %d, got %d", models.MaxIntervalSeconds, cfg.IntervalSeconds)
	}
	if cfg.BaseURL != "http://gpu-box:8000/v1" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.BaseURL)
	}
	if cfg.JPEGQuality != 80 {
		t.Errorf("expected quality reset to 80, got %d", cfg.JPEGQuality)
	}
	if got := cfg.AnalysisConfig().CustomInstructions; got != "in the style of ukiyo-e" {
		t.Errorf("unexpected instructions %q", got)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err == nil {
		t.Fatal("expected a decode error")
	}
	if cfg == nil || cfg.Model != analyzer.DefaultModel {
		t.Errorf("expected defaults alongside the error, got %+v", cfg)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FRAMEPROMPT_MODEL", "llava:13b")
	t.Setenv("FRAMEPROMPT_BASE_URL", "https://api.example.com/v1")
	t.Setenv("FRAMEPROMPT_API_KEY", "sk-test")
	t.Setenv("FRAMEPROMPT_POSTGRES_URL", "postgres://localhost/frames")
	t.Setenv("FRAMEPROMPT_INTERVAL", "0")
	t.Setenv("FRAMEPROMPT_DEBUG", "1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model != "llava:13b" || cfg.APIKey != "sk-test" || cfg.BaseURL != "https://api.example.com/v1" {
		t.Errorf("endpoint overrides not applied: %+v", cfg)
	}
	if cfg.PostgresURL != "postgres://localhost/frames" {
		t.Errorf("unexpected postgres url %q", cfg.PostgresURL)
	}
	if cfg.IntervalSeconds != models.MinIntervalSeconds {
		t.Errorf("expected interval clamped to %d, got %d", models.MinIntervalSeconds, cfg.IntervalSeconds)
	}
	if !cfg.Debug {
		t.Error("expected debug enabled")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		interval int
		want     int
	}{
		{"zero", 0, 1},
		{"negative", -5, 1},
		{"in range", 7, 7},
		{"upper bound", 60, 60},
		{"too large", 61, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{IntervalSeconds: tt.interval}
			cfg.Validate()
			if cfg.IntervalSeconds != tt.want {
				t.Errorf("expected %d, got %d", tt.want, cfg.IntervalSeconds)
			}
			if cfg.TimeoutSeconds != DefaultTimeoutSeconds || cfg.EmbeddingWorkers != DefaultEmbeddingWorkers {
				t.Errorf("expected zero values replaced with defaults: %+v", cfg)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.CustomInstructions = "neon lighting"
	cfg.IntervalSeconds = 10
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.CustomInstructions != "neon lighting" || loaded.IntervalSeconds != 10 {
		t.Errorf("unexpected config after reload: %+v", loaded)
	}
	if opts := loaded.AnalyzerOptions(); opts.Timeout != DefaultTimeoutSeconds*time.Second {
		t.Errorf("unexpected timeout %v", opts.Timeout)
	}
}
