package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultBaseURL is Ollama's OpenAI-compatible endpoint.
	DefaultBaseURL = "http://localhost:11434/v1"
	DefaultModel   = "llama3.2-vision:11b"
	DefaultAPIKey  = "ollama"
)

// Options configures the vision model connection.
type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.APIKey == "" {
		o.APIKey = DefaultAPIKey
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	return o
}

// NewOpenAIClient builds a go-openai client for any OpenAI-compatible endpoint.
func NewOpenAIClient(opts Options) *openai.Client {
	opts = opts.withDefaults()
	cfg := openai.DefaultConfig(opts.APIKey)
	cfg.BaseURL = opts.BaseURL
	cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	return openai.NewClientWithConfig(cfg)
}

// NewClient initializes an analysis client on top of an existing go-openai
// client, so the same connection can serve model listing and embeddings.
func NewClient(api *openai.Client, opts Options, logger *slog.Logger) *Client {
	opts = opts.withDefaults()
	return NewClientWithCompleter(api, opts.Model, logger)
}

// ModelLister is the subset of the API used to check the endpoint is up.
type ModelLister interface {
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// CheckEndpoint verifies the endpoint answers and, when it lists models,
// that the configured model is among them.
func CheckEndpoint(ctx context.Context, api ModelLister, model string, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	list, err := api.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("vision endpoint not reachable: %w", err)
	}
	if len(list.Models) == 0 {
		return nil
	}
	for _, m := range list.Models {
		if m.ID == model {
			return nil
		}
	}
	if logger != nil {
		logger.Warn("model not listed by endpoint", "model", model, "available", len(list.Models))
	}
	return nil
}
