package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	maxRetries     = 3
	genericFailure = "failed to analyze frame"
)

// ErrRateLimited marks a request rejected with HTTP 429.
var ErrRateLimited = errors.New("rate limited")

// AnalysisError is a non-transient failure, or a rate limit that outlived
// every retry.
type AnalysisError struct {
	Message string
	Err     error
}

func (e *AnalysisError) Error() string { return e.Message }

func (e *AnalysisError) Unwrap() error { return e.Err }

func newAnalysisError(err error) *AnalysisError {
	msg := genericFailure
	if err != nil && strings.TrimSpace(err.Error()) != "" {
		msg = err.Error()
	}
	return &AnalysisError{Message: msg, Err: err}
}

// IsRateLimited reports whether err is a "too many requests" response.
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
		return true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == 429 {
		return true
	}
	return false
}

// ChatCompleter is the single API call the client depends on.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client turns one encoded frame into a descriptive prompt.
type Client struct {
	chat       ChatCompleter
	model      string
	logger     *slog.Logger
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClientWithCompleter wraps an existing completer, typically a fake in tests.
func NewClientWithCompleter(chat ChatCompleter, model string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		chat:       chat,
		model:      model,
		logger:     logger,
		maxRetries: maxRetries,
		sleep:      sleepContext,
	}
}

// Analyze sends image with the optional instructions and returns the model's
// text. Rate-limited calls are retried after 2s, 4s and 8s.
func (c *Client) Analyze(ctx context.Context, image, instructions string) (string, error) {
	mimeType, data := ParseImage(image)
	if data == "" {
		return "", &AnalysisError{Message: "empty image payload"}
	}
	req := c.buildRequest(mimeType, data, instructions)

	for attempt := 0; ; attempt++ {
		resp, err := c.chat.CreateChatCompletion(ctx, req)
		if err == nil {
			return responseText(resp), nil
		}
		if !IsRateLimited(err) {
			return "", newAnalysisError(err)
		}
		if attempt >= c.maxRetries {
			c.logger.Error("rate limit retries exhausted", "retries", c.maxRetries)
			return "", newAnalysisError(fmt.Errorf("%w after %d retries: %w", ErrRateLimited, c.maxRetries, err))
		}

		wait := time.Duration(1<<(attempt+1)) * time.Second
		c.logger.Warn("rate limited, backing off", "attempt", attempt+1, "wait", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return "", newAnalysisError(err)
		}
	}
}

func (c *Client) buildRequest(mimeType, data, instructions string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: SystemInstruction,
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: userText(instructions),
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    fmt.Sprintf("data:%s;base64,%s", mimeType, data),
							Detail: openai.ImageURLDetailAuto,
						},
					},
				},
			},
		},
	}
}

func responseText(resp openai.ChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return NoDescription
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return NoDescription
	}
	return text
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
