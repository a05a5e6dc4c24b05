package analyzer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type scriptedCompleter struct {
	errs     []error
	content  string
	calls    int
	requests []openai.ChatCompletionRequest
}

func (s *scriptedCompleter) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.calls++
	s.requests = append(s.requests, req)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return openai.ChatCompletionResponse{}, err
		}
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: s.content}},
		},
	}, nil
}

type sleepRecorder struct {
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func newTestClient(chat ChatCompleter) (*Client, *sleepRecorder) {
	rec := &sleepRecorder{}
	c := NewClientWithCompleter(chat, "test-model", discardLogger)
	c.sleep = rec.sleep
	return c, rec
}

func rateLimitErr() error {
	return &openai.APIError{HTTPStatusCode: 429, Message: "Too Many Requests"}
}

const jpegPayload = "data:image/jpeg;base64,/9j/4AAQSkZJRg=="

func TestAnalyzeSuccess(t *testing.T) {
	chat := &scriptedCompleter{content: "  A lone lighthouse at dusk.\n\nWide shot.\n\nOil painting.  "}
	c, rec := newTestClient(chat)

	text, err := c.Analyze(context.Background(), jpegPayload, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "A lone lighthouse at dusk.\n\nWide shot.\n\nOil painting." {
		t.Errorf("unexpected text %q", text)
	}
	if chat.calls != 1 || len(rec.waits) != 0 {
		t.Errorf("expected a single call without waiting, got %d calls and %v", chat.calls, rec.waits)
	}
}

func TestAnalyzeRetriesRateLimit(t *testing.T) {
	chat := &scriptedCompleter{
		errs:    []error{rateLimitErr(), rateLimitErr()},
		content: "a prompt",
	}
	c, rec := newTestClient(chat)

	text, err := c.Analyze(context.Background(), jpegPayload, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "a prompt" {
		t.Errorf("unexpected text %q", text)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(rec.waits) != len(want) {
		t.Fatalf("expected waits %v, got %v", want, rec.waits)
	}
	var total time.Duration
	for i := range want {
		if rec.waits[i] != want[i] {
			t.Errorf("wait %d: expected %v, got %v", i, want[i], rec.waits[i])
		}
		total += rec.waits[i]
	}
	if total < 6*time.Second {
		t.Errorf("expected at least 6s of backoff, got %v", total)
	}
	if chat.calls != 3 {
		t.Errorf("expected 3 calls, got %d", chat.calls)
	}
}

func TestAnalyzeRetriesExhausted(t *testing.T) {
	chat := &scriptedCompleter{
		errs: []error{rateLimitErr(), rateLimitErr(), rateLimitErr(), rateLimitErr(), rateLimitErr()},
	}
	c, rec := newTestClient(chat)

	_, err := c.Analyze(context.Background(), jpegPayload, "")
	var analysisErr *AnalysisError
	if !errors.As(err, &analysisErr) {
		t.Fatalf("expected AnalysisError, got %v", err)
	}
	if !IsRateLimited(err) {
		t.Errorf("expected the exhausted error to still classify as rate limited: %v", err)
	}
	if chat.calls != 4 {
		t.Errorf("expected 1 call plus 3 retries, got %d calls", chat.calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(rec.waits) != len(want) {
		t.Fatalf("expected waits %v, got %v", want, rec.waits)
	}
	for i := range want {
		if rec.waits[i] != want[i] {
			t.Errorf("wait %d: expected %v, got %v", i, want[i], rec.waits[i])
		}
	}
}

func TestAnalyzeOtherErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"server error", &openai.APIError{HTTPStatusCode: 500, Message: "model crashed"}, "model crashed"},
		{"request error", &openai.RequestError{HTTPStatusCode: 400, Err: errors.New("bad image")}, "bad image"},
		{"empty message", errors.New(""), genericFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &scriptedCompleter{errs: []error{tt.err}}
			c, rec := newTestClient(chat)

			_, err := c.Analyze(context.Background(), jpegPayload, "")
			var analysisErr *AnalysisError
			if !errors.As(err, &analysisErr) {
				t.Fatalf("expected AnalysisError, got %v", err)
			}
			if !strings.Contains(analysisErr.Message, tt.wantMsg) {
				t.Errorf("expected message to contain %q, got %q", tt.wantMsg, analysisErr.Message)
			}
			if chat.calls != 1 || len(rec.waits) != 0 {
				t.Errorf("expected no retry, got %d calls and waits %v", chat.calls, rec.waits)
			}
		})
	}
}

func TestAnalyzeRequestError429IsRetried(t *testing.T) {
	chat := &scriptedCompleter{
		errs:    []error{&openai.RequestError{HTTPStatusCode: 429, Err: errors.New("slow down")}},
		content: "ok",
	}
	c, rec := newTestClient(chat)

	if _, err := c.Analyze(context.Background(), jpegPayload, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.waits) != 1 || rec.waits[0] != 2*time.Second {
		t.Errorf("expected a single 2s wait, got %v", rec.waits)
	}
}

func TestAnalyzeCancelledDuringBackoff(t *testing.T) {
	chat := &scriptedCompleter{errs: []error{rateLimitErr(), rateLimitErr()}, content: "late"}
	c, _ := newTestClient(chat)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Analyze(ctx, jpegPayload, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if chat.calls != 1 {
		t.Errorf("expected no call after cancellation, got %d", chat.calls)
	}
}

func TestAnalyzeEmptyResponse(t *testing.T) {
	c, _ := newTestClient(&scriptedCompleter{content: "   "})
	text, err := c.Analyze(context.Background(), jpegPayload, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != NoDescription {
		t.Errorf("expected placeholder, got %q", text)
	}
}

func TestAnalyzeEmptyPayload(t *testing.T) {
	chat := &scriptedCompleter{content: "x"}
	c, _ := newTestClient(chat)
	if _, err := c.Analyze(context.Background(), "data:image/png;base64,", ""); err == nil {
		t.Fatal("expected an error for an empty payload")
	}
	if chat.calls != 0 {
		t.Errorf("expected no API call, got %d", chat.calls)
	}
}

func TestBuildRequest(t *testing.T) {
	chat := &scriptedCompleter{content: "ok"}
	c, _ := newTestClient(chat)

	if _, err := c.Analyze(context.Background(), "data:image/webp;base64,UklGRg==", "make it noir"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := chat.requests[0]
	if req.Model != "test-model" {
		t.Errorf("expected model test-model, got %s", req.Model)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != openai.ChatMessageRoleSystem || req.Messages[0].Content != SystemInstruction {
		t.Errorf("unexpected system message: %+v", req.Messages[0])
	}
	parts := req.Messages[1].MultiContent
	if len(parts) != 2 {
		t.Fatalf("expected text and image parts, got %d", len(parts))
	}
	if !strings.Contains(parts[0].Text, "Additional instructions: make it noir") {
		t.Errorf("custom instructions missing from %q", parts[0].Text)
	}
	if parts[1].ImageURL == nil || parts[1].ImageURL.URL != "data:image/webp;base64,UklGRg==" {
		t.Errorf("unexpected image part: %+v", parts[1].ImageURL)
	}
}

func TestParseImage(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantMIME string
		wantData string
	}{
		{"jpeg", "data:image/jpeg;base64,AAAA", "image/jpeg", "AAAA"},
		{"png", "data:image/png;base64,BBBB", "image/png", "BBBB"},
		{"webp", "data:image/webp;base64,CCCC", "image/webp", "CCCC"},
		{"upper case", "data:IMAGE/PNG;base64,DDDD", "image/png", "DDDD"},
		{"unsupported subtype", "data:image/gif;base64,EEEE", "image/jpeg", "EEEE"},
		{"raw base64", "FFFF", "image/jpeg", "FFFF"},
		{"missing comma", "data:image/png;base64", "image/jpeg", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mimeType, data := ParseImage(tt.payload)
			if mimeType != tt.wantMIME || data != tt.wantData {
				t.Errorf("ParseImage(%q) = %q, %q; want %q, %q", tt.payload, mimeType, data, tt.wantMIME, tt.wantData)
			}
		})
	}
}

type fakeLister struct {
	models []string
	err    error
}

func (f *fakeLister) ListModels(ctx context.Context) (openai.ModelsList, error) {
	var list openai.ModelsList
	for _, id := range f.models {
		list.Models = append(list.Models, openai.Model{ID: id})
	}
	return list, f.err
}

func TestCheckEndpoint(t *testing.T) {
	ctx := context.Background()
	if err := CheckEndpoint(ctx, &fakeLister{models: []string{DefaultModel}}, DefaultModel, discardLogger); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := CheckEndpoint(ctx, &fakeLister{models: []string{"other"}}, DefaultModel, discardLogger); err != nil {
		t.Errorf("a missing model should only warn: %v", err)
	}
	if err := CheckEndpoint(ctx, &fakeLister{err: errors.New("connection refused")}, DefaultModel, discardLogger); err == nil {
		t.Error("expected an error for an unreachable endpoint")
	}
}
