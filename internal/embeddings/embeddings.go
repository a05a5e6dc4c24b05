package embeddings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// ErrQueueFull is returned when the work queue cannot take another request.
var ErrQueueFull = errors.New("embedding queue is full, try again later")

// Embedder produces a vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, content string) ([]float32, error)
}

// EmbeddingsCreator is the go-openai call OpenAIEmbedder depends on.
type EmbeddingsCreator interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client EmbeddingsCreator
	model  string
}

func NewOpenAIEmbedder(client EmbeddingsCreator, model string) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: client, model: model}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, content string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: []string{content},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("no embeddings returned")
	}
	return resp.Data[0].Embedding, nil
}

// Result represents the result of embedding generation
type Result struct {
	Content   string
	Embedding []float32
	Error     error
}

// Work represents a unit of embedding work
type Work struct {
	Content string
	Result  chan<- Result
}

// Service runs a pool of embedding workers with a content-keyed cache.
type Service struct {
	embedder   Embedder
	logger     *slog.Logger
	numWorkers int
	workQueue  chan Work
	cache      sync.Map
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

// NewService creates a new embedding service with the specified number of workers
func NewService(embedder Embedder, numWorkers int, logger *slog.Logger) *Service {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		embedder:   embedder,
		logger:     logger,
		numWorkers: numWorkers,
		workQueue:  make(chan Work, 100),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.startWorkers()
	return s
}

func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				work.Result <- s.process(work.Content)
			}
		}()
	}
}

func (s *Service) process(content string) Result {
	key := strings.TrimSpace(content)
	if cached, ok := s.cache.Load(key); ok {
		return Result{Content: content, Embedding: cached.([]float32)}
	}

	embedding, err := s.embedder.Embed(s.ctx, key)
	if err != nil {
		s.logger.Warn("embedding failed", "error", err)
		return Result{Content: content, Error: err}
	}
	s.cache.Store(key, embedding)
	return Result{Content: content, Embedding: embedding}
}

// GetEmbedding requests an embedding asynchronously. The returned channel
// receives exactly one Result.
func (s *Service) GetEmbedding(content string) <-chan Result {
	resultChan := make(chan Result, 1)

	select {
	case s.workQueue <- Work{Content: content, Result: resultChan}:
	default:
		resultChan <- Result{Content: content, Error: ErrQueueFull}
	}
	return resultChan
}

// Embed blocks until the embedding for content is available or ctx is done.
func (s *Service) Embed(ctx context.Context, content string) ([]float32, error) {
	select {
	case res := <-s.GetEmbedding(content):
		return res.Embedding, res.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down the embedding service and waits for all workers to finish.
// Queued work still receives a result.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.workQueue)
		s.wg.Wait()
		s.cancel()
	})
}
