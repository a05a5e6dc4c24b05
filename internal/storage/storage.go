package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bdougie/frameprompt/internal/models"
)

const batchSize = 10 // Number of results to batch write

// ResultsFile is the name of the JSON export inside the per-video directory.
const ResultsFile = "analysis_results.json"

// Storage defines the interface for exporting analysis results
type Storage interface {
	// AddResult adds a single analysis result
	AddResult(ctx context.Context, result models.AnalysisResult) error

	// Flush ensures all pending results are saved
	Flush() error
}

// FileStorage batches results and appends them to
// <outputDir>/<video>/analysis_results.json.
type FileStorage struct {
	mu        sync.Mutex
	results   []models.AnalysisResult
	outputDir string
	logger    *slog.Logger
}

// NewFileStorage creates a JSON exporter rooted at outputDir.
func NewFileStorage(outputDir string, logger *slog.Logger) *FileStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStorage{outputDir: outputDir, logger: logger}
}

// Path returns the export file for video.
func (s *FileStorage) Path(video string) string {
	return filepath.Join(s.outputDir, video, ResultsFile)
}

// AddResult adds a result to the batch and flushes if the batch is full
func (s *FileStorage) AddResult(ctx context.Context, result models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)

	if len(s.results) >= batchSize {
		if err := s.flush(); err != nil {
			s.logger.Error("error flushing results", "error", err)
			return err
		}
	}
	return nil
}

// Flush writes all pending results to disk
func (s *FileStorage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

func (s *FileStorage) flush() error {
	if len(s.results) == 0 {
		return nil
	}

	// a batch may span videos when runs are restarted on another file
	byVideo := make(map[string][]models.AnalysisResult)
	var order []string
	for _, r := range s.results {
		if _, ok := byVideo[r.Video]; !ok {
			order = append(order, r.Video)
		}
		byVideo[r.Video] = append(byVideo[r.Video], r)
	}
	for _, video := range order {
		if err := s.appendResults(s.Path(video), byVideo[video]); err != nil {
			return err
		}
	}

	s.logger.Debug("results flushed", "count", len(s.results))
	s.results = nil
	return nil
}

func (s *FileStorage) appendResults(path string, results []models.AnalysisResult) (err error) {
	var existing []models.AnalysisResult
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("failed to unmarshal existing results: %w", err)
		}
	}
	all := append(existing, results...)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for results: %w", err)
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create results file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(all); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode results: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to write results file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace results file: %w", err)
	}
	return nil
}
