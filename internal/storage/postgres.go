package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/frameprompt/internal/models"
)

// Embedder turns an analysis text into a vector. *embeddings.Service
// satisfies it.
type Embedder interface {
	Embed(ctx context.Context, content string) ([]float32, error)
}

// PostgresStorage writes results to PostgreSQL with pgvector embeddings of
// the descriptions.
type PostgresStorage struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[runKey]int
}

type runKey struct {
	video string
	run   uint64
}

// NewPostgresStorage connects to connString and verifies the connection.
// embedder may be nil, in which case analyses are stored without vectors.
func NewPostgresStorage(ctx context.Context, connString string, embedder Embedder, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStorage{
		pool:     pool,
		embedder: embedder,
		logger:   logger,
		runs:     make(map[runKey]int),
	}, nil
}

// Close closes the database connection
func (s *PostgresStorage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStorage) getOrCreateVideo(ctx context.Context, name string) (int, error) {
	var id int
	err := s.pool.QueryRow(ctx, "SELECT id FROM videos WHERE name = $1", name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("error checking for existing video: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO videos (name, created_at) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`,
		name, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create video entry: %w", err)
	}
	return id, nil
}

// runID returns the database id for a pipeline run, creating it on first use.
func (s *PostgresStorage) runID(ctx context.Context, video string, run uint64) (int, error) {
	key := runKey{video: video, run: run}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.runs[key]; ok {
		return id, nil
	}

	videoID, err := s.getOrCreateVideo(ctx, video)
	if err != nil {
		return 0, err
	}
	var id int
	err = s.pool.QueryRow(ctx,
		"INSERT INTO runs (video_id, created_at) VALUES ($1, $2) RETURNING id",
		videoID, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create run entry: %w", err)
	}
	s.runs[key] = id
	return id, nil
}

// AddResult stores the frame and, for completed frames, its analysis.
func (s *PostgresStorage) AddResult(ctx context.Context, result models.AnalysisResult) error {
	runID, err := s.runID(ctx, result.Video, result.Run)
	if err != nil {
		return err
	}

	var embedding any
	if result.Content != "" && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, result.Content)
		if err != nil {
			s.logger.Warn("failed to generate embedding", "frame", result.FrameID, "error", err)
		} else {
			embedding = pgvector.NewVector(vec)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var frameID int
	err = tx.QueryRow(ctx,
		`INSERT INTO frames
		(run_id, frame_uuid, frame_number, timestamp, status, error_detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		runID, result.FrameID, result.FrameIndex, result.Timestamp, result.Status,
		nullIfEmpty(result.ErrorDetail), result.RecordedAt).Scan(&frameID)
	if err != nil {
		return fmt.Errorf("failed to store frame information: %w", err)
	}

	if result.Content != "" {
		_, err = tx.Exec(ctx,
			`INSERT INTO analyses (frame_id, content, embedding, created_at)
			VALUES ($1, $2, $3, $4)`,
			frameID, result.Content, embedding, time.Now())
		if err != nil {
			return fmt.Errorf("failed to store analysis: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// Flush is a no-op, results are written immediately.
func (s *PostgresStorage) Flush() error {
	return nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

// InitSchema creates the database schema if it doesn't exist
func InitSchema(ctx context.Context, connString string) error {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	// embedding dimensions depend on the configured model
	_, err = conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS videos (
            id SERIAL PRIMARY KEY,
            name VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(name)
        );

        CREATE TABLE IF NOT EXISTS runs (
            id SERIAL PRIMARY KEY,
            video_id INTEGER REFERENCES videos(id) ON DELETE CASCADE,
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS frames (
            id SERIAL PRIMARY KEY,
            run_id INTEGER REFERENCES runs(id) ON DELETE CASCADE,
            frame_uuid UUID NOT NULL UNIQUE,
            frame_number INTEGER NOT NULL,
            timestamp DOUBLE PRECISION NOT NULL,
            status VARCHAR(16) NOT NULL,
            error_detail TEXT,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(run_id, frame_number)
        );

        CREATE TABLE IF NOT EXISTS analyses (
            id SERIAL PRIMARY KEY,
            frame_id INTEGER REFERENCES frames(id) ON DELETE CASCADE,
            content TEXT NOT NULL,
            embedding vector,
            created_at TIMESTAMPTZ NOT NULL
        );
    `)
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = conn.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_runs_video_id ON runs(video_id);
        CREATE INDEX IF NOT EXISTS idx_frames_run_id ON frames(run_id);
        CREATE INDEX IF NOT EXISTS idx_analyses_frame_id ON analyses(frame_id);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}
	return nil
}
