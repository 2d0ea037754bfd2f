package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alecthomas/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jpillora/backoff"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/tablevis/internal/models"
)

const connectAttempts = 5

// PostgresStorage manages interaction with PostgreSQL
type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var (
	_ Storage     = (*PostgresStorage)(nil)
	_ VectorIndex = (*PostgresStorage)(nil)
)

// NewPostgresStorage connects to PostgreSQL, retrying while the server comes
// up, and creates the schema if it doesn't exist
func NewPostgresStorage(ctx context.Context, logger *slog.Logger, connString string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errors.Errorf("failed to connect to database: %w", err)
	}

	retry := backoff.Backoff{Min: time.Second, Max: time.Second * 10}
	for {
		err = pool.Ping(ctx)
		if err == nil {
			break
		}
		if retry.Attempt() >= connectAttempts-1 {
			pool.Close()
			return nil, errors.Errorf("failed to ping database: %w", err)
		}
		delay := retry.Duration()
		logger.Warn("Database not ready, retrying", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, errors.WithStack(ctx.Err())
		case <-time.After(delay):
		}
	}

	storage := &PostgresStorage{pool: pool, logger: logger}
	if err := storage.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return storage, nil
}

// Close closes the database connection
func (s *PostgresStorage) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// initSchema creates the tables and the vector extension
func (s *PostgresStorage) initSchema(ctx context.Context) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&exists)
	if err != nil {
		return errors.Errorf("failed to check for vector extension: %w", err)
	}
	if !exists {
		if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
			return errors.Errorf("failed to create vector extension: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS views (
            session_id TEXT PRIMARY KEY,
            state JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS frame_summaries (
            dir TEXT NOT NULL,
            frame_index INTEGER NOT NULL,
            summary JSONB NOT NULL,
            embedding vector,
            created_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (dir, frame_index)
        );
    `)
	if err != nil {
		return errors.Errorf("failed to create database schema: %w", err)
	}
	return nil
}

func (s *PostgresStorage) SaveView(ctx context.Context, state models.ViewState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO views (session_id, state, updated_at) VALUES ($1, $2, $3)
        ON CONFLICT (session_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		state.SessionID, state, time.Now())
	if err != nil {
		return errors.Errorf("failed to store view: %w", err)
	}
	return nil
}

func (s *PostgresStorage) LoadView(ctx context.Context, sessionID string) (models.ViewState, error) {
	var state models.ViewState
	err := s.pool.QueryRow(ctx,
		"SELECT state FROM views WHERE session_id = $1", sessionID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return state, errors.Errorf("view %q: %w", sessionID, ErrNotFound)
	} else if err != nil {
		return state, errors.Errorf("failed to load view: %w", err)
	}
	return state, nil
}

// AddSummary stores a frame summary, keeping any vector already indexed
func (s *PostgresStorage) AddSummary(ctx context.Context, summary models.FrameSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO frame_summaries (dir, frame_index, summary, created_at) VALUES ($1, $2, $3, $4)
        ON CONFLICT (dir, frame_index) DO UPDATE SET summary = EXCLUDED.summary`,
		summary.Dir, summary.Index, data, time.Now())
	if err != nil {
		return errors.Errorf("failed to store summary: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Summaries(ctx context.Context, dir string) ([]models.FrameSummary, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT summary FROM frame_summaries WHERE dir = $1 ORDER BY frame_index", dir)
	if err != nil {
		return nil, errors.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var out []models.FrameSummary
	for rows.Next() {
		var summary models.FrameSummary
		if err := rows.Scan(&summary); err != nil {
			return nil, errors.Errorf("failed to scan summary: %w", err)
		}
		out = append(out, summary)
	}
	return out, errors.WithStack(rows.Err())
}

// Flush implements the Storage interface - no-op for Postgres as we save immediately
func (s *PostgresStorage) Flush() error {
	return nil
}

// AddVector attaches a feature vector to a stored frame summary
func (s *PostgresStorage) AddVector(ctx context.Context, dir string, index int, vector []float32) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE frame_summaries SET embedding = $3 WHERE dir = $1 AND frame_index = $2",
		dir, index, pgvector.NewVector(vector))
	if err != nil {
		return errors.Errorf("failed to store vector: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("frame %d of %s: %w", index, dir, ErrNotFound)
	}
	return nil
}

// SearchSimilarFrames finds the frames of dir nearest to vector, excluding index itself
func (s *PostgresStorage) SearchSimilarFrames(ctx context.Context, dir string, index int, vector []float32, limit int) ([]models.FrameSearchResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT frame_index, embedding <-> $1 AS distance
        FROM frame_summaries
        WHERE dir = $2 AND frame_index <> $3 AND embedding IS NOT NULL
        ORDER BY embedding <-> $1
        LIMIT $4`,
		pgvector.NewVector(vector), dir, index, limit)
	if err != nil {
		return nil, errors.Errorf("failed to search similar frames: %w", err)
	}
	defer rows.Close()

	var results []models.FrameSearchResult
	for rows.Next() {
		var result models.FrameSearchResult
		if err := rows.Scan(&result.Index, &result.Distance); err != nil {
			return nil, errors.Errorf("failed to scan search results: %w", err)
		}
		results = append(results, result)
	}
	return results, errors.WithStack(rows.Err())
}
