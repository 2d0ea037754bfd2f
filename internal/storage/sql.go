package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/alecthomas/errors"
	_ "github.com/go-sql-driver/mysql" // Register the MySQL driver
	_ "modernc.org/sqlite"             // Register the SQLite driver

	"github.com/bdougie/tablevis/internal/models"
)

// Both SQLite and MySQL accept this DDL and REPLACE INTO.
var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS views (
		session_id VARCHAR(255) NOT NULL PRIMARY KEY,
		state TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS frame_summaries (
		dir VARCHAR(512) NOT NULL,
		frame_index INTEGER NOT NULL,
		summary TEXT NOT NULL,
		PRIMARY KEY (dir, frame_index)
	)`,
}

// SQLStorage stores state through database/sql
type SQLStorage struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLStorage opens driver ("sqlite" or "mysql") with dsn and creates the
// schema if it doesn't exist
func NewSQLStorage(ctx context.Context, logger *slog.Logger, driver, dsn string) (*SQLStorage, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == "sqlite" {
		// Every connection to an in-memory database is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Errorf("failed to ping %s database: %w", driver, err)
	}
	for _, stmt := range sqlSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Errorf("failed to create schema: %w", err)
		}
	}
	logger.Debug("Opened SQL storage", "driver", driver)
	return &SQLStorage{db: db, logger: logger}, nil
}

func (s *SQLStorage) SaveView(ctx context.Context, state models.ViewState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = s.db.ExecContext(ctx,
		"REPLACE INTO views (session_id, state) VALUES (?, ?)",
		state.SessionID, string(data))
	if err != nil {
		return errors.Errorf("failed to store view: %w", err)
	}
	return nil
}

func (s *SQLStorage) LoadView(ctx context.Context, sessionID string) (models.ViewState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM views WHERE session_id = ?", sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ViewState{}, errors.Errorf("view %q: %w", sessionID, ErrNotFound)
	} else if err != nil {
		return models.ViewState{}, errors.Errorf("failed to load view: %w", err)
	}
	var state models.ViewState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return models.ViewState{}, errors.Errorf("failed to unmarshal view: %w", err)
	}
	return state, nil
}

// AddSummary stores the summary immediately
func (s *SQLStorage) AddSummary(ctx context.Context, summary models.FrameSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = s.db.ExecContext(ctx,
		"REPLACE INTO frame_summaries (dir, frame_index, summary) VALUES (?, ?, ?)",
		summary.Dir, summary.Index, string(data))
	if err != nil {
		return errors.Errorf("failed to store summary: %w", err)
	}
	return nil
}

func (s *SQLStorage) Summaries(ctx context.Context, dir string) ([]models.FrameSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT summary FROM frame_summaries WHERE dir = ? ORDER BY frame_index", dir)
	if err != nil {
		return nil, errors.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var out []models.FrameSummary
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Errorf("failed to scan summary: %w", err)
		}
		var summary models.FrameSummary
		if err := json.Unmarshal([]byte(data), &summary); err != nil {
			return nil, errors.Errorf("failed to unmarshal summary: %w", err)
		}
		out = append(out, summary)
	}
	return out, errors.WithStack(rows.Err())
}

// Flush is a no-op, summaries are written immediately
func (s *SQLStorage) Flush() error { return nil }

func (s *SQLStorage) Close() error { return errors.WithStack(s.db.Close()) }
