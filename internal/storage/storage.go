// Package storage persists dashboard view state and frame summaries.
package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/alecthomas/errors"
	"github.com/mitchellh/go-homedir"

	"github.com/bdougie/tablevis/internal/models"
)

const batchSize = 10 // Number of summaries to batch write

var ErrNotFound = errors.New("not found")

// Storage defines the interface for storing view state and summaries
type Storage interface {
	// SaveView stores the view state of a session, replacing any previous one
	SaveView(ctx context.Context, state models.ViewState) error

	// LoadView returns the stored view state of a session or ErrNotFound
	LoadView(ctx context.Context, sessionID string) (models.ViewState, error)

	// AddSummary adds a single frame summary
	AddSummary(ctx context.Context, summary models.FrameSummary) error

	// Summaries returns the stored summaries of a directory, sorted by frame
	Summaries(ctx context.Context, dir string) ([]models.FrameSummary, error)

	// Flush ensures all pending summaries are saved
	Flush() error

	Close() error
}

// VectorIndex is implemented by stores that can rank frames by feature
// vector themselves.
type VectorIndex interface {
	AddVector(ctx context.Context, dir string, index int, vector []float32) error
	SearchSimilarFrames(ctx context.Context, dir string, index int, vector []float32, limit int) ([]models.FrameSearchResult, error)
}

// Open returns the store selected by the DSN scheme: file://DIR (JSON files),
// sqlite://PATH, mysql://DSN or postgres://URL.
func Open(ctx context.Context, logger *slog.Logger, dsn string) (Storage, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, errors.Errorf("invalid storage DSN %q: missing scheme", dsn)
	}
	switch scheme {
	case "file":
		dir, err := homedir.Expand(rest)
		if err != nil {
			return nil, errors.Errorf("failed to expand %q: %w", rest, err)
		}
		return NewStorage(dir), nil
	case "sqlite":
		return NewSQLStorage(ctx, logger, "sqlite", rest)
	case "mysql":
		return NewSQLStorage(ctx, logger, "mysql", rest)
	case "postgres", "postgresql":
		return NewPostgresStorage(ctx, logger, dsn)
	default:
		return nil, errors.Errorf("unsupported storage scheme %q", scheme)
	}
}

// fileStorage manages saving and retrieving state as JSON files in a directory
type fileStorage struct {
	pending   []models.FrameSummary
	mu        sync.Mutex
	outputDir string
}

// NewStorage creates a JSON file store in outputDir
func NewStorage(outputDir string) *fileStorage {
	return &fileStorage{
		pending:   []models.FrameSummary{},
		outputDir: outputDir,
	}
}

func (s *fileStorage) viewsPath() string     { return filepath.Join(s.outputDir, "views.json") }
func (s *fileStorage) summariesPath() string { return filepath.Join(s.outputDir, "summaries.json") }

// SaveView writes the state straight to disk
func (s *fileStorage) SaveView(ctx context.Context, state models.ViewState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	views := map[string]models.ViewState{}
	if err := readJSON(s.viewsPath(), &views); err != nil {
		return err
	}
	views[state.SessionID] = state
	return writeJSON(s.viewsPath(), views)
}

func (s *fileStorage) LoadView(ctx context.Context, sessionID string) (models.ViewState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	views := map[string]models.ViewState{}
	if err := readJSON(s.viewsPath(), &views); err != nil {
		return models.ViewState{}, err
	}
	state, ok := views[sessionID]
	if !ok {
		return models.ViewState{}, errors.Errorf("view %q: %w", sessionID, ErrNotFound)
	}
	return state, nil
}

// AddSummary adds a summary to the batch and flushes if the batch is full
func (s *fileStorage) AddSummary(ctx context.Context, summary models.FrameSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, summary)

	if len(s.pending) >= batchSize {
		return s.flush()
	}
	return nil
}

func (s *fileStorage) Summaries(ctx context.Context, dir string) ([]models.FrameSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flush(); err != nil {
		return nil, err
	}
	var all []models.FrameSummary
	if err := readJSON(s.summariesPath(), &all); err != nil {
		return nil, err
	}
	var out []models.FrameSummary
	for _, summary := range all {
		if summary.Dir == dir {
			out = append(out, summary)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// Flush writes all pending summaries to disk
func (s *fileStorage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

func (s *fileStorage) Close() error { return s.Flush() }

// Internal flush implementation; summaries of the same frame replace older ones
func (s *fileStorage) flush() error {
	if len(s.pending) == 0 {
		return nil
	}

	var existing []models.FrameSummary
	if err := readJSON(s.summariesPath(), &existing); err != nil {
		return err
	}

	type key struct {
		dir   string
		index int
	}
	merged := make([]models.FrameSummary, 0, len(existing)+len(s.pending))
	seen := map[key]int{}
	for _, summary := range append(existing, s.pending...) {
		k := key{summary.Dir, summary.Index}
		if i, ok := seen[k]; ok {
			merged[i] = summary
			continue
		}
		seen[k] = len(merged)
		merged = append(merged, summary)
	}

	if err := writeJSON(s.summariesPath(), merged); err != nil {
		return err
	}
	s.pending = nil // Clear the batch
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return errors.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Errorf("failed to unmarshal %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Errorf("failed to create directory for %s: %w", path, err)
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(v); err != nil {
		return errors.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}
