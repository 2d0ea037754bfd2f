package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/bdougie/tablevis/internal/logging/loggingtest"
	"github.com/bdougie/tablevis/internal/models"
	"github.com/bdougie/tablevis/internal/storage"
)

func summary(dir string, index, rows int) models.FrameSummary {
	return models.FrameSummary{
		Dir:   dir,
		Index: index,
		Rows:  rows,
		Columns: []models.ColumnSummary{
			{Column: "Volume (µm^3)", Count: rows, Min: 1, Max: 9, Mean: float64(index)},
		},
	}
}

func testStorage(t *testing.T, store storage.Storage) {
	t.Helper()
	ctx := context.Background()

	t.Run("ViewRoundTrip", func(t *testing.T) {
		_, err := store.LoadView(ctx, "session_missing")
		assert.IsError(t, err, storage.ErrNotFound)

		state := models.ViewState{
			SessionID: "session_a",
			DataDir:   "/data/run_1",
			Frame:     3,
			X:         "Position X",
			Y:         "Position Y",
			Color:     "Intensity",
			UpdatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		}
		assert.NoError(t, store.SaveView(ctx, state))
		state.Frame = 4
		assert.NoError(t, store.SaveView(ctx, state))

		loaded, err := store.LoadView(ctx, "session_a")
		assert.NoError(t, err)
		assert.Equal(t, 4, loaded.Frame)
		assert.Equal(t, "Intensity", loaded.Color)
		assert.True(t, state.UpdatedAt.Equal(loaded.UpdatedAt))
	})

	t.Run("Summaries", func(t *testing.T) {
		for i := 12; i >= 0; i-- {
			assert.NoError(t, store.AddSummary(ctx, summary("/data/run_1", i, 10)))
		}
		assert.NoError(t, store.AddSummary(ctx, summary("/data/run_2", 1, 5)))
		// replaces the earlier summary of frame 3
		assert.NoError(t, store.AddSummary(ctx, summary("/data/run_1", 3, 42)))
		assert.NoError(t, store.Flush())

		got, err := store.Summaries(ctx, "/data/run_1")
		assert.NoError(t, err)
		assert.Equal(t, 13, len(got))
		assert.Equal(t, 0, got[0].Index)
		assert.Equal(t, 42, got[3].Rows)

		mean, ok := got[5].Mean("Volume (µm^3)")
		assert.True(t, ok)
		assert.Equal(t, 5.0, mean)
	})
}

func TestFileStorage(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(t.Context(), loggingtest.NewForTesting(), "file://"+dir)
	assert.NoError(t, err)
	testStorage(t, store)
	assert.NoError(t, store.Close())

	_, err = os.Stat(filepath.Join(dir, "views.json"))
	assert.NoError(t, err)
}

func TestFileStorageUnflushedSummariesAreVisible(t *testing.T) {
	store := storage.NewStorage(t.TempDir())
	assert.NoError(t, store.AddSummary(t.Context(), summary("/d", 1, 1)))
	got, err := store.Summaries(t.Context(), "/d")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(got))
}

func TestSQLiteStorage(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "tablevis.db")
	store, err := storage.Open(t.Context(), loggingtest.NewForTesting(), dsn)
	assert.NoError(t, err)
	defer store.Close()
	testStorage(t, store)
}

func TestPostgresStorage(t *testing.T) {
	dsn := os.Getenv("TABLEVIS_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("TABLEVIS_TEST_POSTGRES not set")
	}
	store, err := storage.Open(t.Context(), loggingtest.NewForTesting(), dsn)
	assert.NoError(t, err)
	defer store.Close()
	testStorage(t, store)

	index, ok := store.(storage.VectorIndex)
	assert.True(t, ok)
	ctx := t.Context()
	assert.NoError(t, index.AddVector(ctx, "/data/run_1", 1, []float32{1, 1}))
	assert.NoError(t, index.AddVector(ctx, "/data/run_1", 2, []float32{5, 5}))
	assert.NoError(t, index.AddVector(ctx, "/data/run_1", 3, []float32{1.5, 1}))
	results, err := index.SearchSimilarFrames(ctx, "/data/run_1", 1, []float32{1, 1}, 1)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(results))
	assert.Equal(t, 3, results[0].Index)
}

func TestOpenErrors(t *testing.T) {
	_, err := storage.Open(t.Context(), loggingtest.NewForTesting(), "no-scheme")
	assert.Error(t, err)
	_, err = storage.Open(t.Context(), loggingtest.NewForTesting(), "redis://localhost")
	assert.Error(t, err)
}
