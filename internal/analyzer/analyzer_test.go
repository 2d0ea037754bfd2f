package analyzer_test

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/bdougie/tablevis/internal/analyzer"
	"github.com/bdougie/tablevis/internal/frames"
	"github.com/bdougie/tablevis/internal/logging/loggingtest"
	"github.com/bdougie/tablevis/internal/storage"
	"github.com/bdougie/tablevis/internal/table"
)

func TestSummarise(t *testing.T) {
	a, err := table.New([]string{"ID", "Volume", "Label"}, [][]string{
		{"1", "10", "x"},
		{"2", "30", "y"},
	})
	assert.NoError(t, err)
	b, err := table.New([]string{"ID", "Volume", "Label"}, [][]string{
		{"1", "5", "x"},
	})
	assert.NoError(t, err)
	set := frames.NewSet("/data/run_1", map[int]*table.Table{4: b, 2: a})

	store := storage.NewStorage(t.TempDir())
	p := analyzer.NewProcessor(loggingtest.NewForTesting(), store)
	summaries, err := p.Summarise(t.Context(), set)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(summaries))
	assert.Equal(t, 2, summaries[0].Index)
	assert.Equal(t, 2, summaries[0].Rows)
	// the non-numeric Label column is not summarised
	assert.Equal(t, 2, len(summaries[0].Columns))

	mean, ok := summaries[0].Mean("Volume")
	assert.True(t, ok)
	assert.Equal(t, 20.0, mean)
	assert.Equal(t, 30.0, summaries[0].Columns[1].Max)

	stored, err := store.Summaries(t.Context(), "/data/run_1")
	assert.NoError(t, err)
	assert.Equal(t, summaries, stored)
}

func TestSummariseEmpty(t *testing.T) {
	p := analyzer.NewProcessor(loggingtest.NewForTesting(), storage.NewStorage(t.TempDir()))
	summaries, err := p.Summarise(t.Context(), frames.NewSet("", nil))
	assert.NoError(t, err)
	assert.Equal(t, 0, len(summaries))
}
