// Package analyzer summarises the frames of a frame set.
package analyzer

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/alecthomas/errors"

	"github.com/bdougie/tablevis/internal/frames"
	"github.com/bdougie/tablevis/internal/models"
	"github.com/bdougie/tablevis/internal/storage"
	"github.com/bdougie/tablevis/internal/table"
)

const maxWorkers = 4

type Processor struct {
	logger  *slog.Logger
	storage storage.Storage
}

func NewProcessor(logger *slog.Logger, storage storage.Storage) *Processor {
	return &Processor{
		logger:  logger,
		storage: storage,
	}
}

// Summarise computes the column statistics of every frame in set, stores
// them and returns them sorted by frame index.
func (p *Processor) Summarise(ctx context.Context, set *frames.FrameSet) ([]models.FrameSummary, error) {
	indices := set.Indices()
	if len(indices) == 0 {
		return nil, nil
	}

	workChan := make(chan models.WorkItem, len(indices))
	resultsChan := make(chan models.FrameSummary, len(indices))
	errorsChan := make(chan error, len(indices))

	var wg sync.WaitGroup

	remainingFrames := atomic.Int64{}
	remainingFrames.Store(int64(len(indices)))

	// Start worker pool
	for i := 0; i < maxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for work := range workChan {
				if err := ctx.Err(); err != nil {
					errorsChan <- err
					continue
				}
				summary, err := summarise(set, work.Index)
				if err != nil {
					errorsChan <- errors.Errorf("frame %d/%d failed: %w", work.FrameNum, work.Total, err)
					continue
				}
				resultsChan <- summary

				remaining := remainingFrames.Add(-1)
				p.logger.Debug("Summarised frame", "frame", work.Index, "remaining", remaining)
			}
		}()
	}

	// Send work to workers
	go func() {
		for i, idx := range indices {
			workChan <- models.WorkItem{
				FramePath: set.Source(idx),
				FrameNum:  i + 1,
				Index:     idx,
				Total:     len(indices),
			}
		}
		close(workChan)
	}()

	// Collect results
	var (
		summaries  []models.FrameSummary
		storeErr   error
		collecting sync.WaitGroup
	)
	collecting.Add(1)
	go func() {
		defer collecting.Done()
		for summary := range resultsChan {
			summaries = append(summaries, summary)
			if err := p.storage.AddSummary(ctx, summary); err != nil && storeErr == nil {
				storeErr = err
			}
		}
	}()

	// Wait for all workers to finish
	wg.Wait()
	close(resultsChan)
	close(errorsChan)
	collecting.Wait()

	// Flush any remaining results
	if err := p.storage.Flush(); err != nil {
		return nil, errors.Errorf("failed to flush final summaries: %w", err)
	}
	if storeErr != nil {
		return nil, errors.Errorf("failed to store summaries: %w", storeErr)
	}

	// Check for any errors
	var errorMessages []string
	for err := range errorsChan {
		errorMessages = append(errorMessages, err.Error())
	}
	if len(errorMessages) > 0 {
		return nil, errors.Errorf("encountered errors during processing: %s", strings.Join(errorMessages, "; "))
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Index < summaries[j].Index })
	return summaries, nil
}

func summarise(set *frames.FrameSet, idx int) (models.FrameSummary, error) {
	tbl, err := set.Get(idx)
	if err != nil {
		return models.FrameSummary{}, err
	}
	summary := models.FrameSummary{Dir: set.Dir(), Index: idx, Rows: tbl.Len()}
	for _, column := range tbl.Columns() {
		values, err := tbl.Float(column)
		if err != nil {
			return models.FrameSummary{}, err
		}
		stats := table.Stats(values)
		if stats.Count == 0 {
			continue
		}
		summary.Columns = append(summary.Columns, models.ColumnSummary{
			Column: column,
			Count:  stats.Count,
			Min:    stats.Min,
			Max:    stats.Max,
			Mean:   stats.Mean,
		})
	}
	return summary, nil
}
