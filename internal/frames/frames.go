// Package frames loads a directory of per-frame tables into memory, keyed by
// the frame index found in each filename.
package frames

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alecthomas/errors"

	"github.com/bdougie/tablevis/internal/extractor"
	"github.com/bdougie/tablevis/internal/models"
	"github.com/bdougie/tablevis/internal/table"
)

const defaultWorkers = 4

var ErrUnknownFrame = errors.New("unknown frame")

type Options struct {
	// Pattern filters filenames, see [extractor.ListFrameFiles].
	Pattern string
	Table   table.Options
	Workers int
}

// FrameSet is the frame index -> table mapping of one data directory.
// It is read-only once loaded.
type FrameSet struct {
	dir     string
	frames  map[int]*table.Table
	sources map[int]string
	indices []int
}

// Load reads every frame file in dir.
//
// Files that fail to parse are logged and skipped. Files are inserted in
// filename order, so when two files carry the same index the later one wins
// and the overwrite is logged.
func Load(ctx context.Context, logger *slog.Logger, dir string, opts Options) (*FrameSet, error) {
	files, err := extractor.ListFrameFiles(logger, dir, opts.Pattern)
	if err != nil {
		return nil, err
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	fsys := os.DirFS(dir)
	tables := make([]*table.Table, len(files))
	workChan := make(chan models.WorkItem, len(files))

	var wg sync.WaitGroup
	remaining := atomic.Int64{}
	remaining.Store(int64(len(files)))

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for work := range workChan {
				if ctx.Err() != nil {
					continue
				}
				tbl, err := table.ReadFile(fsys, work.FramePath, opts.Table)
				if err != nil {
					logger.Warn("Could not read frame file", "file", work.FramePath, "frame", work.Index, "error", err)
					continue
				}
				tables[work.FrameNum-1] = tbl
				logger.Debug("Loaded frame", "file", work.FramePath, "rows", tbl.Len(), "remaining", remaining.Add(-1))
			}
		}()
	}

	for i, file := range files {
		workChan <- models.WorkItem{
			FramePath: file.Name,
			FrameNum:  i + 1,
			Index:     file.Index,
			Total:     len(files),
		}
	}
	close(workChan)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	set := &FrameSet{
		dir:     dir,
		frames:  make(map[int]*table.Table, len(files)),
		sources: make(map[int]string, len(files)),
	}
	for i, file := range files {
		if tables[i] == nil {
			continue
		}
		if prev, ok := set.sources[file.Index]; ok {
			logger.Warn("Frame index collision, overwriting", "frame", file.Index, "previous", prev, "file", file.Name)
		}
		set.frames[file.Index] = tables[i]
		set.sources[file.Index] = file.Name
	}
	for idx := range set.frames {
		set.indices = append(set.indices, idx)
	}
	sort.Ints(set.indices)
	logger.Info("Loaded frames", "dir", dir, "frames", len(set.indices), "files", len(files))
	return set, nil
}

// NewSet builds a frame set from already parsed tables.
func NewSet(dir string, tables map[int]*table.Table) *FrameSet {
	set := &FrameSet{dir: dir, frames: make(map[int]*table.Table, len(tables)), sources: map[int]string{}}
	for idx, tbl := range tables {
		set.frames[idx] = tbl
		set.indices = append(set.indices, idx)
	}
	sort.Ints(set.indices)
	return set
}

// Dir returns the directory the set was loaded from.
func (s *FrameSet) Dir() string { return s.dir }

// Len returns the number of frames.
func (s *FrameSet) Len() int { return len(s.indices) }

// Indices returns the frame indices in ascending order.
func (s *FrameSet) Indices() []int { return append([]int(nil), s.indices...) }

// Range returns the first and last frame index. ok is false for an empty set.
func (s *FrameSet) Range() (first, last int, ok bool) {
	if len(s.indices) == 0 {
		return 0, 0, false
	}
	return s.indices[0], s.indices[len(s.indices)-1], true
}

// Get returns the table of frame idx.
func (s *FrameSet) Get(idx int) (*table.Table, error) {
	tbl, ok := s.frames[idx]
	if !ok {
		return nil, errors.Errorf("%w: %d", ErrUnknownFrame, idx)
	}
	return tbl, nil
}

// Source returns the filename frame idx was loaded from.
func (s *FrameSet) Source(idx int) string { return s.sources[idx] }

// Columns returns the columns of the first frame, the options offered in the
// column selectors.
func (s *FrameSet) Columns() []string {
	if len(s.indices) == 0 {
		return nil
	}
	return s.frames[s.indices[0]].Columns()
}
