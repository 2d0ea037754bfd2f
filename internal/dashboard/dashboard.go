// Package dashboard holds the per-session view model: the frame set of the
// selected data directory, the frame slider and spinner, the column
// selections and the current figure.
//
// Every change goes through an On* callback. Callbacks are serialised per
// dashboard and each one ends in at most one re-render.
package dashboard

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alecthomas/errors"

	"github.com/bdougie/tablevis/internal/frames"
	"github.com/bdougie/tablevis/internal/models"
	"github.com/bdougie/tablevis/internal/plot"
	"github.com/bdougie/tablevis/internal/table"
)

// DefaultColumn is plotted on both axes when a frame carries it.
const DefaultColumn = "Volume (µm^3)"

type Options struct {
	DataDir string
	Frames  frames.Options
	Palette string
	MinSize float64
	MaxSize float64
	Width   int
	Height  int
}

// Slider is the frame slider.
type Slider struct {
	Start int `json:"start"`
	End   int `json:"end"`
	Step  int `json:"step"`
	Value int `json:"value"`
}

// Spinner is the numeric frame input shown next to the slider.
type Spinner struct {
	Low   int `json:"low"`
	High  int `json:"high"`
	Step  int `json:"step"`
	Value int `json:"value"`
}

// Selection is the column mapping of the plot. Empty Color or Size means
// none is selected.
type Selection struct {
	X       string `json:"x"`
	Y       string `json:"y"`
	Color   string `json:"color"`
	Size    string `json:"size"`
	Palette string `json:"palette"`
}

// Snapshot is everything needed to draw the dashboard page.
type Snapshot struct {
	DataDir   string       `json:"data_dir"`
	Frames    []int        `json:"frames"`
	Slider    Slider       `json:"slider"`
	Spinner   Spinner      `json:"spinner"`
	Columns   []string     `json:"columns"`
	Palettes  []string     `json:"palettes"`
	Selection Selection    `json:"selection"`
	Figure    *plot.Figure `json:"figure,omitempty"`
}

type Dashboard struct {
	logger *slog.Logger
	opts   Options

	mu          sync.Mutex
	set         *frames.FrameSet
	slider      Slider
	spinner     Spinner
	selection   Selection
	figure      *plot.Figure
	subscribers map[int]chan *plot.Figure
	nextID      int
}

// New loads the frame set of opts.DataDir and renders the first frame.
//
// An empty data directory gives an empty dashboard.
func New(ctx context.Context, logger *slog.Logger, opts Options) (*Dashboard, error) {
	if opts.Palette == "" {
		opts.Palette = plot.DefaultPalette
	}
	if _, err := plot.LookupPalette(opts.Palette); err != nil {
		return nil, err
	}
	set := frames.NewSet("", nil)
	if opts.DataDir != "" {
		var err error
		set, err = frames.Load(ctx, logger, opts.DataDir, opts.Frames)
		if err != nil {
			return nil, err
		}
	}
	d := &Dashboard{
		logger:      logger,
		opts:        opts,
		subscribers: map[int]chan *plot.Figure{},
	}
	d.reset(set, Selection{Palette: opts.Palette})
	if set.Len() > 0 {
		if err := d.replot(d.spinner.Value); err != nil {
			logger.Warn("Could not render first frame", "dir", set.Dir(), "error", err)
		}
	}
	return d, nil
}

// reset installs set, spans both controls over its frame range and keeps the
// parts of keep that are still valid columns. The figure is only dropped when
// the set is empty; otherwise it stays until the next render replaces it.
func (d *Dashboard) reset(set *frames.FrameSet, keep Selection) {
	d.set = set
	first, last, _ := set.Range()
	d.slider = Slider{Start: first, End: last, Step: 1, Value: first}
	d.spinner = Spinner{Low: first, High: last, Step: 1, Value: first}
	if set.Len() == 0 {
		d.figure = nil
	}

	columns := set.Columns()
	x, y := defaultAxes(set)
	d.selection = Selection{X: x, Y: y, Palette: keep.Palette}
	if slices.Contains(columns, keep.X) {
		d.selection.X = keep.X
	}
	if slices.Contains(columns, keep.Y) {
		d.selection.Y = keep.Y
	}
	if slices.Contains(columns, keep.Color) {
		d.selection.Color = keep.Color
	}
	if slices.Contains(columns, keep.Size) {
		d.selection.Size = keep.Size
	}
}

func defaultAxes(set *frames.FrameSet) (x, y string) {
	first, _, ok := set.Range()
	if !ok {
		return "", ""
	}
	tbl, err := set.Get(first)
	if err != nil {
		return "", ""
	}
	if tbl.Has(DefaultColumn) {
		return DefaultColumn, DefaultColumn
	}
	candidates := tbl.NumericColumns()
	if len(candidates) == 0 {
		candidates = tbl.Columns()
	}
	switch len(candidates) {
	case 0:
		return "", ""
	case 1:
		return candidates[0], candidates[0]
	default:
		return candidates[0], candidates[1]
	}
}

// OnSliderChange moves the slider, brings the spinner along and re-renders.
func (d *Dashboard) OnSliderChange(v int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkBounds(v); err != nil {
		return err
	}
	d.slider.Value = v
	if d.spinner.Value != v {
		d.spinner.Value = v
	}
	return d.replot(v)
}

// OnSpinnerChange moves the spinner, brings the slider along and re-renders.
func (d *Dashboard) OnSpinnerChange(v int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkBounds(v); err != nil {
		return err
	}
	d.spinner.Value = v
	if d.slider.Value != v {
		d.slider.Value = v
	}
	return d.replot(v)
}

func (d *Dashboard) checkBounds(v int) error {
	if d.set.Len() == 0 || v < d.slider.Start || v > d.slider.End {
		return errors.Errorf("%w: %d outside [%d, %d]", frames.ErrUnknownFrame, v, d.slider.Start, d.slider.End)
	}
	return nil
}

func (d *Dashboard) OnXChange(column string) error {
	return d.onColumnChange(column, false, func(s *Selection) { s.X = column })
}

func (d *Dashboard) OnYChange(column string) error {
	return d.onColumnChange(column, false, func(s *Selection) { s.Y = column })
}

// OnColorChange selects the color-source column; "" colors every symbol alike.
func (d *Dashboard) OnColorChange(column string) error {
	return d.onColumnChange(column, true, func(s *Selection) { s.Color = column })
}

// OnSizeChange selects the size-source column; "" draws constant symbols.
func (d *Dashboard) OnSizeChange(column string) error {
	return d.onColumnChange(column, true, func(s *Selection) { s.Size = column })
}

func (d *Dashboard) onColumnChange(column string, optional bool, apply func(*Selection)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !(optional && column == "") && !slices.Contains(d.set.Columns(), column) {
		return errors.Errorf("%w: %q", table.ErrUnknownColumn, column)
	}
	apply(&d.selection)
	return d.replot(d.spinner.Value)
}

func (d *Dashboard) OnPaletteChange(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := plot.LookupPalette(name)
	if err != nil {
		return err
	}
	d.selection.Palette = p.Name
	return d.replot(d.spinner.Value)
}

// OnSelectionChange applies a whole column mapping at once with a single
// re-render. Nothing changes when any part of it is invalid.
func (d *Dashboard) OnSelectionChange(sel Selection) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	columns := d.set.Columns()
	for _, column := range []string{sel.X, sel.Y} {
		if !slices.Contains(columns, column) {
			return errors.Errorf("%w: %q", table.ErrUnknownColumn, column)
		}
	}
	for _, column := range []string{sel.Color, sel.Size} {
		if column != "" && !slices.Contains(columns, column) {
			return errors.Errorf("%w: %q", table.ErrUnknownColumn, column)
		}
	}
	p, err := plot.LookupPalette(sel.Palette)
	if err != nil {
		return err
	}
	sel.Palette = p.Name
	d.selection = sel
	return d.replot(d.spinner.Value)
}

// OnDirectoryChange replaces the frame set with the one loaded from dir and
// resets both controls to its first frame. Column selections survive when the
// new frames still carry them. On error the dashboard is left unchanged.
func (d *Dashboard) OnDirectoryChange(ctx context.Context, dir string) error {
	set, err := frames.Load(ctx, d.logger, dir, d.opts.Frames)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset(set, d.selection)
	if set.Len() == 0 {
		d.logger.Info("No frames in directory", "dir", dir)
		return nil
	}
	return d.replot(d.spinner.Value)
}

// Reload re-reads the current data directory keeping the selected frame when
// it still exists, otherwise moving to the first frame. On error the
// dashboard is left unchanged.
func (d *Dashboard) Reload(ctx context.Context) error {
	d.mu.Lock()
	dir, frame := d.set.Dir(), d.spinner.Value
	d.mu.Unlock()
	if dir == "" {
		return nil
	}
	set, err := frames.Load(ctx, d.logger, dir, d.opts.Frames)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset(set, d.selection)
	if set.Len() == 0 {
		d.logger.Info("No frames left in directory", "dir", dir)
		return nil
	}
	if _, err := set.Get(frame); err == nil {
		d.slider.Value, d.spinner.Value = frame, frame
	} else {
		d.logger.Info("Selected frame is gone, showing the first one", "frame", frame, "dir", dir)
	}
	return d.replot(d.spinner.Value)
}

// Replot renders frame idx with the current selection.
//
// An index that is not in the frame set is logged and otherwise ignored: the
// previous figure stays and ErrUnknownFrame is returned.
func (d *Dashboard) Replot(idx int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replot(idx)
}

func (d *Dashboard) replot(idx int) error {
	tbl, err := d.set.Get(idx)
	if err != nil {
		d.logger.Info("Invalid frame selected", "frame", idx, "dir", d.set.Dir())
		return err
	}
	if d.selection.X == "" || d.selection.Y == "" {
		return errors.Errorf("frame %d: %w", idx, plot.ErrNoPoints)
	}
	start := time.Now()
	figure, err := plot.Scatter(tbl, plot.Spec{
		Frame:   idx,
		X:       d.selection.X,
		Y:       d.selection.Y,
		Color:   d.selection.Color,
		Size:    d.selection.Size,
		Palette: d.selection.Palette,
		MinSize: d.opts.MinSize,
		MaxSize: d.opts.MaxSize,
		Width:   d.opts.Width,
		Height:  d.opts.Height,
	})
	if err != nil {
		return err
	}
	d.logger.Debug("Rendered frame", "frame", idx, "points", figure.Points, "duration", time.Since(start))
	d.figure = figure
	d.notify(figure)
	return nil
}

// Figure returns the last rendered figure, nil before the first render.
func (d *Dashboard) Figure() *plot.Figure {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.figure
}

// Frames returns the loaded frame set.
func (d *Dashboard) Frames() *frames.FrameSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.set
}

func (d *Dashboard) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		DataDir:   d.set.Dir(),
		Frames:    d.set.Indices(),
		Slider:    d.slider,
		Spinner:   d.spinner,
		Columns:   d.set.Columns(),
		Palettes:  plot.Palettes(),
		Selection: d.selection,
		Figure:    d.figure,
	}
}

// State returns the persistable part of the dashboard.
func (d *Dashboard) State() models.ViewState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return models.ViewState{
		DataDir:   d.set.Dir(),
		Frame:     d.spinner.Value,
		X:         d.selection.X,
		Y:         d.selection.Y,
		Color:     d.selection.Color,
		Size:      d.selection.Size,
		Palette:   d.selection.Palette,
		UpdatedAt: time.Now().UTC(),
	}
}

// Restore reapplies a saved state. Selections that no longer match the data
// are dropped with a warning; a frame that no longer exists falls back to the
// first one.
func (d *Dashboard) Restore(ctx context.Context, state models.ViewState) error {
	d.mu.Lock()
	dir := d.set.Dir()
	d.mu.Unlock()

	set := d.Frames()
	if state.DataDir != "" && state.DataDir != dir {
		var err error
		set, err = frames.Load(ctx, d.logger, state.DataDir, d.opts.Frames)
		if err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	palette := state.Palette
	if _, err := plot.LookupPalette(palette); err != nil {
		d.logger.Warn("Dropping saved palette", "palette", palette, "error", err)
		palette = d.selection.Palette
	}
	keep := Selection{X: state.X, Y: state.Y, Color: state.Color, Size: state.Size, Palette: palette}
	d.reset(set, keep)
	if d.selection != keep {
		d.logger.Warn("Saved columns no longer match the data", "saved", keep, "restored", d.selection)
	}
	if set.Len() == 0 {
		return nil
	}
	if _, err := set.Get(state.Frame); err == nil {
		d.slider.Value, d.spinner.Value = state.Frame, state.Frame
	}
	return d.replot(d.spinner.Value)
}

// Subscribe returns a channel receiving every new figure. Slow readers only
// see the latest one. cancel releases the subscription.
func (d *Dashboard) Subscribe() (figures <-chan *plot.Figure, cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	ch := make(chan *plot.Figure, 1)
	d.subscribers[id] = ch
	return ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.subscribers[id]; ok {
			delete(d.subscribers, id)
			close(ch)
		}
	}
}

func (d *Dashboard) notify(figure *plot.Figure) {
	for _, ch := range d.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- figure
	}
}
