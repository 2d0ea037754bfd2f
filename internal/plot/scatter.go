// Package plot renders a frame table as a scatter plot.
package plot

import (
	"bytes"
	"strconv"

	"github.com/alecthomas/errors"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/bdougie/tablevis/internal/table"
)

const (
	DefaultWidth  = 700
	DefaultHeight = 700
	// alpha of every symbol, 0.8 of opaque
	symbolAlpha = 204
)

var (
	// ErrNoPoints is returned when no x or y column is selected.
	ErrNoPoints = errors.New("no plottable columns")

	defaultColor = drawing.ColorFromHex("1f77b4")
	missingColor = drawing.ColorFromHex("9e9e9e")
)

// Spec selects what to draw from a frame table.
type Spec struct {
	Frame int
	X     string
	Y     string
	// Color is the color-source column, empty for a single color.
	Color string
	// Size is the size-source column, empty for constant symbols.
	Size    string
	Palette string
	MinSize float64
	MaxSize float64
	Width   int
	Height  int
}

// Figure is a rendered plot.
type Figure struct {
	Frame  int    `json:"frame"`
	Title  string `json:"title"`
	XLabel string `json:"x_label"`
	YLabel string `json:"y_label"`
	Points int    `json:"points"`
	SVG    []byte `json:"-"`
}

// Scatter renders the x/y columns of tbl as SVG, coloring and sizing symbols
// by the optional color and size columns. Rows without a finite x or y are
// dropped; a frame left without points is drawn as empty axes.
func Scatter(tbl *table.Table, spec Spec) (*Figure, error) {
	spec = withDefaults(spec)
	palette, err := LookupPalette(spec.Palette)
	if err != nil {
		return nil, err
	}

	xs, err := tbl.Float(spec.X)
	if err != nil {
		return nil, err
	}
	ys, err := tbl.Float(spec.Y)
	if err != nil {
		return nil, err
	}
	var colorSource, sizeSource []float64
	if spec.Color != "" {
		if colorSource, err = tbl.Float(spec.Color); err != nil {
			return nil, err
		}
	}
	if spec.Size != "" {
		if sizeSource, err = tbl.Float(spec.Size); err != nil {
			return nil, err
		}
	}

	// Scale over the whole column so that dropping a row does not move the
	// mapping of the others.
	var sizes []float64
	if sizeSource != nil {
		sizes = Rescale(sizeSource, spec.MinSize, spec.MaxSize)
	}
	cmin, cmax, _ := finiteRange(colorSource)

	var (
		px, py    []float64
		colors    []drawing.Color
		diameters []float64
	)
	for i := range xs {
		if !finite(xs[i]) || !finite(ys[i]) {
			continue
		}
		px = append(px, xs[i])
		py = append(py, ys[i])

		c := defaultColor
		if colorSource != nil {
			if finite(colorSource[i]) {
				c = palette.At(colorSource[i], cmin, cmax)
			} else {
				c = missingColor
			}
		}
		colors = append(colors, c.WithAlpha(symbolAlpha))

		d := DefaultSize
		if sizes != nil {
			d = sizes[i]
		}
		diameters = append(diameters, d)
	}
	series := chart.ContinuousSeries{
		Name: spec.Y,
		Style: chart.Style{
			StrokeWidth: chart.Disabled,
			DotWidth:    DefaultSize / 2,
			DotColorProvider: func(_, _ chart.Range, index int, _, _ float64) drawing.Color {
				return colors[index]
			},
			DotWidthProvider: func(_, _ chart.Range, index int, _, _ float64) float64 {
				// go-chart dot widths are radii
				return diameters[index] / 2
			},
		},
		XValues: px,
		YValues: py,
	}

	title := strconv.Itoa(spec.Frame)
	graph := chart.Chart{
		Title:  title,
		Width:  spec.Width,
		Height: spec.Height,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 20, Right: 20, Bottom: 20},
		},
		XAxis: chart.XAxis{
			Name:  spec.X,
			Range: paddedRange(px),
		},
		YAxis: chart.YAxis{
			Name:  spec.Y,
			Range: paddedRange(py),
		},
		Series: []chart.Series{series},
	}

	var buf bytes.Buffer
	if err := graph.Render(chart.SVG, &buf); err != nil {
		return nil, errors.Errorf("failed to render frame %d: %w", spec.Frame, err)
	}
	return &Figure{
		Frame:  spec.Frame,
		Title:  title,
		XLabel: spec.X,
		YLabel: spec.Y,
		Points: len(px),
		SVG:    buf.Bytes(),
	}, nil
}

func withDefaults(spec Spec) Spec {
	if spec.Width <= 0 {
		spec.Width = DefaultWidth
	}
	if spec.Height <= 0 {
		spec.Height = DefaultHeight
	}
	if spec.MinSize <= 0 {
		spec.MinSize = DefaultMinSize
	}
	if spec.MaxSize <= 0 {
		spec.MaxSize = DefaultMaxSize
	}
	return spec
}

// paddedRange keeps symbols off the plot border and gives a single distinct
// value a non-zero span.
func paddedRange(values []float64) *chart.ContinuousRange {
	vmin, vmax, _ := finiteRange(values)
	pad := (vmax - vmin) * 0.05
	if pad == 0 {
		pad = 1
	}
	return &chart.ContinuousRange{Min: vmin - pad, Max: vmax + pad}
}
