package plot

import (
	"sort"

	"github.com/alecthomas/errors"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

// DefaultPalette is the color ramp used when none is selected.
const DefaultPalette = "viridis"

var ErrUnknownPalette = errors.New("unknown palette")

// Palette maps a value within a range onto a color ramp.
type Palette struct {
	Name  string
	stops []drawing.Color
	ramp  func(v, vmin, vmax float64) drawing.Color
}

var palettes = map[string]Palette{
	"viridis": {Name: "viridis", ramp: chart.Viridis},
	"greys": {Name: "greys", stops: []drawing.Color{
		drawing.ColorFromHex("000000"),
		drawing.ColorFromHex("ffffff"),
	}},
	"inferno": {Name: "inferno", stops: []drawing.Color{
		drawing.ColorFromHex("000004"),
		drawing.ColorFromHex("420a68"),
		drawing.ColorFromHex("932667"),
		drawing.ColorFromHex("dd513a"),
		drawing.ColorFromHex("fca50a"),
		drawing.ColorFromHex("fcffa4"),
	}},
	"coolwarm": {Name: "coolwarm", stops: []drawing.Color{
		drawing.ColorFromHex("3b4cc0"),
		drawing.ColorFromHex("dddddd"),
		drawing.ColorFromHex("b40426"),
	}},
}

// Palettes returns the names of the available color ramps.
func Palettes() []string {
	names := make([]string, 0, len(palettes))
	for name := range palettes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupPalette returns the named palette; the empty name selects the default.
func LookupPalette(name string) (Palette, error) {
	if name == "" {
		name = DefaultPalette
	}
	p, ok := palettes[name]
	if !ok {
		return Palette{}, errors.Errorf("%w: %q", ErrUnknownPalette, name)
	}
	return p, nil
}

// At returns the color of v within [vmin, vmax]. Values outside the range are
// clamped; a degenerate range or a non-finite value yields the middle of the ramp.
func (p Palette) At(v, vmin, vmax float64) drawing.Color {
	if vmax <= vmin || !finite(vmin) || !finite(vmax) || !finite(v) {
		v, vmin, vmax = 0.5, 0, 1
	}
	if v < vmin {
		v = vmin
	} else if v > vmax {
		v = vmax
	}
	if p.ramp != nil {
		return p.ramp(v, vmin, vmax)
	}
	t := (v - vmin) / (vmax - vmin) * float64(len(p.stops)-1)
	i := int(t)
	if i >= len(p.stops)-1 {
		return p.stops[len(p.stops)-1]
	}
	return lerp(p.stops[i], p.stops[i+1], t-float64(i))
}

func lerp(a, b drawing.Color, t float64) drawing.Color {
	mix := func(x, y uint8) uint8 { return uint8(float64(x) + (float64(y)-float64(x))*t + 0.5) }
	return drawing.Color{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: mix(a.A, b.A)}
}
