package plot

import "math"

// Default symbol diameters, in pixels.
const (
	DefaultSize    = 10.0
	DefaultMinSize = 5.0
	DefaultMaxSize = 30.0
)

// Rescale maps values linearly onto [minSize, maxSize]: the smallest finite
// value gets minSize and the largest gets maxSize.
//
// When every finite value is equal all of them get the midpoint of the size
// range. Non-finite values get minSize.
func Rescale(values []float64, minSize, maxSize float64) []float64 {
	vmin, vmax, ok := finiteRange(values)
	out := make([]float64, len(values))
	for i, v := range values {
		switch {
		case !ok || !finite(v):
			out[i] = minSize
		case vmax == vmin:
			out[i] = (minSize + maxSize) / 2
		default:
			out[i] = minSize + (v-vmin)/(vmax-vmin)*(maxSize-minSize)
		}
	}
	return out
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func finiteRange(values []float64) (vmin, vmax float64, ok bool) {
	for _, v := range values {
		if !finite(v) {
			continue
		}
		if !ok {
			vmin, vmax, ok = v, v, true
			continue
		}
		vmin = math.Min(vmin, v)
		vmax = math.Max(vmax, v)
	}
	return vmin, vmax, ok
}
