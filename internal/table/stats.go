package table

import "math"

// Summary holds statistics over the finite values of a column.
type Summary struct {
	Count int
	Min   float64
	Max   float64
	Mean  float64
}

// Stats summarises values, ignoring NaN and infinities.
func Stats(values []float64) Summary {
	s := Summary{Min: math.NaN(), Max: math.NaN(), Mean: math.NaN()}
	var sum float64
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if s.Count == 0 || v < s.Min {
			s.Min = v
		}
		if s.Count == 0 || v > s.Max {
			s.Max = v
		}
		sum += v
		s.Count++
	}
	if s.Count > 0 {
		s.Mean = sum / float64(s.Count)
	}
	return s
}
