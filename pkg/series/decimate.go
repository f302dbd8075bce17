package series

import "github.com/foamflask/foamflask/pkg/types"

// Decimate selects maxPoints samples at a uniform stride, always keeping
// the first and last sample. Sequences already within the bound, and a
// non-positive bound, return samples unchanged.
func Decimate(samples []types.Sample, maxPoints int) []types.Sample {
	n := len(samples)
	if maxPoints <= 0 || n <= maxPoints {
		return samples
	}
	if maxPoints == 1 {
		return []types.Sample{samples[n-1]}
	}

	out := make([]types.Sample, maxPoints)
	for i := 0; i < maxPoints; i++ {
		out[i] = samples[i*(n-1)/(maxPoints-1)]
	}
	return out
}

// Xs returns the X values of samples
func Xs(samples []types.Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.X
	}
	return out
}

// Ys returns the Y values of samples
func Ys(samples []types.Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Y
	}
	return out
}
