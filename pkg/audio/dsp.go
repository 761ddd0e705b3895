package audio

import "math"

const (
	// DefaultGateThreshold zeroes samples quieter than this so faint
	// line hiss is not amplified downstream.
	DefaultGateThreshold = 50

	// DefaultLimit is the soft-limiter knee.
	DefaultLimit = 28000

	// DefaultSmoothing is the exponential smoother coefficient.
	DefaultSmoothing = 0.95
)

// Gate zeroes every sample whose magnitude is below threshold.
// The slice is modified in place and returned.
func Gate(samples []int16, threshold int16) []int16 {
	t := int32(threshold)
	for i, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v < t {
			samples[i] = 0
		}
	}
	return samples
}

// SoftLimit compresses samples above limit with a tanh knee so loud
// chunks do not hard-clip. Samples at or below the limit pass through.
// The slice is modified in place and returned.
func SoftLimit(samples []int16, limit float64) []int16 {
	for i, s := range samples {
		v := float64(s)
		abs := math.Abs(v)
		if abs <= limit {
			continue
		}
		out := math.Tanh(abs/limit) * limit
		if v < 0 {
			out = -out
		}
		samples[i] = clampInt16(math.Round(out))
	}
	return samples
}

// Smooth applies a single-pole IIR low-pass across the chunk:
// y[i] = alpha*x[i] + (1-alpha)*y[i-1], seeded with prev. It returns
// the smoothed samples and the last output, which the caller must feed
// back as prev for the next chunk of the same stream to avoid clicks
// at chunk boundaries. Each output is rounded to int16 before it feeds
// the next sample, so carrying the returned tail reproduces the exact
// sequence a single concatenated call would produce.
func Smooth(samples []int16, prev int16, alpha float64) ([]int16, int16) {
	out := make([]int16, len(samples))
	last := prev
	for i, s := range samples {
		y := alpha*float64(s) + (1-alpha)*float64(last)
		last = clampInt16(math.Round(y))
		out[i] = last
	}
	return out, last
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
