package stats

import (
	"math"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCompute_11Samples(t *testing.T) {
	samples := []float64{0.0, -0.5, 0.5, -1.0, 1.0, -1.5, 1.5, -2.0, 2.0, -2.5, 2.5}

	stats := Compute(samples)

	assert.Equal(t, stats.NSamples, 11)
	assert.Assert(t, approx(stats.Mean, 0.0))
	assert.Assert(t, approx(stats.StdDev, 1.5811388300841898))
	assert.Assert(t, approx(stats.StdErr, 0.4767312946227962))
	assert.Equal(t, stats.Min, -2.5)
	assert.Equal(t, stats.MinIndex, 9)
	assert.Equal(t, stats.Max, 2.5)
	assert.Equal(t, stats.MaxIndex, 10)
	assert.Equal(t, stats.Median, 0.0)
	assert.DeepEqual(t, stats.Deciles, []float64{-2.0, -1.5, -1.0, -0.5, 0.0, 0.5, 1.0, 1.5, 2.0})
}

func TestCompute_6Samples(t *testing.T) {
	samples := []float64{-2.0, -3.0, 0.0, 2.0, -1.0, 1.0}

	stats := Compute(samples)

	assert.Equal(t, stats.NSamples, 6)
	assert.Assert(t, approx(stats.Mean, -0.5))
	assert.Assert(t, approx(stats.StdDev, 1.707825127659933))
	assert.Assert(t, approx(stats.StdErr, 0.6972166887783964))
	assert.Equal(t, stats.Min, -3.0)
	assert.Equal(t, stats.MinIndex, 1)
	assert.Equal(t, stats.Max, 2.0)
	assert.Equal(t, stats.MaxIndex, 3)
	assert.Equal(t, stats.Median, -0.5)
	assert.DeepEqual(t, stats.Deciles, []float64{-2.0, -2.0, -1.0, -1.0, 0.0, 0.0, 1.0, 1.0, 2.0})
}

func TestCompute_Empty(t *testing.T) {
	stats := Compute(nil)
	assert.Equal(t, stats.NSamples, 0)
	assert.Equal(t, stats.Mean, 0.0)
	assert.Assert(t, stats.Deciles == nil)
}

func TestCompute_SingleSample(t *testing.T) {
	stats := Compute([]float64{42})
	assert.Equal(t, stats.StdDev, 0.0)
	assert.Equal(t, stats.Median, 42.0)
	assert.Equal(t, len(stats.Deciles), 9)
}

func TestMedian(t *testing.T) {
	assert.Equal(t, Median(nil), 0.0)
	assert.Equal(t, Median([]float64{3}), 3.0)
	assert.Equal(t, Median([]float64{60, 40}), 50.0)
	assert.Equal(t, Median([]float64{5, 1, 3}), 3.0)

	in := []float64{4, 2, 3, 1}
	assert.Equal(t, Median(in), 2.5)
	// The input must not be reordered.
	assert.DeepEqual(t, in, []float64{4, 2, 3, 1})
}

func TestDurations(t *testing.T) {
	samples := []time.Duration{}

	for _, durationMS := range []int64{127, 19, 139, 34, 134, 236, 221, 61, 146, 151, 157, 45, 137, 231, 46, 61, 215, 29, 189, 42, 108, 174, 235, 79, 167} {
		samples = append(samples, time.Duration(durationMS)*time.Millisecond)
	}

	stats := Durations(samples)

	assert.Equal(t, stats.NSamples, 25)
	assert.Assert(t, approx(stats.Mean, 127.32))
	assert.Assert(t, approx(stats.StdDev, 70.00726819409546))
	assert.Equal(t, stats.Min, 19.0)
	assert.Equal(t, stats.MinIndex, 1)
	assert.Equal(t, stats.Max, 236.0)
	assert.Equal(t, stats.MaxIndex, 5)
	assert.Equal(t, stats.Median, 137.0)
	assert.DeepEqual(t, stats.Deciles, []float64{34, 46, 61, 127, 137, 146, 167, 189, 231})
}
