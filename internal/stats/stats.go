// Package stats computes summary statistics over measurement samples.
package stats

import (
	"math"
	"sort"
	"time"
)

// Stats summarizes a series of samples. Deciles holds the 1st to 9th
// deciles, picked by nearest rank over the sorted series.
type Stats struct {
	NSamples int
	Mean     float64
	StdDev   float64
	StdErr   float64
	Min      float64
	MinIndex int
	Max      float64
	MaxIndex int
	Median   float64
	Deciles  []float64
}

// Mean returns the arithmetic mean of series, or 0 for an empty series.
func Mean(series []float64) float64 {
	ret := float64(0)
	nSamplesF64 := float64(len(series))

	for _, element := range series {
		ret += element / nSamplesF64
	}

	return ret
}

func squareMean(series []float64) float64 {
	ret := float64(0)
	nSamplesF64 := float64(len(series))

	for _, element := range series {
		ret += element * element / nSamplesF64
	}

	return ret
}

func sorted(series []float64) []float64 {
	s := append([]float64(nil), series...)
	sort.Float64s(s)
	return s
}

// Median returns the median of series. For an even number of samples it is
// the mean of the two middle values. The input is not modified.
func Median(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	s := sorted(series)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}

func deciles(s []float64) []float64 {
	ret := make([]float64, 0, 9)
	last := float64(len(s) - 1)
	for k := 1; k <= 9; k++ {
		ret = append(ret, s[int(math.Round(float64(k)*last/10))])
	}
	return ret
}

// Compute returns the statistics of series. An empty series yields a zero
// Stats.
func Compute(series []float64) *Stats {
	if len(series) == 0 {
		return &Stats{}
	}
	ret := &Stats{
		Min: math.Inf(1),
		Max: math.Inf(-1),
	}

	for index, element := range series {
		if element < ret.Min {
			ret.Min = element
			ret.MinIndex = index
		}
		if element > ret.Max {
			ret.Max = element
			ret.MaxIndex = index
		}
	}

	ret.NSamples = len(series)
	ret.Mean = Mean(series)
	// Rounding may push the variance slightly below zero.
	ret.StdDev = math.Sqrt(math.Max(0, squareMean(series)-ret.Mean*ret.Mean))
	ret.StdErr = ret.StdDev / math.Sqrt(float64(len(series)))
	ret.Median = Median(series)
	ret.Deciles = deciles(sorted(series))

	return ret
}

// Milliseconds converts durations to fractional milliseconds.
func Milliseconds(durations []time.Duration) []float64 {
	ret := make([]float64, 0, len(durations))
	for _, d := range durations {
		ret = append(ret, float64(d.Microseconds())/1000)
	}
	return ret
}

// Durations returns the statistics of durations, in milliseconds.
func Durations(durations []time.Duration) *Stats {
	return Compute(Milliseconds(durations))
}
