package clocksync

import (
	"math"
	"sort"
)

// Sample is one ping/pong exchange with the leader.
type Sample struct {
	OffsetSeconds float64 `json:"offsetSeconds"`
	RoundTripMs   float64 `json:"roundTripMs"`
}

// rttTolerance is how many standard deviations a sample's round trip may sit
// from the median round trip and still count.
const rttTolerance = 1.5

// minFiltered is the window size from which dispersion filtering applies.
const minFiltered = 3

// Aggregate reduces a sample window to one offset. Below minFiltered samples
// it is the plain mean. Otherwise samples whose round trip lies more than
// rttTolerance population standard deviations from the median round trip are
// dropped and the remaining offsets averaged. If nothing survives, the
// median offset of the whole window is used. ok is false for an empty window.
func Aggregate(samples []Sample) (offset float64, ok bool) {
	n := len(samples)
	if n == 0 {
		return 0, false
	}
	if n < minFiltered {
		var sum float64
		for _, s := range samples {
			sum += s.OffsetSeconds
		}
		return sum / float64(n), true
	}

	rtts := make([]float64, n)
	offsets := make([]float64, n)
	for i, s := range samples {
		rtts[i] = s.RoundTripMs
		offsets[i] = s.OffsetSeconds
	}
	med := median(rtts)
	sigma := stddev(rtts)
	limit := rttTolerance * sigma

	var sum float64
	kept := 0
	for _, s := range samples {
		if math.Abs(s.RoundTripMs-med) <= limit {
			sum += s.OffsetSeconds
			kept++
		}
	}
	if kept == 0 {
		return median(offsets), true
	}
	return sum / float64(kept), true
}

// median sorts a copy of xs. xs must not be empty.
func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// stddev is the population standard deviation.
func stddev(xs []float64) float64 {
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}
