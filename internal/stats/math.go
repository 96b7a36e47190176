package stats

import (
	"math"
	"sort"
)

// mean of a non-empty sample.
func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stdDev is the population standard deviation.
func stdDev(xs []float64, m float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// percentile returns the q-th percentile (0-100) with linear interpolation
// between closest ranks. xs must be sorted ascending and non-empty.
func percentile(xs []float64, q float64) float64 {
	if len(xs) == 1 {
		return xs[0]
	}
	rank := q / 100 * float64(len(xs)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return xs[lo]
	}
	frac := rank - float64(lo)
	return xs[lo] + frac*(xs[hi]-xs[lo])
}

// histogram bins values into integer buckets 0..maxBucket, rounding to
// nearest. Out-of-range values are clamped; validation upstream keeps them
// in range anyway.
func histogram(xs []float64, maxBucket int) []int {
	bins := make([]int, maxBucket+1)
	for _, x := range xs {
		b := int(math.Round(x))
		if b < 0 {
			b = 0
		}
		if b > maxBucket {
			b = maxBucket
		}
		bins[b]++
	}
	return bins
}

// modeOf returns the most frequent integer value; ties go to the smallest.
func modeOf(xs []float64) int {
	counts := map[int]int{}
	for _, x := range xs {
		counts[int(math.Round(x))]++
	}
	best, bestN := 0, -1
	keys := make([]int, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		if counts[k] > bestN {
			best, bestN = k, counts[k]
		}
	}
	return best
}

func sorted(xs []float64) []float64 {
	out := make([]float64, len(xs))
	copy(out, xs)
	sort.Float64s(out)
	return out
}
