package phonetic

import (
	"math"

	"github.com/lexigraph/lexigraph/pkg/fn"
)

// GapCost is the fixed cost of inserting or deleting one segment.
const GapCost = 0.7

// localCost is the weighted L1 distance between two feature vectors.
// Wildcards match anything at the fixed penalty.
func localCost(a, b Vec) float64 {
	if isWildcard(a) || isWildcard(b) {
		if isWildcard(a) && isWildcard(b) {
			return 0
		}
		return WildcardPenalty
	}
	var d float64
	for i := 0; i < NumFeatures; i++ {
		d += Weights[i] * math.Abs(a[i]-b[i])
	}
	return d
}

// Distance is the raw DTW alignment cost between two IPA strings:
// substitutions cost the weighted feature delta, gaps cost GapCost.
// Deterministic, symmetric, and zero for identical inputs.
func Distance(ipaA, ipaB string) float64 {
	return segmentDistance(Segments(ipaA), Segments(ipaB))
}

func segmentDistance(a, b []Segment) float64 {
	n, m := len(a), len(b)
	if n == 0 {
		return float64(m) * GapCost
	}
	if m == 0 {
		return float64(n) * GapCost
	}

	// Two-row dynamic program; the full matrix is never materialized.
	prev := make([]float64, m+1)
	curr := make([]float64, m+1)
	for j := 1; j <= m; j++ {
		prev[j] = prev[j-1] + GapCost
	}
	for i := 1; i <= n; i++ {
		curr[0] = prev[0] + GapCost
		for j := 1; j <= m; j++ {
			sub := prev[j-1] + localCost(a[i-1].Features, b[j-1].Features)
			del := prev[j] + GapCost
			ins := curr[j-1] + GapCost
			curr[j] = math.Min(sub, math.Min(del, ins))
		}
		prev, curr = curr, prev
	}
	return prev[m]
}

// Similarity normalizes the alignment cost into [0,1]: 1 for identical
// transcriptions, 0 at the theoretical maximum cost for the lengths.
func Similarity(ipaA, ipaB string) float64 {
	a, b := Segments(ipaA), Segments(ipaB)
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	max := maxCost(len(a), len(b))
	if max == 0 {
		return 1
	}
	sim := 1 - segmentDistance(a, b)/max
	if sim < 0 {
		return 0
	}
	return sim
}

// maxCost bounds the alignment cost for sequence lengths n and m: deleting
// everything on one side and inserting everything on the other.
func maxCost(n, m int) float64 {
	return float64(n+m) * GapCost
}

// Pair is one batch comparison.
type Pair struct {
	A, B string
}

// BatchSimilarity computes similarities for N pairs with data parallelism,
// preserving input order.
func BatchSimilarity(pairs []Pair, workers int) []float64 {
	return fn.ParMap(pairs, workers, func(p Pair) float64 {
		return Similarity(p.A, p.B)
	})
}

// BatchDistance computes raw distances for N pairs in parallel.
func BatchDistance(pairs []Pair, workers int) []float64 {
	return fn.ParMap(pairs, workers, func(p Pair) float64 {
		return Distance(p.A, p.B)
	})
}
