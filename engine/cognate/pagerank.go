package cognate

import "math"

// PageRank defaults.
const (
	DefaultDamping    = 0.85
	DefaultIterations = 100
	prTolerance       = 1e-9
)

// PageRank computes weighted PageRank over the undirected graph. Ranks sum
// to 1. Iteration stops at the cap or when the L1 delta drops below
// tolerance, whichever comes first.
func (g *Graph) PageRank(damping float64, maxIter int) map[string]float64 {
	n := len(g.ids)
	if n == 0 {
		return map[string]float64{}
	}
	if damping <= 0 || damping >= 1 {
		damping = DefaultDamping
	}
	if maxIter <= 0 {
		maxIter = DefaultIterations
	}

	deg := make([]float64, n)
	for i := range g.adj {
		deg[i] = g.degree(i)
	}

	rank := make([]float64, n)
	next := make([]float64, n)
	for i := range rank {
		rank[i] = 1 / float64(n)
	}

	base := (1 - damping) / float64(n)
	for iter := 0; iter < maxIter; iter++ {
		// Dangling mass (isolated nodes) redistributes uniformly.
		var dangling float64
		for i := range next {
			next[i] = base
			if deg[i] == 0 {
				dangling += rank[i]
			}
		}
		share := damping * dangling / float64(n)
		for i := range next {
			next[i] += share
		}
		for i, nbrs := range g.adj {
			if deg[i] == 0 {
				continue
			}
			out := damping * rank[i] / deg[i]
			for _, h := range nbrs {
				next[h.to] += out * h.w
			}
		}

		var delta float64
		for i := range rank {
			delta += math.Abs(next[i] - rank[i])
		}
		rank, next = next, rank
		if delta < prTolerance {
			break
		}
	}

	out := make(map[string]float64, n)
	for i, id := range g.ids {
		out[id] = rank[i]
	}
	return out
}
