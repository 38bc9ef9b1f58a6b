package concept

import (
	"gonum.org/v1/gonum/floats"
)

// Noise is the label for points that fall in no cluster.
const Noise = -1

// ClusterParams tune the density clustering.
type ClusterParams struct {
	// Eps is the neighborhood radius in the projected space.
	Eps float64
	// MinSamples is the neighbor count (self included) that makes a point
	// a core point.
	MinSamples int
	// MinClusterSize drops clusters smaller than this to noise.
	MinClusterSize int
}

// DefaultClusterParams are tuned for ~10-dimensional projections of
// sentence-embedding glosses.
func DefaultClusterParams() ClusterParams {
	return ClusterParams{Eps: 0.35, MinSamples: 5, MinClusterSize: 5}
}

// dbscanResult carries labels plus core-point flags for confidence.
type dbscanResult struct {
	labels []int
	core   []bool
}

// dbscan runs density clustering over points. Point order determines
// cluster numbering, so callers must present points in a stable order.
func dbscan(points [][]float64, p ClusterParams) dbscanResult {
	n := len(points)
	labels := make([]int, n)
	core := make([]bool, n)
	for i := range labels {
		labels[i] = Noise
	}
	if n == 0 {
		return dbscanResult{labels, core}
	}

	neighbors := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if floats.Distance(points[i], points[j], 2) <= p.Eps {
				out = append(out, j)
			}
		}
		return out
	}

	visited := make([]bool, n)
	next := 0
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		visited[i] = true
		nbrs := neighbors(i)
		if len(nbrs) < p.MinSamples {
			continue
		}
		core[i] = true
		cluster := next
		next++
		labels[i] = cluster

		// Expand over the queue of reachable points.
		queue := append([]int(nil), nbrs...)
		for qi := 0; qi < len(queue); qi++ {
			j := queue[qi]
			if labels[j] == Noise {
				labels[j] = cluster
			}
			if visited[j] {
				continue
			}
			visited[j] = true
			jn := neighbors(j)
			if len(jn) >= p.MinSamples {
				core[j] = true
				queue = append(queue, jn...)
			}
		}
	}

	// Demote undersized clusters to noise, then renumber densely.
	if p.MinClusterSize > 1 {
		counts := make(map[int]int)
		for _, l := range labels {
			if l != Noise {
				counts[l]++
			}
		}
		remap := make(map[int]int)
		keep := 0
		for i, l := range labels {
			if l == Noise {
				continue
			}
			if counts[l] < p.MinClusterSize {
				labels[i] = Noise
				core[i] = false
				continue
			}
			if _, ok := remap[l]; !ok {
				remap[l] = keep
				keep++
			}
			labels[i] = remap[l]
		}
	}
	return dbscanResult{labels, core}
}
