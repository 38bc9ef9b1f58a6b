// Package cognate turns similarity edges into cognate sets: an in-memory
// weighted graph with connected components, community detection, and
// PageRank, plus Neo4j persistence for the resulting clusters.
package cognate

import (
	"sort"
)

// Edge is one weighted similarity edge between entry ids.
type Edge struct {
	U, V string
	W    float64
}

type halfEdge struct {
	to int
	w  float64
}

// Graph is an undirected weighted graph over entry ids. Node order is the
// sorted id order, which makes every derived labeling canonical: the same
// edge set yields the same graph regardless of input permutation.
type Graph struct {
	ids   []string
	index map[string]int
	adj   [][]halfEdge
	self  []float64 // self-loop weight per node (aggregated levels only)
	total float64   // sum of edge weights, self-loops included
}

// Build constructs a graph keeping only edges with weight >= tau.
// Duplicate pairs keep their maximum weight; self-loops are dropped.
func Build(edges []Edge, tau float64) *Graph {
	type key struct{ a, b int }

	idSet := make(map[string]struct{})
	for _, e := range edges {
		if e.W < tau || e.U == e.V {
			continue
		}
		idSet[e.U] = struct{}{}
		idSet[e.V] = struct{}{}
	}
	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	weights := make(map[key]float64)
	for _, e := range edges {
		if e.W < tau || e.U == e.V {
			continue
		}
		a, b := index[e.U], index[e.V]
		if a > b {
			a, b = b, a
		}
		k := key{a, b}
		if w, ok := weights[k]; !ok || e.W > w {
			weights[k] = e.W
		}
	}

	g := &Graph{ids: ids, index: index, adj: make([][]halfEdge, len(ids))}
	for k, w := range weights {
		g.adj[k.a] = append(g.adj[k.a], halfEdge{to: k.b, w: w})
		g.adj[k.b] = append(g.adj[k.b], halfEdge{to: k.a, w: w})
		g.total += w
	}
	for _, nbrs := range g.adj {
		sort.Slice(nbrs, func(i, j int) bool { return nbrs[i].to < nbrs[j].to })
	}
	return g
}

// Order returns the node count.
func (g *Graph) Order() int { return len(g.ids) }

// Nodes returns the node ids in canonical (sorted) order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.ids))
	copy(out, g.ids)
	return out
}

// degree returns the weighted degree of node i. A self-loop counts twice,
// per the usual modularity convention.
func (g *Graph) degree(i int) float64 {
	var d float64
	for _, h := range g.adj[i] {
		d += h.w
	}
	if g.self != nil {
		d += 2 * g.self[i]
	}
	return d
}

// Components returns the connected components as member-id slices.
// Components are ordered by their smallest member id, and members within a
// component are sorted, so labels are invariant under edge permutations.
func (g *Graph) Components() [][]string {
	parent := make([]int, len(g.ids))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		// Attach the larger root under the smaller so roots stay minimal.
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}
	for i, nbrs := range g.adj {
		for _, h := range nbrs {
			if h.to > i {
				union(i, h.to)
			}
		}
	}

	groups := make(map[int][]string)
	for i := range g.ids {
		r := find(i)
		groups[r] = append(groups[r], g.ids[i])
	}
	roots := make([]int, 0, len(groups))
	for r := range groups {
		roots = append(roots, r)
	}
	sort.Ints(roots)

	out := make([][]string, 0, len(roots))
	for _, r := range roots {
		members := groups[r]
		sort.Strings(members)
		out = append(out, members)
	}
	return out
}
