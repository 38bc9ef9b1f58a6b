package cognate

import (
	"sort"

	"github.com/lexigraph/lexigraph/engine/domain"
)

// Clusters converts the graph's connected components into cognate
// clusters. The representative is the component's highest-PageRank member
// (ties go to the lower id); confidence is the mean weight of the
// component's internal edges, clamped to [0,1].
func (g *Graph) Clusters(languageOf func(entryID string) string) []domain.CognateCluster {
	ranks := g.PageRank(DefaultDamping, DefaultIterations)
	comps := g.Components()

	out := make([]domain.CognateCluster, 0, len(comps))
	for _, members := range comps {
		rep := members[0]
		for _, m := range members[1:] {
			if ranks[m] > ranks[rep] || (ranks[m] == ranks[rep] && m < rep) {
				rep = m
			}
		}

		langSet := make(map[string]struct{})
		for _, m := range members {
			if languageOf != nil {
				if l := languageOf(m); l != "" {
					langSet[l] = struct{}{}
				}
			}
		}
		languages := make([]string, 0, len(langSet))
		for l := range langSet {
			languages = append(languages, l)
		}
		sort.Strings(languages)

		out = append(out, domain.CognateCluster{
			ID:             domain.ClusterID(members),
			Members:        members,
			Languages:      languages,
			Representative: rep,
			Confidence:     g.meanInternalWeight(members),
		})
	}
	return out
}

// meanInternalWeight averages the weights of edges with both ends inside
// the member set.
func (g *Graph) meanInternalWeight(members []string) float64 {
	in := make(map[int]bool, len(members))
	for _, m := range members {
		if i, ok := g.index[m]; ok {
			in[i] = true
		}
	}
	var sum float64
	var n int
	for i := range in {
		for _, h := range g.adj[i] {
			if h.to > i && in[h.to] {
				sum += h.w
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	if mean > 1 {
		mean = 1
	}
	return mean
}
