package cognate

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func cognateEdges() []Edge {
	return []Edge{
		{"eng_father", "deu_vater", 0.85},
		{"eng_father", "lat_pater", 0.82},
		{"deu_vater", "lat_pater", 0.79},
		{"eng_mother", "deu_mutter", 0.88},
	}
}

func TestComponentsCognateSets(t *testing.T) {
	g := Build(cognateEdges(), 0.7)
	comps := g.Components()
	want := [][]string{
		{"deu_mutter", "eng_mother"},
		{"deu_vater", "eng_father", "lat_pater"},
	}
	// Ordered by smallest member: deu_mutter < deu_vater.
	if !reflect.DeepEqual(comps, want) {
		t.Fatalf("components = %v, want %v", comps, want)
	}
}

func TestThresholdDropsWeakEdges(t *testing.T) {
	g := Build(cognateEdges(), 0.8)
	comps := g.Components()
	// 0.79 and 0.88... only edges >= 0.8 survive: father-vater, father-pater, mother-mutter.
	if len(comps) != 2 {
		t.Fatalf("got %d components: %v", len(comps), comps)
	}
	// vater and pater stay connected through father.
	if len(comps[1]) != 3 {
		t.Fatalf("father component = %v", comps)
	}
}

func TestCanonicalityUnderPermutation(t *testing.T) {
	// Spec invariant: component and community labels are invariant under
	// input edge permutations.
	base := cognateEdges()
	g0 := Build(base, 0.7)
	wantComps := g0.Components()
	wantComms := g0.Communities()

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		shuffled := make([]Edge, len(base))
		copy(shuffled, base)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		// Also flip some edge directions; the graph is undirected.
		for i := range shuffled {
			if rng.Intn(2) == 0 {
				shuffled[i].U, shuffled[i].V = shuffled[i].V, shuffled[i].U
			}
		}
		g := Build(shuffled, 0.7)
		if !reflect.DeepEqual(g.Components(), wantComps) {
			t.Fatalf("trial %d: components changed under permutation", trial)
		}
		if !reflect.DeepEqual(g.Communities(), wantComms) {
			t.Fatalf("trial %d: communities changed under permutation", trial)
		}
	}
}

func TestDuplicateEdgesKeepMaxWeight(t *testing.T) {
	g := Build([]Edge{
		{"a", "b", 0.5},
		{"b", "a", 0.9},
	}, 0.1)
	if g.Order() != 2 {
		t.Fatalf("order = %d", g.Order())
	}
	if g.total != 0.9 {
		t.Fatalf("total weight = %v, want max-merged 0.9", g.total)
	}
}

func TestSelfLoopsDropped(t *testing.T) {
	g := Build([]Edge{{"a", "a", 0.99}}, 0.5)
	if g.Order() != 0 {
		t.Fatalf("self-loop created nodes: %d", g.Order())
	}
}

func TestCommunitiesSplitWeaklyLinkedCliques(t *testing.T) {
	// Two tight triangles joined by one weak bridge.
	edges := []Edge{
		{"a1", "a2", 1}, {"a1", "a3", 1}, {"a2", "a3", 1},
		{"b1", "b2", 1}, {"b1", "b3", 1}, {"b2", "b3", 1},
		{"a3", "b1", 0.15},
	}
	g := Build(edges, 0.1)
	comms := g.Communities()
	if len(comms) != 2 {
		t.Fatalf("communities = %v, want the two cliques", comms)
	}
	if !reflect.DeepEqual(comms[0], []string{"a1", "a2", "a3"}) {
		t.Fatalf("first community = %v", comms[0])
	}
}

func TestPageRankSumsToOne(t *testing.T) {
	g := Build(cognateEdges(), 0.7)
	ranks := g.PageRank(DefaultDamping, DefaultIterations)
	var sum float64
	for _, r := range ranks {
		sum += r
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("ranks sum to %v", sum)
	}
}

func TestPageRankHubOutranksLeaves(t *testing.T) {
	g := Build([]Edge{
		{"hub", "l1", 1}, {"hub", "l2", 1}, {"hub", "l3", 1},
	}, 0.5)
	ranks := g.PageRank(0.85, 100)
	for _, leaf := range []string{"l1", "l2", "l3"} {
		if ranks["hub"] <= ranks[leaf] {
			t.Fatalf("hub %v <= leaf %v", ranks["hub"], ranks[leaf])
		}
	}
}

func TestPageRankEmptyGraph(t *testing.T) {
	g := Build(nil, 0.5)
	if len(g.PageRank(0.85, 10)) != 0 {
		t.Fatal("empty graph has no ranks")
	}
}

func TestClusters(t *testing.T) {
	langs := map[string]string{
		"eng_father": "en", "deu_vater": "de", "lat_pater": "la",
		"eng_mother": "en", "deu_mutter": "de",
	}
	g := Build(cognateEdges(), 0.7)
	clusters := g.Clusters(func(id string) string { return langs[id] })
	if len(clusters) != 2 {
		t.Fatalf("got %d clusters", len(clusters))
	}

	father := clusters[1] // ordered by smallest member: mutter cluster first
	if father.Size() != 3 {
		t.Fatalf("father cluster = %+v", father)
	}
	if !reflect.DeepEqual(father.Languages, []string{"de", "en", "la"}) {
		t.Fatalf("languages = %v", father.Languages)
	}
	if father.Confidence <= 0 || father.Confidence > 1 {
		t.Fatalf("confidence = %v", father.Confidence)
	}
	if father.Representative == "" || father.ID == "" {
		t.Fatalf("cluster incomplete: %+v", father)
	}

	// Deterministic id: same members, same id.
	again := g.Clusters(func(id string) string { return langs[id] })
	if again[1].ID != father.ID {
		t.Fatal("cluster id must be deterministic")
	}
}
