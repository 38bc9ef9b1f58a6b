package similar

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/lexigraph/lexigraph/engine/domain"
)

func TestPresetWeightsSumToOne(t *testing.T) {
	for _, intent := range []Intent{IntentBalanced, IntentCognate, IntentSemantic, IntentHistorical} {
		w, ok := WeightsFor(intent)
		if !ok {
			t.Fatalf("preset %s missing", intent)
		}
		sum := w.Semantic + w.Phonetic + w.Etymological
		if math.Abs(sum-1) > 1e-9 {
			t.Fatalf("preset %s sums to %v", intent, sum)
		}
	}
	if _, ok := WeightsFor("bogus"); ok {
		t.Fatal("unknown preset must not resolve")
	}
}

func pairEntries() (domain.Entry, domain.Entry) {
	emb := func(vals ...float32) []float32 {
		out := make([]float32, 16)
		copy(out, vals)
		return out
	}
	a := domain.Entry{
		ID: "id-a", Headword: "father", LanguageCode: "en",
		IPA: "ˈfɑːðə", Embedding: emb(1, 0.2, 0.1),
	}
	b := domain.Entry{
		ID: "id-b", Headword: "vater", LanguageCode: "de",
		IPA: "ˈfaːtɐ", Embedding: emb(0.9, 0.3, 0.1),
	}
	return a, b
}

func TestScoreCombinedInRange(t *testing.T) {
	a, b := pairEntries()
	c := NewComposer(nil)
	for _, intent := range []Intent{IntentBalanced, IntentCognate, IntentSemantic, IntentHistorical} {
		edge, err := c.Score(a, b, intent)
		if err != nil {
			t.Fatalf("%s: %v", intent, err)
		}
		for name, v := range map[string]float64{
			"semantic": edge.Semantic, "phonetic": edge.Phonetic,
			"etymological": edge.Etymological, "combined": edge.Combined,
		} {
			if v < 0 || v > 1 {
				t.Fatalf("%s/%s = %v out of [0,1]", intent, name, v)
			}
		}
	}
}

func TestScoreUnknownIntent(t *testing.T) {
	a, b := pairEntries()
	if _, err := NewComposer(nil).Score(a, b, "nonsense"); err == nil {
		t.Fatal("unknown intent must error")
	}
}

func TestScoreCanonicalOrder(t *testing.T) {
	a, b := pairEntries()
	c := NewComposer(nil)
	ab, _ := c.Score(a, b, IntentBalanced)
	ba, _ := c.Score(b, a, IntentBalanced)
	if ab.EntryA != ba.EntryA || ab.EntryB != ba.EntryB {
		t.Fatal("edges must canonicalize to entry_a < entry_b")
	}
	if ab.EntryA != "id-a" || ab.EntryB != "id-b" {
		t.Fatalf("canonical order = %s,%s", ab.EntryA, ab.EntryB)
	}
	if ab.Combined != ba.Combined {
		t.Fatal("score must be symmetric")
	}
}

func TestMissingPhyloRenormalizes(t *testing.T) {
	a, b := pairEntries()
	edge, err := NewComposer(nil).Score(a, b, IntentBalanced)
	if err != nil {
		t.Fatal(err)
	}
	if edge.PhyloDistance != nil {
		t.Fatal("no table, no distance")
	}
	if edge.Weights.Etymological != 0 {
		t.Fatalf("etymological weight = %v, want 0", edge.Weights.Etymological)
	}
	sum := edge.Weights.Semantic + edge.Weights.Phonetic
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("renormalized weights sum to %v", sum)
	}
	// balanced 0.4/0.4 renormalizes to 0.5/0.5.
	if math.Abs(edge.Weights.Semantic-0.5) > 1e-9 {
		t.Fatalf("semantic weight = %v", edge.Weights.Semantic)
	}
}

func TestPhyloPrior(t *testing.T) {
	table := NewPhyloTable([]PhyloPair{
		{LangA: "de", LangB: "en", TreeDistance: 2, Prior: 0.8},
	})
	a, b := pairEntries()
	edge, err := NewComposer(table).Score(a, b, IntentHistorical)
	if err != nil {
		t.Fatal(err)
	}
	if edge.PhyloDistance == nil || *edge.PhyloDistance != 2 {
		t.Fatalf("phylo distance = %v", edge.PhyloDistance)
	}
	if edge.Etymological != 0.8 {
		t.Fatalf("etymological = %v", edge.Etymological)
	}
	if edge.Weights.Etymological != 0.5 {
		t.Fatalf("historical preset lost: %+v", edge.Weights)
	}
}

func TestPhyloTableLookupEitherOrder(t *testing.T) {
	table := NewPhyloTable([]PhyloPair{{LangA: "en", LangB: "la", TreeDistance: 4, Prior: 0.3}})
	if _, ok := table.Lookup("la", "en"); !ok {
		t.Fatal("lookup must work in either order")
	}
	if _, ok := table.Lookup("en", "zz"); ok {
		t.Fatal("missing pair must not resolve")
	}
	// Pairs handed in reversed still canonicalize.
	rev := NewPhyloTable([]PhyloPair{{LangA: "la", LangB: "en", TreeDistance: 4, Prior: 0.3}})
	if p, ok := rev.Lookup("en", "la"); !ok || p.LangA != "en" {
		t.Fatalf("reversed pair not canonicalized: %+v ok=%v", p, ok)
	}
}

func TestLoadPhyloTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phylo.csv")
	content := "lang_a,lang_b,tree_distance,prior\nde,en,2,0.8\nen,la,4,0.3\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	table, err := LoadPhyloTable(path)
	if err != nil {
		t.Fatal(err)
	}
	if table.Len() != 2 {
		t.Fatalf("len = %d", table.Len())
	}
	p, ok := table.Lookup("en", "de")
	if !ok || p.Prior != 0.8 {
		t.Fatalf("lookup = %+v ok=%v", p, ok)
	}
}

func TestLoadPhyloTableMissing(t *testing.T) {
	_, err := LoadPhyloTable("/nonexistent/phylo.csv")
	if err == nil {
		t.Fatal("missing table must error")
	}
	if domain.KindOf(err) != domain.KindResourceMissing {
		t.Fatalf("kind = %v", domain.KindOf(err))
	}
}

func TestConceptsOnEdge(t *testing.T) {
	a, b := pairEntries()
	a.ConceptID = "concept-z"
	b.ConceptID = "concept-a"
	edge, err := NewComposer(nil).Score(a, b, IntentBalanced)
	if err != nil {
		t.Fatal(err)
	}
	if len(edge.Concepts) != 2 || edge.Concepts[0] != "concept-a" {
		t.Fatalf("concepts = %v", edge.Concepts)
	}
}
