package similar

import (
	"github.com/lexigraph/lexigraph/engine/concept"
	"github.com/lexigraph/lexigraph/engine/domain"
	"github.com/lexigraph/lexigraph/engine/phonetic"
)

// Intent names a recognised weighting of the component scores.
type Intent string

const (
	IntentBalanced   Intent = "balanced"
	IntentCognate    Intent = "cognate"
	IntentSemantic   Intent = "semantic"
	IntentHistorical Intent = "historical"
)

// presets are the recognised weight sets. Each sums to 1.
var presets = map[Intent]domain.SimilarityWeights{
	IntentBalanced:   {Semantic: 0.4, Phonetic: 0.4, Etymological: 0.2},
	IntentCognate:    {Semantic: 0.3, Phonetic: 0.6, Etymological: 0.1},
	IntentSemantic:   {Semantic: 0.7, Phonetic: 0.2, Etymological: 0.1},
	IntentHistorical: {Semantic: 0.1, Phonetic: 0.4, Etymological: 0.5},
}

// WeightsFor returns the preset weights for an intent.
func WeightsFor(intent Intent) (domain.SimilarityWeights, bool) {
	w, ok := presets[intent]
	return w, ok
}

// Composer scores entry pairs. The phylo table may be nil; pairs without a
// cached phylogenetic distance drop the etymological component and
// renormalize the remaining weights.
type Composer struct {
	phylo *PhyloTable
}

// NewComposer creates a composer over an optional phylo table.
func NewComposer(phylo *PhyloTable) *Composer {
	return &Composer{phylo: phylo}
}

// Score computes the combined similarity edge for a pair of entries under
// the named intent. Component scores are clamped to [0,1] before mixing,
// so the combined score is in [0,1] by construction.
func (c *Composer) Score(a, b domain.Entry, intent Intent) (domain.SimilarityEdge, error) {
	weights, ok := presets[intent]
	if !ok {
		return domain.SimilarityEdge{}, domain.Ef(domain.KindInvalid, "similar", "unknown intent %q", intent)
	}

	edge := domain.SimilarityEdge{
		EntryA:   a.ID,
		EntryB:   b.ID,
		Semantic: clamp01(concept.Cosine(a.Embedding, b.Embedding)),
		Phonetic: clamp01(phonetic.Similarity(a.IPA, b.IPA)),
	}

	if p, found := c.phylo.Lookup(a.LanguageCode, b.LanguageCode); found {
		d := p.TreeDistance
		edge.PhyloDistance = &d
		edge.Etymological = clamp01(p.Prior)
	} else {
		// No phylogenetic information: fold its weight into the others.
		total := weights.Semantic + weights.Phonetic
		if total > 0 {
			weights = domain.SimilarityWeights{
				Semantic: weights.Semantic / total,
				Phonetic: weights.Phonetic / total,
			}
		}
	}

	edge.Weights = weights
	edge.Combined = clamp01(weights.Semantic*edge.Semantic +
		weights.Phonetic*edge.Phonetic +
		weights.Etymological*edge.Etymological)

	if a.ConceptID != "" || b.ConceptID != "" {
		set := map[string]struct{}{}
		for _, id := range []string{a.ConceptID, b.ConceptID} {
			if id != "" {
				set[id] = struct{}{}
			}
		}
		for id := range set {
			edge.Concepts = append(edge.Concepts, id)
		}
		if len(edge.Concepts) == 2 && edge.Concepts[0] > edge.Concepts[1] {
			edge.Concepts[0], edge.Concepts[1] = edge.Concepts[1], edge.Concepts[0]
		}
	}

	edge.Canonicalize()
	return edge, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
