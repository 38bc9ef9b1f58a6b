package concept

import (
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/lexigraph/lexigraph/engine/domain"
)

// nsConcept is the UUIDv5 namespace for deterministic concept ids.
var nsConcept = uuid.MustParse("5c2e8d1a-9f0b-5c4d-8e7f-6a5b4c3d2e1f")

// Member is one clustering input: an entry with its embedding.
type Member struct {
	EntryID      string
	LanguageCode string
	Embedding    []float32
}

// Assignment is the per-entry outcome of a discovery run.
type Assignment struct {
	EntryID    string
	ConceptID  string // empty for unclustered entries
	Confidence float64
}

// Aligner discovers concepts from embedded entries and assigns new
// embeddings to the nearest discovered centroid.
type Aligner struct {
	params    ClusterParams
	threshold float64 // minimum cosine for Assign
	concepts  []domain.Concept
}

// NewAligner creates an aligner. threshold is the minimum centroid cosine
// below which Assign answers unknown.
func NewAligner(params ClusterParams, threshold float64) *Aligner {
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Aligner{params: params, threshold: threshold}
}

// Concepts returns the discovered concepts, ordered by concept id.
func (a *Aligner) Concepts() []domain.Concept {
	out := make([]domain.Concept, len(a.concepts))
	copy(out, a.concepts)
	return out
}

// Discover clusters the members and derives one concept per cluster: the
// centroid over original embeddings, the languages covered, and a
// confidence equal to the cluster's core-point fraction. Members are
// sorted by entry id first so the same input set always yields the same
// concepts regardless of arrival order.
func (a *Aligner) Discover(members []Member) []Assignment {
	ms := make([]Member, len(members))
	copy(ms, members)
	sort.Slice(ms, func(i, j int) bool { return ms[i].EntryID < ms[j].EntryID })

	if len(ms) == 0 {
		a.concepts = nil
		return nil
	}

	proj := NewProjector(len(ms[0].Embedding), ProjectionDims)
	points := make([][]float64, len(ms))
	for i, m := range ms {
		points[i] = proj.Project(m.Embedding)
	}

	res := dbscan(points, a.params)

	// Group members by label.
	byLabel := make(map[int][]int)
	for i, l := range res.labels {
		if l != Noise {
			byLabel[l] = append(byLabel[l], i)
		}
	}
	labels := make([]int, 0, len(byLabel))
	for l := range byLabel {
		labels = append(labels, l)
	}
	sort.Ints(labels)

	a.concepts = a.concepts[:0]
	assignments := make([]Assignment, len(ms))
	for i, m := range ms {
		assignments[i] = Assignment{EntryID: m.EntryID}
	}

	for _, l := range labels {
		idxs := byLabel[l]
		dims := len(ms[idxs[0]].Embedding)
		centroid := make([]float32, dims)
		langs := make(map[string]struct{})
		coreCount := 0
		memberIDs := make([]string, 0, len(idxs))

		for _, i := range idxs {
			m := ms[i]
			for d, v := range m.Embedding {
				centroid[d] += v
			}
			if m.LanguageCode != "" {
				langs[m.LanguageCode] = struct{}{}
			}
			if res.core[i] {
				coreCount++
			}
			memberIDs = append(memberIDs, m.EntryID)
		}
		for d := range centroid {
			centroid[d] /= float32(len(idxs))
		}
		languages := make([]string, 0, len(langs))
		for lg := range langs {
			languages = append(languages, lg)
		}
		sort.Strings(languages)

		confidence := float64(coreCount) / float64(len(idxs))
		id := conceptID(memberIDs)
		a.concepts = append(a.concepts, domain.Concept{
			ID:          id,
			Centroid:    centroid,
			MemberCount: len(idxs),
			Languages:   languages,
			Confidence:  confidence,
		})
		for _, i := range idxs {
			assignments[i].ConceptID = id
			assignments[i].Confidence = confidence
		}
	}

	sort.Slice(a.concepts, func(i, j int) bool { return a.concepts[i].ID < a.concepts[j].ID })
	return assignments
}

// conceptID derives a deterministic id from the smallest member entry id.
func conceptID(memberIDs []string) string {
	min := memberIDs[0]
	for _, m := range memberIDs[1:] {
		if m < min {
			min = m
		}
	}
	return uuid.NewSHA1(nsConcept, []byte(min)).String()
}

// Assign maps an embedding to the nearest concept centroid by cosine.
// Below the threshold the entry stays unknown (empty concept id).
func (a *Aligner) Assign(embedding []float32) (conceptID string, similarity float64) {
	best := ""
	bestSim := -1.0
	for _, c := range a.concepts {
		if sim := Cosine(embedding, c.Centroid); sim > bestSim {
			best, bestSim = c.ID, sim
		}
	}
	if bestSim < a.threshold {
		return "", bestSim
	}
	return best, bestSim
}

// Cosine is the cosine similarity of two vectors, zero when either is zero.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
