// Package domain defines the core data model, error taxonomy, and validation
// rules for the lexigraph pipeline. It is the boundary where schemaless raw
// records become typed entries.
package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// EmbeddingDims is the fixed dimensionality of entry embeddings.
const EmbeddingDims = 768

// Origin locates a raw record inside its source file.
type Origin struct {
	Path string `json:"path"`
	Line int64  `json:"line"`
}

// RawRecord is an immutable, checksummed record as emitted by a source
// loader. Payload is an opaque structured value; the checksum is computed
// over a canonical serialization of it and is unique across the raw store.
type RawRecord struct {
	SourceID string         `json:"source_id"`
	Payload  map[string]any `json:"payload"`
	Checksum string         `json:"checksum"`
	Origin   Origin         `json:"origin"`
}

// Entry is a cleaned, typed lexical entry.
type Entry struct {
	ID                  string    `json:"id"`
	Headword            string    `json:"headword"`
	IPA                 string    `json:"ipa,omitempty"`
	LanguageCode        string    `json:"language_code"`
	Definition          string    `json:"definition"`
	Etymology           string    `json:"etymology,omitempty"`
	POSTag              string    `json:"pos_tag,omitempty"`
	Embedding           []float32 `json:"embedding,omitempty"`
	RawRef              string    `json:"raw_ref"`
	SourceID            string    `json:"source_id"`
	PipelineFingerprint string    `json:"pipeline_fingerprint"`
	Quality             float64   `json:"quality"`
	ValidationErrors    []string  `json:"validation_errors,omitempty"`
	ConceptID           string    `json:"concept_id,omitempty"`
	ConceptConfidence   float64   `json:"concept_confidence,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// nsEntry is the UUIDv5 namespace for deterministic entry ids.
var nsEntry = uuid.MustParse("8f1a6b2e-7c3d-5e4f-9a0b-1c2d3e4f5a6b")

// EntryID derives the deterministic id for an entry from its headword,
// language code, and primary gloss. Re-ingesting the same entry always
// yields the same id, which is what makes replay idempotent.
func EntryID(headword, languageCode, primaryGloss string) string {
	return uuid.NewSHA1(nsEntry, []byte(headword+"\x00"+languageCode+"\x00"+primaryGloss)).String()
}

// Concept is a discovered cross-lingual semantic cluster.
type Concept struct {
	ID          string    `json:"concept_id"`
	Centroid    []float32 `json:"centroid"`
	MemberCount int       `json:"member_count"`
	Languages   []string  `json:"languages"`
	Confidence  float64   `json:"confidence"`
}

// SimilarityWeights are the component weights of a combined similarity score.
type SimilarityWeights struct {
	Semantic     float64 `json:"semantic"`
	Phonetic     float64 `json:"phonetic"`
	Etymological float64 `json:"etymological"`
}

// SimilarityEdge is a scored pair of entries. EntryA < EntryB always holds;
// use Canonicalize after construction.
type SimilarityEdge struct {
	EntryA        string            `json:"entry_a"`
	EntryB        string            `json:"entry_b"`
	Semantic      float64           `json:"semantic"`
	Phonetic      float64           `json:"phonetic"`
	Etymological  float64           `json:"etymological"`
	Combined      float64           `json:"combined"`
	Weights       SimilarityWeights `json:"weights"`
	PhyloDistance *float64          `json:"phylo_distance,omitempty"`
	Concepts      []string          `json:"concepts,omitempty"`
}

// Canonicalize orders the edge endpoints lexicographically. The canonical
// order doubles as the deduplication key for edge writes.
func (e *SimilarityEdge) Canonicalize() {
	if e.EntryA > e.EntryB {
		e.EntryA, e.EntryB = e.EntryB, e.EntryA
	}
}

// CognateCluster is a connected set of entries believed to share an ancestor.
type CognateCluster struct {
	ID             string   `json:"cluster_id"`
	ConceptID      string   `json:"concept_id,omitempty"`
	Members        []string `json:"members"`
	Languages      []string `json:"languages"`
	Representative string   `json:"representative"`
	Confidence     float64  `json:"confidence"`
}

// Size returns the member count.
func (c CognateCluster) Size() int { return len(c.Members) }

// nsCluster is the UUIDv5 namespace for deterministic cluster ids.
var nsCluster = uuid.MustParse("3b9d0c4a-2e1f-5a6b-8c7d-0e9f8a7b6c5d")

// ClusterID derives a deterministic cluster id from the smallest member id.
func ClusterID(members []string) string {
	if len(members) == 0 {
		return ""
	}
	min := members[0]
	for _, m := range members[1:] {
		if m < min {
			min = m
		}
	}
	return uuid.NewSHA1(nsCluster, []byte(min)).String()
}

// TransformStep is one entry in the append-only transform log of a raw record.
type TransformStep struct {
	RawID       string        `json:"raw_id"`
	StepName    string        `json:"step_name"`
	StepVersion string        `json:"step_version"`
	Params      string        `json:"params,omitempty"`
	At          time.Time     `json:"at"`
	Duration    time.Duration `json:"duration"`
	OK          bool          `json:"ok"`
	Error       string        `json:"error,omitempty"`
}

// Checkpoint records pipeline progress for crash recovery. Cursors map
// source ids to the last cursor whose writes are known committed.
type Checkpoint struct {
	Pipeline  string           `json:"pipeline"`
	At        time.Time        `json:"at"`
	Total     int64            `json:"total"`
	Processed int64            `json:"processed"`
	Succeeded int64            `json:"succeeded"`
	Failed    int64            `json:"failed"`
	Skipped   int64            `json:"skipped"`
	Cursors   map[string]int64 `json:"per_source_cursor"`
}

// LanguagesOf collects the sorted distinct language codes of a set of entries.
func LanguagesOf(entries []Entry) []string {
	seen := make(map[string]struct{})
	for _, e := range entries {
		if e.LanguageCode != "" {
			seen[e.LanguageCode] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
