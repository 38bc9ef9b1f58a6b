// Package cleaner turns schemaless raw records into typed entries through
// an ordered composition of pure, versioned transformations. It is the only
// boundary in the system where untyped payloads become domain.Entry values.
package cleaner

import (
	"strings"
	"time"

	"github.com/lexigraph/lexigraph/engine/domain"
)

// Record is the working value passed through the cleaner chain. Cleaners
// receive and return it by value; the embedded raw record is never touched.
type Record struct {
	Raw          domain.RawRecord
	Headword     string
	IPA          string
	LanguageCode string
	Definition   string
	Etymology    string
	POSTag       string
}

// Cleaner is a pure, versioned, deterministic transformation over a Record.
// Clean must be safe for concurrent use and must not depend on call order
// or any global state.
type Cleaner interface {
	Name() string
	Version() string
	Clean(Record) Record
	Validate(Record) bool
}

// Applied is the result of running a pipeline over one record.
type Applied struct {
	Record Record
	Steps  []domain.TransformStep
	Failed bool
	Err    error
}

// Pipeline is an ordered cleaner composition. With Strict set, a failing
// Validate short-circuits and marks the record failed; otherwise the
// failure is recorded in the transform log and processing continues.
type Pipeline struct {
	cleaners []Cleaner
	strict   bool
	fp       string
}

// NewPipeline composes cleaners in order.
func NewPipeline(strict bool, cleaners ...Cleaner) *Pipeline {
	parts := make([]string, len(cleaners))
	for i, c := range cleaners {
		parts[i] = c.Name() + "@" + c.Version()
	}
	return &Pipeline{cleaners: cleaners, strict: strict, fp: strings.Join(parts, ",")}
}

// Default returns the standard cleaner composition.
func Default(strict bool) *Pipeline {
	return NewPipeline(strict,
		HeadwordStripper{},
		TextNormalizer{Casefold: false},
		IPANormalizer{},
		LanguageCanonicalizer{},
		DefinitionCleaner{},
	)
}

// Fingerprint identifies this pipeline: the ordered list of name@version
// steps, comma-joined. Order matters; a reordered pipeline is a different
// pipeline. The lexicographic ordering of fingerprints is the monotone
// ordering used by entry upserts.
func (p *Pipeline) Fingerprint() string { return p.fp }

// Apply runs each cleaner in turn, recording one transform step per
// cleaner. now is injected so replays produce stable logs under test.
func (p *Pipeline) Apply(rec Record, now func() time.Time) Applied {
	if now == nil {
		now = time.Now
	}
	out := Applied{Record: rec}
	for _, c := range p.cleaners {
		start := now()
		cleaned := c.Clean(out.Record)
		ok := c.Validate(cleaned)
		step := domain.TransformStep{
			RawID:       rec.Raw.Checksum,
			StepName:    c.Name(),
			StepVersion: c.Version(),
			At:          start,
			Duration:    now().Sub(start),
			OK:          ok,
		}
		if !ok {
			step.Error = c.Name() + ": validation failed"
		}
		out.Steps = append(out.Steps, step)
		out.Record = cleaned
		if !ok {
			out.Err = domain.Ef(domain.KindInvalid, "cleaner."+c.Name(), "validation failed for %q", cleaned.Headword)
			if p.strict {
				out.Failed = true
				return out
			}
		}
	}
	return out
}

// ApplyMany applies the pipeline to each record, preserving input order.
func (p *Pipeline) ApplyMany(recs []Record, now func() time.Time) []Applied {
	out := make([]Applied, len(recs))
	for i, r := range recs {
		out[i] = p.Apply(r, now)
	}
	return out
}

// ToEntry converts a cleaned record into a typed entry stamped with this
// pipeline's fingerprint. Validation errors and quality are filled by the
// validator stage downstream.
func (p *Pipeline) ToEntry(rec Record, createdAt time.Time) domain.Entry {
	return domain.Entry{
		ID:                  domain.EntryID(rec.Headword, rec.LanguageCode, rec.Definition),
		Headword:            rec.Headword,
		IPA:                 rec.IPA,
		LanguageCode:        rec.LanguageCode,
		Definition:          rec.Definition,
		Etymology:           rec.Etymology,
		POSTag:              rec.POSTag,
		RawRef:              rec.Raw.Checksum,
		SourceID:            rec.Raw.SourceID,
		PipelineFingerprint: p.fp,
		CreatedAt:           createdAt,
	}
}
