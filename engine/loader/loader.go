// Package loader streams raw records out of dictionary source files. Each
// loader parses one format (JSONL, CLDF, Starling, TEI, CSV), emits
// checksummed records in constant memory, and never buffers a whole file.
package loader

import (
	"context"
	"fmt"

	"github.com/lexigraph/lexigraph/engine/domain"
)

// Sink receives loader output. Emit hands over a parsed record and may
// block (the pipeline applies backpressure through it); Skip records a
// per-record parse failure that the loader recovers from.
type Sink interface {
	Emit(ctx context.Context, rec domain.RawRecord) error
	Skip(origin domain.Origin, err error)
}

// Loader streams raw records from one input file.
type Loader interface {
	// Format returns the format name this loader handles.
	Format() string
	// Load parses the file at path and pushes records into sink. A
	// format-level fatal problem (unreadable file, broken descriptor)
	// terminates the load with a typed error; single bad records go to
	// sink.Skip and parsing continues.
	Load(ctx context.Context, path, sourceID string, sink Sink) error
}

// ForFormat returns the loader for a format name.
func ForFormat(format string) (Loader, error) {
	switch format {
	case "json", "jsonl":
		return &JSONLines{}, nil
	case "cldf":
		return &CLDF{}, nil
	case "starling":
		return &Starling{}, nil
	case "tei":
		return &TEI{}, nil
	case "csv":
		return &CSVWordlist{}, nil
	}
	return nil, domain.Ef(domain.KindFatal, "loader", "unsupported format %q", format)
}

// record assembles a RawRecord with its content checksum.
func record(sourceID string, payload map[string]any, origin domain.Origin) domain.RawRecord {
	return domain.RawRecord{
		SourceID: sourceID,
		Payload:  payload,
		Checksum: Checksum(payload),
		Origin:   origin,
	}
}

// FuncSink adapts plain functions to the Sink interface.
type FuncSink struct {
	EmitF func(ctx context.Context, rec domain.RawRecord) error
	SkipF func(origin domain.Origin, err error)
}

func (s *FuncSink) Emit(ctx context.Context, rec domain.RawRecord) error {
	if s.EmitF == nil {
		return nil
	}
	return s.EmitF(ctx, rec)
}

func (s *FuncSink) Skip(origin domain.Origin, err error) {
	if s.SkipF != nil {
		s.SkipF(origin, err)
	}
}

// CollectSink buffers everything in memory. Test helper and small-file path.
type CollectSink struct {
	Records []domain.RawRecord
	Skipped []error
}

func (s *CollectSink) Emit(_ context.Context, rec domain.RawRecord) error {
	s.Records = append(s.Records, rec)
	return nil
}

func (s *CollectSink) Skip(origin domain.Origin, err error) {
	s.Skipped = append(s.Skipped, fmt.Errorf("%s:%d: %w", origin.Path, origin.Line, err))
}
