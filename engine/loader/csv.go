package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/lexigraph/lexigraph/engine/domain"
)

// CSVWordlist loads comparative wordlists: the header row names a concept
// column plus one column per language, and each cell holds that language's
// word for the row's concept. One record is emitted per non-empty cell.
type CSVWordlist struct{}

func (l *CSVWordlist) Format() string { return "csv" }

// conceptColumns are header names recognised as the concept column.
var conceptColumns = map[string]bool{
	"concept": true, "gloss": true, "meaning": true, "parameter": true,
}

func (l *CSVWordlist) Load(ctx context.Context, path, sourceID string, sink Sink) error {
	f, err := os.Open(path)
	if err != nil {
		return domain.Ef(domain.KindResourceMissing, "loader.csv", "open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return domain.Ef(domain.KindFatal, "loader.csv", "read header %s: %w", path, err)
	}
	conceptCol := -1
	langCols := make(map[int]string) // column index -> canonical language
	for i, name := range header {
		n := strings.ToLower(strings.TrimSpace(name))
		if conceptCol < 0 && conceptColumns[n] {
			conceptCol = i
			continue
		}
		if code, ok := domain.CanonicalLanguage(n); ok {
			langCols[i] = code
		}
	}
	if conceptCol < 0 {
		conceptCol = 0 // wordlists conventionally lead with the concept
	}
	if len(langCols) == 0 {
		return domain.Ef(domain.KindFatal, "loader.csv", "%s: no language columns in header", path)
	}

	var lineNo int64 = 1
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		lineNo++
		origin := domain.Origin{Path: path, Line: lineNo}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				sink.Skip(origin, domain.E(domain.KindInvalid, "loader.csv", err))
				continue
			}
			return domain.Ef(domain.KindFatal, "loader.csv", "read %s: %w", path, err)
		}
		if conceptCol >= len(row) {
			sink.Skip(origin, domain.Ef(domain.KindInvalid, "loader.csv", "row shorter than concept column"))
			continue
		}
		concept := strings.TrimSpace(row[conceptCol])
		for i := 0; i < len(row); i++ {
			lang, ok := langCols[i]
			if !ok {
				continue
			}
			word := strings.TrimSpace(row[i])
			if word == "" {
				continue
			}
			payload := map[string]any{
				"word":      word,
				"lang_code": lang,
				"gloss":     concept,
			}
			if err := sink.Emit(ctx, record(sourceID, payload, origin)); err != nil {
				return err
			}
		}
	}
}
