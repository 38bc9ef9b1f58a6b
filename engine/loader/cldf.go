package loader

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lexigraph/lexigraph/engine/domain"
)

// CLDF loads Cross-Linguistic Data Format datasets: a JSON metadata
// descriptor referencing one or more delimited tables. Tables are streamed
// row by row; the descriptor is the only part held in memory.
type CLDF struct{}

func (l *CLDF) Format() string { return "cldf" }

type cldfDescriptor struct {
	Tables []cldfTable `json:"tables"`
}

type cldfTable struct {
	URL     string `json:"url"`
	Dialect struct {
		Delimiter string `json:"delimiter"`
	} `json:"dialect"`
	TableSchema struct {
		Columns []struct {
			Name        string `json:"name"`
			PropertyURL string `json:"propertyUrl"`
		} `json:"columns"`
	} `json:"tableSchema"`
}

// cldfPayloadKey maps CLDF column names (and propertyUrl terms) onto the
// shared payload key set the cleaners probe for.
func cldfPayloadKey(name, propertyURL string) string {
	if i := strings.LastIndexByte(propertyURL, '#'); i >= 0 {
		propertyURL = propertyURL[i+1:]
	}
	for _, candidate := range []string{propertyURL, name} {
		switch strings.ToLower(candidate) {
		case "form", "value", "word":
			return "word"
		case "languagereference", "language_id", "language", "doculect":
			return "lang_code"
		case "parameterreference", "parameter_id", "concept", "meaning", "gloss":
			return "gloss"
		case "segments", "ipa", "transcription":
			return "ipa"
		case "comment", "etymology":
			return "etymology_text"
		}
	}
	return ""
}

func (l *CLDF) Load(ctx context.Context, path, sourceID string, sink Sink) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Ef(domain.KindResourceMissing, "loader.cldf", "open %s: %w", path, err)
	}
	var desc cldfDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return domain.Ef(domain.KindFatal, "loader.cldf", "descriptor %s: %w", path, err)
	}
	if len(desc.Tables) == 0 {
		return domain.Ef(domain.KindFatal, "loader.cldf", "%s: descriptor references no tables", path)
	}

	base := filepath.Dir(path)
	for _, table := range desc.Tables {
		if err := l.loadTable(ctx, base, table, sourceID, sink); err != nil {
			return err
		}
	}
	return nil
}

func (l *CLDF) loadTable(ctx context.Context, base string, table cldfTable, sourceID string, sink Sink) error {
	tablePath := filepath.Join(base, table.URL)
	f, err := os.Open(tablePath)
	if err != nil {
		return domain.Ef(domain.KindResourceMissing, "loader.cldf", "open table %s: %w", tablePath, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true
	if d := table.Dialect.Delimiter; len(d) == 1 {
		r.Comma = rune(d[0])
	}

	header, err := r.Read()
	if err != nil {
		return domain.Ef(domain.KindFatal, "loader.cldf", "read header %s: %w", tablePath, err)
	}

	// Column keys come from the descriptor schema when present, otherwise
	// from the header itself.
	keyByCol := make(map[int]string)
	schema := table.TableSchema.Columns
	for i, name := range header {
		prop := ""
		if i < len(schema) {
			prop = schema[i].PropertyURL
			if schema[i].Name != "" {
				name = schema[i].Name
			}
		}
		if k := cldfPayloadKey(name, prop); k != "" {
			keyByCol[i] = k
		}
	}
	if len(keyByCol) == 0 {
		// A table with no recognisable columns (sources, notes) is not an
		// error; it simply yields nothing.
		return nil
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
		origin := domain.Origin{Path: tablePath, Line: lineNo}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				sink.Skip(origin, domain.E(domain.KindInvalid, "loader.cldf", err))
				continue
			}
			return domain.Ef(domain.KindFatal, "loader.cldf", "read %s: %w", tablePath, err)
		}

		payload := make(map[string]any, len(keyByCol))
		for i, key := range keyByCol {
			if i < len(row) {
				if v := strings.TrimSpace(row[i]); v != "" {
					payload[key] = v
				}
			}
		}
		if _, ok := payload["word"]; !ok {
			continue // non-form row (parameters table, sources table)
		}
		if err := sink.Emit(ctx, record(sourceID, payload, origin)); err != nil {
			return err
		}
	}
}
