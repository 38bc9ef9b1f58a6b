package loader

import (
	"bufio"
	"context"
	"encoding/json"
	"os"

	"github.com/lexigraph/lexigraph/engine/domain"
)

// maxLineBytes bounds a single JSONL line. Wiktionary dumps contain entries
// with hundreds of senses; 8 MiB covers the worst observed.
const maxLineBytes = 8 << 20

// JSONLines loads line-delimited JSON objects, one record per line.
// This is the Wiktionary (kaikki.org) dump format: objects with keys
// word, lang_code, pos, senses[].glosses[], sounds[].ipa, etymology_text.
type JSONLines struct{}

func (l *JSONLines) Format() string { return "jsonl" }

func (l *JSONLines) Load(ctx context.Context, path, sourceID string, sink Sink) error {
	f, err := os.Open(path)
	if err != nil {
		return domain.Ef(domain.KindResourceMissing, "loader.jsonl", "open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)

	var lineNo int64
	for sc.Scan() {
		lineNo++
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		origin := domain.Origin{Path: path, Line: lineNo}

		var payload map[string]any
		if err := json.Unmarshal(line, &payload); err != nil {
			sink.Skip(origin, domain.E(domain.KindInvalid, "loader.jsonl", err))
			continue
		}
		if err := sink.Emit(ctx, record(sourceID, payload, origin)); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return domain.Ef(domain.KindFatal, "loader.jsonl", "scan %s: %w", path, err)
	}
	return nil
}
