package loader

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/lexigraph/lexigraph/engine/domain"
)

// Starling loads STARLING database exports: blocks of backslash-marker
// lines terminated by a blank line. Recognised markers:
//
//	\lx lexeme   \ph phonetic   \lg language
//	\ps part of speech   \de definition   \et etymology
type Starling struct{}

func (l *Starling) Format() string { return "starling" }

var starlingKeys = map[string]string{
	"lx": "word",
	"ph": "ipa",
	"lg": "lang_code",
	"ps": "pos",
	"de": "gloss",
	"et": "etymology_text",
}

func (l *Starling) Load(ctx context.Context, path, sourceID string, sink Sink) error {
	f, err := os.Open(path)
	if err != nil {
		return domain.Ef(domain.KindResourceMissing, "loader.starling", "open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)

	var (
		lineNo    int64
		blockLine int64 // line where the current block started
		payload   map[string]any
	)

	flush := func() error {
		if payload == nil {
			return nil
		}
		p, start := payload, blockLine
		payload = nil
		if _, ok := p["word"]; !ok {
			sink.Skip(domain.Origin{Path: path, Line: start},
				domain.Ef(domain.KindInvalid, "loader.starling", "block without \\lx marker"))
			return nil
		}
		return sink.Emit(ctx, record(sourceID, p, domain.Origin{Path: path, Line: start}))
	}

	for sc.Scan() {
		lineNo++
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimRight(sc.Text(), " \t\r")
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if !strings.HasPrefix(line, "\\") {
			sink.Skip(domain.Origin{Path: path, Line: lineNo},
				domain.Ef(domain.KindInvalid, "loader.starling", "line without marker: %q", line))
			continue
		}
		marker, value, _ := strings.Cut(line[1:], " ")
		key, ok := starlingKeys[marker]
		if !ok {
			// Unknown markers are carried through under their own name so
			// nothing in the source is silently dropped.
			key = "x_" + marker
		}
		if payload == nil {
			payload = make(map[string]any, 6)
			blockLine = lineNo
		}
		value = strings.TrimSpace(value)
		if prev, exists := payload[key]; exists {
			// Repeated markers concatenate; Starling splits long fields.
			payload[key] = prev.(string) + " " + value
		} else {
			payload[key] = value
		}
	}
	if err := sc.Err(); err != nil {
		return domain.Ef(domain.KindFatal, "loader.starling", "scan %s: %w", path, err)
	}
	return flush()
}
