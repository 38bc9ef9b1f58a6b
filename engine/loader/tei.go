package loader

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/lexigraph/lexigraph/engine/domain"
)

// TEI loads TEI-style XML lexicons. Records are <entry> elements carrying
// <orth> (headword), <pron> (IPA), <gramGrp> (grammar), and <def> children.
// The decoder is streamed element by element so dictionary-sized files
// never load whole.
type TEI struct{}

func (l *TEI) Format() string { return "tei" }

type teiEntry struct {
	Lang    string   `xml:"lang,attr"`
	Orth    []string `xml:"form>orth"`
	OrthTop []string `xml:"orth"`
	Pron    []string `xml:"form>pron"`
	PronTop []string `xml:"pron"`
	POS     []string `xml:"gramGrp>pos"`
	Defs    []string `xml:"sense>def"`
	DefsTop []string `xml:"def"`
	Etym    string   `xml:"etym"`
}

func first(groups ...[]string) string {
	for _, g := range groups {
		for _, s := range g {
			if t := strings.TrimSpace(s); t != "" {
				return t
			}
		}
	}
	return ""
}

func (l *TEI) Load(ctx context.Context, path, sourceID string, sink Sink) error {
	f, err := os.Open(path)
	if err != nil {
		return domain.Ef(domain.KindResourceMissing, "loader.tei", "open %s: %w", path, err)
	}
	defer f.Close()

	dec := xml.NewDecoder(f)
	var entryNo int64
	var docLang string

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return domain.Ef(domain.KindFatal, "loader.tei", "decode %s: %w", path, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "entry" {
			// Document-level language declaration applies to entries
			// that carry none of their own.
			if start.Name.Local == "text" || start.Name.Local == "TEI" {
				for _, a := range start.Attr {
					if a.Name.Local == "lang" {
						docLang = a.Value
					}
				}
			}
			continue
		}

		entryNo++
		origin := domain.Origin{Path: path, Line: entryNo}
		var e teiEntry
		if err := dec.DecodeElement(&e, &start); err != nil {
			sink.Skip(origin, domain.E(domain.KindInvalid, "loader.tei", err))
			continue
		}

		lang := e.Lang
		if lang == "" {
			lang = docLang
		}
		payload := map[string]any{
			"word":      first(e.Orth, e.OrthTop),
			"lang_code": lang,
			"gloss":     first(e.Defs, e.DefsTop),
		}
		if p := first(e.Pron, e.PronTop); p != "" {
			payload["ipa"] = p
		}
		if pos := first(e.POS); pos != "" {
			payload["pos"] = pos
		}
		if et := strings.TrimSpace(e.Etym); et != "" {
			payload["etymology_text"] = et
		}
		if err := sink.Emit(ctx, record(sourceID, payload, origin)); err != nil {
			return err
		}
	}
}
