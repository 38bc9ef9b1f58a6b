package cleaner

import (
	"strings"

	"github.com/lexigraph/lexigraph/engine/domain"
)

// Extract probes a raw payload for the fields an entry needs. Payload
// shapes differ per source format, so every key is probed defensively;
// a payload with no headword or no gloss is Invalid.
func Extract(raw domain.RawRecord) (Record, error) {
	p := raw.Payload
	rec := Record{Raw: raw}

	rec.Headword = str(p, "word", "headword", "lexeme", "form")
	rec.LanguageCode = str(p, "lang_code", "language", "lang", "lg")
	rec.POSTag = str(p, "pos", "pos_tag")
	rec.Etymology = str(p, "etymology_text", "etymology", "et")
	rec.IPA = str(p, "ipa", "ph", "pronunciation")
	rec.Definition = str(p, "gloss", "de", "definition", "def")

	// Wiktionary shape: senses[].glosses[] and sounds[].ipa.
	if rec.Definition == "" {
		rec.Definition = firstNested(p, "senses", "glosses")
	}
	if rec.IPA == "" {
		if sounds, ok := p["sounds"].([]any); ok {
			for _, s := range sounds {
				if m, ok := s.(map[string]any); ok {
					if v, ok := m["ipa"].(string); ok && v != "" {
						rec.IPA = v
						break
					}
				}
			}
		}
	}

	if rec.Headword == "" {
		return rec, domain.E(domain.KindInvalid, "cleaner.extract", domain.ErrMissingHeadword)
	}
	if rec.LanguageCode == "" {
		return rec, domain.E(domain.KindInvalid, "cleaner.extract", domain.ErrMissingLanguage)
	}
	if rec.Definition == "" {
		return rec, domain.E(domain.KindInvalid, "cleaner.extract", domain.ErrMissingGloss)
	}
	return rec, nil
}

// str returns the first non-empty string under any of the keys.
func str(p map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := p[k].(string); ok {
			if t := strings.TrimSpace(v); t != "" {
				return t
			}
		}
	}
	return ""
}

// firstNested returns the first string found under p[listKey][i][innerKey][j].
func firstNested(p map[string]any, listKey, innerKey string) string {
	list, ok := p[listKey].([]any)
	if !ok {
		return ""
	}
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		inner, ok := m[innerKey].([]any)
		if !ok {
			continue
		}
		for _, g := range inner {
			if s, ok := g.(string); ok {
				if t := strings.TrimSpace(s); t != "" {
					return t
				}
			}
		}
	}
	return ""
}
