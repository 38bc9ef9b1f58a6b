package cleaner

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/lexigraph/lexigraph/engine/domain"
)

// HeadwordStripper removes editorial markup from headwords: bracketed
// annotations, glottal-stop markup carried over from transcriptions, and
// the leading asterisk that marks reconstructed forms.
type HeadwordStripper struct{}

func (HeadwordStripper) Name() string    { return "headword-stripper" }
func (HeadwordStripper) Version() string { return "1.2.0" }

var bracketed = regexp.MustCompile(`[\[\(（【][^\]\)）】]*[\]\)）】]`)

func (HeadwordStripper) Clean(r Record) Record {
	h := r.Headword
	h = bracketed.ReplaceAllString(h, "")
	h = strings.TrimLeft(h, "*")
	h = strings.Map(func(c rune) rune {
		switch c {
		case 'ˀ', 'ʔ': // glottal markup leaks from phonetic fields
			return -1
		}
		return c
	}, h)
	r.Headword = strings.TrimSpace(h)
	return r
}

func (HeadwordStripper) Validate(r Record) bool { return r.Headword != "" }

// TextNormalizer applies Unicode NFC, optional casefolding, and whitespace
// collapse to the free-text fields.
type TextNormalizer struct {
	Casefold bool
}

func (TextNormalizer) Name() string { return "text-normalizer" }

func (t TextNormalizer) Version() string {
	if t.Casefold {
		return "1.1.0+fold"
	}
	return "1.1.0"
}

func (t TextNormalizer) normalize(s string) string {
	s = norm.NFC.String(s)
	if t.Casefold {
		s = strings.ToLower(s)
	}
	return collapseSpace(s)
}

func (t TextNormalizer) Clean(r Record) Record {
	r.Headword = t.normalize(r.Headword)
	r.Definition = t.normalize(r.Definition)
	r.Etymology = t.normalize(r.Etymology)
	r.POSTag = strings.TrimSpace(strings.ToLower(r.POSTag))
	return r
}

func (TextNormalizer) Validate(r Record) bool { return r.Headword != "" }

// IPANormalizer strips enclosing slashes/brackets, applies NFC keeping
// combining diacritics, and collapses whitespace. Characters that are not
// transcription are kept by Clean and rejected by Validate.
type IPANormalizer struct{}

func (IPANormalizer) Name() string    { return "ipa-normalizer" }
func (IPANormalizer) Version() string { return "1.3.0" }

func (IPANormalizer) Clean(r Record) Record {
	s := strings.TrimSpace(r.IPA)
	s = strings.Trim(s, "/[]")
	s = norm.NFC.String(s)
	s = collapseSpace(s)
	r.IPA = s
	return r
}

// Validate accepts an empty transcription (absence is fine) but rejects
// one containing non-IPA characters.
func (IPANormalizer) Validate(r Record) bool {
	for _, c := range r.IPA {
		if !domain.IsIPARune(c) {
			return false
		}
	}
	return true
}

// LanguageCanonicalizer maps language codes and names onto canonical
// ISO-639 codes, preferring the two-letter form where one exists.
type LanguageCanonicalizer struct{}

func (LanguageCanonicalizer) Name() string    { return "langcode-canonicalizer" }
func (LanguageCanonicalizer) Version() string { return "1.0.1" }

func (LanguageCanonicalizer) Clean(r Record) Record {
	if code, ok := domain.CanonicalLanguage(r.LanguageCode); ok {
		r.LanguageCode = code
	} else {
		r.LanguageCode = strings.ToLower(strings.TrimSpace(r.LanguageCode))
	}
	return r
}

func (LanguageCanonicalizer) Validate(r Record) bool {
	return domain.KnownLanguage(r.LanguageCode)
}

// DefinitionCleaner strips HTML/wiki markup from glosses and collapses
// whitespace.
type DefinitionCleaner struct{}

func (DefinitionCleaner) Name() string    { return "definition-cleaner" }
func (DefinitionCleaner) Version() string { return "1.2.1" }

var (
	htmlTag    = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	wikiLink   = regexp.MustCompile(`\[\[(?:[^|\]]*\|)?([^\]]*)\]\]`)
	wikiBold   = regexp.MustCompile(`'{2,}`)
	htmlEntity = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&nbsp;", " ", "&#39;", "'")
)

func stripMarkup(s string) string {
	s = wikiLink.ReplaceAllString(s, "$1")
	s = htmlTag.ReplaceAllString(s, "")
	s = wikiBold.ReplaceAllString(s, "")
	s = htmlEntity.Replace(s)
	return collapseSpace(s)
}

func (DefinitionCleaner) Clean(r Record) Record {
	r.Definition = stripMarkup(r.Definition)
	r.Etymology = stripMarkup(r.Etymology)
	return r
}

func (DefinitionCleaner) Validate(r Record) bool { return r.Definition != "" }

// collapseSpace folds runs of whitespace into single spaces and trims.
func collapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, c := range s {
		if unicode.IsSpace(c) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(c)
	}
	return b.String()
}
