package domain

import (
	"strings"
	"testing"
)

func validEntry() Entry {
	return Entry{
		Headword:     "father",
		LanguageCode: "en",
		Definition:   "male parent",
		IPA:          "ˈfɑːðə",
	}
}

func TestValidatorAccepts(t *testing.T) {
	v := NewValidator()
	ok, errs := v.Check(validEntry())
	if !ok || len(errs) != 0 {
		t.Fatalf("expected valid, got errors %v", errs)
	}
}

func TestValidatorRequiredFields(t *testing.T) {
	v := NewValidator(RequiredFields())
	cases := []struct {
		mutate func(*Entry)
	}{
		{func(e *Entry) { e.Headword = "" }},
		{func(e *Entry) { e.LanguageCode = "" }},
		{func(e *Entry) { e.Definition = "" }},
	}
	for i, c := range cases {
		e := validEntry()
		c.mutate(&e)
		if ok, errs := v.Check(e); ok || len(errs) != 1 {
			t.Fatalf("case %d: expected one failure, got ok=%v errs=%v", i, ok, errs)
		}
	}
}

func TestValidatorMaxLengths(t *testing.T) {
	v := NewValidator(MaxLengths())
	e := validEntry()
	e.Headword = strings.Repeat("a", MaxHeadwordLen+1)
	if ok, _ := v.Check(e); ok {
		t.Fatal("oversized headword should fail")
	}
}

func TestValidatorIPAWhitelist(t *testing.T) {
	v := NewValidator(ValidIPA())
	e := validEntry()
	e.IPA = "fɑː$ðə"
	if ok, _ := v.Check(e); ok {
		t.Fatal("$ is not an IPA character")
	}
	e.IPA = ""
	if ok, _ := v.Check(e); !ok {
		t.Fatal("empty IPA is allowed")
	}
}

func TestValidatorLanguage(t *testing.T) {
	v := NewValidator(ValidLanguage())
	e := validEntry()
	e.LanguageCode = "zz"
	if ok, _ := v.Check(e); ok {
		t.Fatal("zz is not ISO-639")
	}
}

func TestValidatorCollectsAllErrors(t *testing.T) {
	v := NewValidator()
	e := Entry{IPA: "$$"}
	ok, errs := v.Check(e)
	if ok {
		t.Fatal("empty entry should fail")
	}
	if len(errs) < 2 {
		t.Fatalf("expected multiple collected errors, got %v", errs)
	}
}

func TestCanonicalLanguage(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"en", "en", true},
		{"eng", "en", true},
		{"ENG", "en", true},
		{"deu", "de", true},
		{"lat", "la", true},
		{"grc", "grc", true}, // no two-letter form
		{"ang", "ang", true},
		{"german", "de", true},
		{"Proto-Germanic", "gem", true},
		{"zzz", "", false},
		{"", "", false},
		{"q", "", false},
	}
	for _, c := range cases {
		got, ok := CanonicalLanguage(c.in)
		if got != c.want || ok != c.ok {
			t.Fatalf("CanonicalLanguage(%q) = %q,%v want %q,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestEntryIDDeterministic(t *testing.T) {
	a := EntryID("father", "en", "male parent")
	b := EntryID("father", "en", "male parent")
	if a != b {
		t.Fatal("same inputs must yield the same id")
	}
	if a == EntryID("father", "de", "male parent") {
		t.Fatal("different language must yield a different id")
	}
	// The separator keeps concatenation ambiguity out of the id.
	if EntryID("ab", "c", "d") == EntryID("a", "bc", "d") {
		t.Fatal("field boundaries must matter")
	}
}

func TestQualityScore(t *testing.T) {
	full := validEntry()
	full.Etymology = "from old english"
	full.POSTag = "noun"
	if q := QualityScore(full, 0); q != 1 {
		t.Fatalf("complete entry quality = %v, want 1", q)
	}
	if q := QualityScore(Entry{}, 0); q != 0 {
		t.Fatalf("empty entry quality = %v, want 0", q)
	}
	withErr := QualityScore(full, 1)
	if withErr >= 1 || withErr <= 0 {
		t.Fatalf("error-penalized quality = %v", withErr)
	}
}

func TestSimilarityEdgeCanonicalize(t *testing.T) {
	e := SimilarityEdge{EntryA: "b", EntryB: "a"}
	e.Canonicalize()
	if e.EntryA != "a" || e.EntryB != "b" {
		t.Fatalf("canonical order broken: %s %s", e.EntryA, e.EntryB)
	}
}

func TestClusterIDUsesSmallestMember(t *testing.T) {
	a := ClusterID([]string{"c", "a", "b"})
	b := ClusterID([]string{"a"})
	if a != b {
		t.Fatal("cluster id must depend only on the smallest member")
	}
	if ClusterID(nil) != "" {
		t.Fatal("empty cluster has no id")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	err := Ef(KindTransient, "store", "timeout after %d ms", 300)
	if !IsTransient(err) {
		t.Fatal("transient kind lost")
	}
	wrapped := E(KindIntegrity, "rawstore", ErrChecksumClash).WithItem("abc123")
	if KindOf(wrapped) != KindIntegrity {
		t.Fatal("integrity kind lost through WithItem")
	}
	if !strings.Contains(wrapped.Error(), "abc123") {
		t.Fatal("item ref missing from message")
	}
	if KindOf(ErrBadIPA) != KindFatal {
		t.Fatal("untyped errors default to fatal")
	}
}
