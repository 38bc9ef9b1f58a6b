package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/lexigraph/lexigraph/engine/cleaner"
	"github.com/lexigraph/lexigraph/engine/domain"
	"github.com/lexigraph/lexigraph/engine/entrystore"
	"github.com/lexigraph/lexigraph/engine/loader"
	"github.com/lexigraph/lexigraph/engine/pipeline"
	"github.com/lexigraph/lexigraph/engine/rawstore"
)

type harness struct {
	raw     *rawstore.Store
	entries *entrystore.Store
	ckpts   *pipeline.CheckpointStore
	sink    *pipeline.MemorySink
	deps    Deps
}

func newHarness(t *testing.T, dbPath string) *harness {
	t.Helper()
	db, err := rawstore.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	raw, err := rawstore.New(db)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := entrystore.New(db)
	if err != nil {
		t.Fatal(err)
	}
	ckpts, err := pipeline.NewCheckpointStore(db)
	if err != nil {
		t.Fatal(err)
	}
	sink := &pipeline.MemorySink{}
	h := &harness{raw: raw, entries: entries, ckpts: ckpts, sink: sink}
	h.deps = Deps{
		Loader:      &loader.JSONLines{},
		Raw:         raw,
		Entries:     entries,
		Cleaners:    cleaner.Default(false),
		Validator:   domain.NewValidator(),
		Checkpoints: ckpts,
		Sink:        sink,
	}
	return h
}

func writeSource(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func tinySource(t *testing.T) string {
	return writeSource(t, []string{
		`{"word":"father","lang_code":"en","gloss":"male parent"}`,
		`{"word":"vater","lang_code":"de","gloss":"male parent"}`,
		`{"word":"pater","lang_code":"la","gloss":"male parent"}`,
		`{"word":"father","lang_code":"en","gloss":"male parent"}`,
		`{"word":"","lang_code":"en","gloss":"empty headword"}`,
	})
}

func TestTinyIngest(t *testing.T) {
	// Five lines: three good, one duplicate, one invalid. Expect exactly
	// three entries, one dup skipped, one invalid skipped.
	h := newHarness(t, filepath.Join(t.TempDir(), "tiny.db"))
	sum, err := Run(context.Background(), h.deps, Config{
		SourceID: "tiny", Path: tinySource(t),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Entries != 3 {
		t.Fatalf("entries = %d, want 3", sum.Entries)
	}
	if sum.Duplicates != 1 {
		t.Fatalf("duplicates = %d, want 1", sum.Duplicates)
	}
	if sum.Invalid != 1 {
		t.Fatalf("invalid = %d, want 1", sum.Invalid)
	}

	n, err := h.entries.Count(context.Background(), entrystore.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("stored entries = %d", n)
	}

	// The invalid record surfaced through the error sink.
	if len(h.sink.Errors) == 0 {
		t.Fatal("invalid record must be routed to the sink")
	}
}

func entryKeys(t *testing.T, s *entrystore.Store) []string {
	t.Helper()
	var keys []string
	err := s.Scan(context.Background(), entrystore.Filter{}, 0, func(sc entrystore.Scanned) error {
		keys = append(keys, sc.Entry.ID+"/"+sc.Entry.Headword+"/"+sc.Entry.LanguageCode)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(keys)
	return keys
}

func TestParallelDeterminism(t *testing.T) {
	// The same file with 1 worker and 8 workers must produce the same set
	// of (id, headword, language) tuples.
	lines := make([]string, 2000)
	langs := []string{"en", "de", "la", "fr", "es"}
	for i := range lines {
		lines[i] = fmt.Sprintf(`{"word":"word%04d","lang_code":"%s","gloss":"meaning %d"}`,
			i, langs[i%len(langs)], i/7)
	}
	path := writeSource(t, lines)

	h1 := newHarness(t, filepath.Join(t.TempDir(), "w1.db"))
	if _, err := Run(context.Background(), h1.deps, Config{
		SourceID: "par", Path: path, CleanWorkers: 1, Writers: 1, CleanBatch: 64, WriteBatch: 64,
	}); err != nil {
		t.Fatal(err)
	}

	h8 := newHarness(t, filepath.Join(t.TempDir(), "w8.db"))
	if _, err := Run(context.Background(), h8.deps, Config{
		SourceID: "par", Path: path, CleanWorkers: 8, Writers: 4, CleanBatch: 64, WriteBatch: 64,
	}); err != nil {
		t.Fatal(err)
	}

	k1, k8 := entryKeys(t, h1.entries), entryKeys(t, h8.entries)
	if len(k1) == 0 {
		t.Fatal("no entries ingested")
	}
	if !reflect.DeepEqual(k1, k8) {
		t.Fatalf("parallelism changed results: %d vs %d entries", len(k1), len(k8))
	}
}

func TestPipelineIdempotence(t *testing.T) {
	// Running the full ingest twice over the same source yields the same
	// entry set.
	path := tinySource(t)
	h := newHarness(t, filepath.Join(t.TempDir(), "idem.db"))

	if _, err := Run(context.Background(), h.deps, Config{SourceID: "idem", Path: path}); err != nil {
		t.Fatal(err)
	}
	first := entryKeys(t, h.entries)

	sum, err := Run(context.Background(), h.deps, Config{SourceID: "idem", Path: path})
	if err != nil {
		t.Fatal(err)
	}
	second := entryKeys(t, h.entries)

	if !reflect.DeepEqual(first, second) {
		t.Fatal("second run changed the entry set")
	}
	// Everything deduplicates at the raw layer on the second pass; even
	// the invalid line is already stored there.
	if sum.RawInserted != 0 || sum.Duplicates != 5 {
		t.Fatalf("second run: %+v", sum)
	}
}

func TestCheckpointResume(t *testing.T) {
	// A resumed run starting from a committed cursor must converge on the
	// same final state as an uninterrupted run.
	lines := make([]string, 500)
	for i := range lines {
		lines[i] = fmt.Sprintf(`{"word":"resume%03d","lang_code":"en","gloss":"meaning %d"}`, i, i)
	}
	path := writeSource(t, lines)

	// Uninterrupted reference run.
	ref := newHarness(t, filepath.Join(t.TempDir(), "ref.db"))
	if _, err := Run(context.Background(), ref.deps, Config{SourceID: "res", Path: path}); err != nil {
		t.Fatal(err)
	}
	want := entryKeys(t, ref.entries)

	// Interrupted run: ingest only a prefix by pre-seeding a checkpoint,
	// then a resumed run over the rest.
	h := newHarness(t, filepath.Join(t.TempDir(), "resume.db"))
	prefix := writeSource(t, lines[:200])
	if _, err := Run(context.Background(), h.deps, Config{SourceID: "res", Path: prefix}); err != nil {
		t.Fatal(err)
	}
	// The checkpoint now records cursor 200 for source "res"; the resumed
	// run over the full file must skip the prefix and finish the rest.
	cp, ok, err := h.ckpts.Load(context.Background(), "ingest:res")
	if err != nil || !ok {
		t.Fatalf("checkpoint missing: %v", err)
	}
	if cp.Cursors["res"] != 200 {
		t.Fatalf("checkpoint cursor = %d, want 200", cp.Cursors["res"])
	}

	sum, err := Run(context.Background(), h.deps, Config{SourceID: "res", Path: path, Resume: true})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Read != 300 {
		t.Fatalf("resumed run read %d lines, want 300", sum.Read)
	}

	got := entryKeys(t, h.entries)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("resumed state differs: %d vs %d entries", len(got), len(want))
	}
}

func TestStrictModeDropsInvalidLanguage(t *testing.T) {
	path := writeSource(t, []string{
		`{"word":"good","lang_code":"en","gloss":"fine"}`,
		`{"word":"bad","lang_code":"martian","gloss":"not a language"}`,
	})
	h := newHarness(t, filepath.Join(t.TempDir(), "strict.db"))
	h.deps.Cleaners = cleaner.Default(true)

	sum, err := Run(context.Background(), h.deps, Config{SourceID: "strict", Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Entries != 1 || sum.Invalid != 1 {
		t.Fatalf("strict run: %+v", sum)
	}
}

func TestEntriesCarryFingerprintAndQuality(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "fp.db"))
	if _, err := Run(context.Background(), h.deps, Config{SourceID: "fp", Path: tinySource(t)}); err != nil {
		t.Fatal(err)
	}
	err := h.entries.Scan(context.Background(), entrystore.Filter{}, 0, func(sc entrystore.Scanned) error {
		e := sc.Entry
		if e.PipelineFingerprint != h.deps.Cleaners.Fingerprint() {
			t.Fatalf("entry %s fingerprint = %q", e.Headword, e.PipelineFingerprint)
		}
		if e.Quality <= 0 || e.Quality > 1 {
			t.Fatalf("entry %s quality = %v", e.Headword, e.Quality)
		}
		if e.RawRef == "" || e.SourceID != "fp" {
			t.Fatalf("entry %s provenance missing", e.Headword)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTransformLogWritten(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "log.db"))
	if _, err := Run(context.Background(), h.deps, Config{SourceID: "log", Path: tinySource(t)}); err != nil {
		t.Fatal(err)
	}
	// Any successfully cleaned record has one step per cleaner.
	var rawRef string
	h.entries.Scan(context.Background(), entrystore.Filter{}, 0, func(sc entrystore.Scanned) error {
		rawRef = sc.Entry.RawRef
		return nil
	})
	steps, err := h.raw.TransformLog(context.Background(), rawRef)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 5 {
		t.Fatalf("transform log has %d steps, want 5", len(steps))
	}
}
