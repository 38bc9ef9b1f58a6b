// Package entrystore is the typed store of cleaned entries: relational rows
// in SQLite with a Qdrant nearest-neighbor index over the embeddings.
package entrystore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lexigraph/lexigraph/engine/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id                   TEXT PRIMARY KEY,
	headword             TEXT NOT NULL,
	headword_norm        TEXT NOT NULL,
	ipa                  TEXT NOT NULL DEFAULT '',
	language_code        TEXT NOT NULL,
	definition           TEXT NOT NULL,
	etymology            TEXT NOT NULL DEFAULT '',
	pos_tag              TEXT NOT NULL DEFAULT '',
	embedding            BLOB,
	raw_ref              TEXT NOT NULL,
	source_id            TEXT NOT NULL,
	pipeline_fingerprint TEXT NOT NULL,
	quality              REAL NOT NULL DEFAULT 0,
	validation_errors    TEXT NOT NULL DEFAULT '[]',
	concept_id           TEXT NOT NULL DEFAULT '',
	concept_confidence   REAL NOT NULL DEFAULT 0,
	created_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_lang ON entries(language_code);
CREATE INDEX IF NOT EXISTS idx_entries_source ON entries(source_id);
CREATE INDEX IF NOT EXISTS idx_entries_headword ON entries(headword_norm);
CREATE INDEX IF NOT EXISTS idx_entries_concept ON entries(concept_id);
`

// Store owns the relational side of the typed entries.
type Store struct {
	db *sql.DB
}

// New creates the store and runs its migrations.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("entrystore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// BulkUpsert streams a batch into a staging table and merges it in a single
// statement. Conflicts on id replace fields and union the validation error
// sets, subject to two rules: the pipeline fingerprint never goes backward,
// and an embedding once present is never reverted to absent.
func (s *Store) BulkUpsert(ctx context.Context, entries []domain.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ef(domain.KindTransient, "entrystore", "begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`CREATE TEMP TABLE IF NOT EXISTS entries_staging AS SELECT * FROM entries WHERE 0`); err != nil {
		return domain.Ef(domain.KindTransient, "entrystore", "staging: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries_staging`); err != nil {
		return domain.Ef(domain.KindTransient, "entrystore", "staging clear: %w", err)
	}

	ins, err := tx.PrepareContext(ctx,
		`INSERT INTO entries_staging (id, headword, headword_norm, ipa, language_code, definition,
		  etymology, pos_tag, embedding, raw_ref, source_id, pipeline_fingerprint, quality,
		  validation_errors, concept_id, concept_confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return domain.Ef(domain.KindTransient, "entrystore", "prepare: %w", err)
	}
	defer ins.Close()

	for _, e := range entries {
		verrs, err := json.Marshal(append([]string{}, e.ValidationErrors...))
		if err != nil {
			return domain.Ef(domain.KindFatal, "entrystore", "marshal errors %s: %w", e.ID, err)
		}
		if _, err := ins.ExecContext(ctx,
			e.ID, e.Headword, strings.ToLower(e.Headword), e.IPA, e.LanguageCode, e.Definition,
			e.Etymology, e.POSTag, encodeVec(e.Embedding), e.RawRef, e.SourceID,
			e.PipelineFingerprint, e.Quality, string(verrs), e.ConceptID, e.ConceptConfidence,
			e.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return domain.Ef(domain.KindTransient, "entrystore", "stage %s: %w", e.ID, err)
		}
	}

	// The WHERE clause on DO UPDATE enforces monotone fingerprints; the
	// COALESCE keeps an existing embedding when the incoming row has none.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries SELECT * FROM entries_staging WHERE 1
		ON CONFLICT(id) DO UPDATE SET
			headword             = excluded.headword,
			headword_norm        = excluded.headword_norm,
			ipa                  = excluded.ipa,
			language_code        = excluded.language_code,
			definition           = excluded.definition,
			etymology            = excluded.etymology,
			pos_tag              = excluded.pos_tag,
			embedding            = COALESCE(excluded.embedding, entries.embedding),
			raw_ref              = excluded.raw_ref,
			source_id            = excluded.source_id,
			pipeline_fingerprint = excluded.pipeline_fingerprint,
			quality              = excluded.quality,
			validation_errors    = (
				SELECT json_group_array(value) FROM (
					SELECT DISTINCT value FROM (
						SELECT value FROM json_each(entries.validation_errors)
						UNION ALL
						SELECT value FROM json_each(excluded.validation_errors)
					)
				)
			),
			concept_id           = CASE WHEN excluded.concept_id != '' THEN excluded.concept_id ELSE entries.concept_id END,
			concept_confidence   = CASE WHEN excluded.concept_id != '' THEN excluded.concept_confidence ELSE entries.concept_confidence END
		WHERE excluded.pipeline_fingerprint >= entries.pipeline_fingerprint`)
	if err != nil {
		return domain.Ef(domain.KindTransient, "entrystore", "merge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Ef(domain.KindTransient, "entrystore", "commit: %w", err)
	}
	return nil
}

// EmbeddingUpdate fills the embedding of one committed entry.
type EmbeddingUpdate struct {
	ID        string
	Embedding []float32
}

// WriteEmbeddings writes embeddings back to committed entries in one
// transaction. Missing ids are ignored; they belong to entries that a
// newer pipeline run removed from scope.
func (s *Store) WriteEmbeddings(ctx context.Context, updates []EmbeddingUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ef(domain.KindTransient, "entrystore", "begin: %w", err)
	}
	defer tx.Rollback()

	up, err := tx.PrepareContext(ctx, `UPDATE entries SET embedding = ? WHERE id = ?`)
	if err != nil {
		return domain.Ef(domain.KindTransient, "entrystore", "prepare: %w", err)
	}
	defer up.Close()

	for _, u := range updates {
		if len(u.Embedding) == 0 {
			continue // never revert a present embedding to absent
		}
		if _, err := up.ExecContext(ctx, encodeVec(u.Embedding), u.ID); err != nil {
			return domain.Ef(domain.KindTransient, "entrystore", "update %s: %w", u.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Ef(domain.KindTransient, "entrystore", "commit: %w", err)
	}
	return nil
}

// WriteConcepts assigns concept ids and confidences to entries.
func (s *Store) WriteConcepts(ctx context.Context, assignments map[string]struct {
	ConceptID  string
	Confidence float64
}) error {
	if len(assignments) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ef(domain.KindTransient, "entrystore", "begin: %w", err)
	}
	defer tx.Rollback()
	up, err := tx.PrepareContext(ctx,
		`UPDATE entries SET concept_id = ?, concept_confidence = ? WHERE id = ?`)
	if err != nil {
		return domain.Ef(domain.KindTransient, "entrystore", "prepare: %w", err)
	}
	defer up.Close()
	for id, a := range assignments {
		if _, err := up.ExecContext(ctx, a.ConceptID, a.Confidence, id); err != nil {
			return domain.Ef(domain.KindTransient, "entrystore", "update %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Ef(domain.KindTransient, "entrystore", "commit: %w", err)
	}
	return nil
}

// Filter narrows a Scan.
type Filter struct {
	LanguageCode     string
	SourceID         string
	ConceptID        string
	MissingEmbedding bool
	HasEmbedding     bool
}

// Scanned pairs an entry with its resumable cursor.
type Scanned struct {
	Entry  domain.Entry
	Cursor int64
}

// Scan yields entries in stable rowid order starting after sinceCursor.
func (s *Store) Scan(ctx context.Context, f Filter, sinceCursor int64, yield func(Scanned) error) error {
	const page = 2000
	cursor := sinceCursor
	for {
		batch, err := s.scanPage(ctx, f, cursor, page)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, sc := range batch {
			if err := yield(sc); err != nil {
				return err
			}
			cursor = sc.Cursor
		}
		if len(batch) < page {
			return nil
		}
	}
}

const entryCols = `id, headword, ipa, language_code, definition, etymology, pos_tag,
	embedding, raw_ref, source_id, pipeline_fingerprint, quality, validation_errors,
	concept_id, concept_confidence, created_at`

func (s *Store) scanPage(ctx context.Context, f Filter, after int64, limit int) ([]Scanned, error) {
	q := `SELECT rowid, ` + entryCols + ` FROM entries WHERE rowid > ?`
	args := []any{after}
	if f.LanguageCode != "" {
		q += ` AND language_code = ?`
		args = append(args, f.LanguageCode)
	}
	if f.SourceID != "" {
		q += ` AND source_id = ?`
		args = append(args, f.SourceID)
	}
	if f.ConceptID != "" {
		q += ` AND concept_id = ?`
		args = append(args, f.ConceptID)
	}
	if f.MissingEmbedding {
		q += ` AND embedding IS NULL`
	}
	if f.HasEmbedding {
		q += ` AND embedding IS NOT NULL`
	}
	q += ` ORDER BY rowid LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, domain.Ef(domain.KindTransient, "entrystore", "scan: %w", err)
	}
	defer rows.Close()

	var out []Scanned
	for rows.Next() {
		var rowid int64
		e, err := scanEntry(rows, &rowid)
		if err != nil {
			return nil, err
		}
		out = append(out, Scanned{Entry: e, Cursor: rowid})
	}
	return out, rows.Err()
}

// Get returns one entry by id.
func (s *Store) Get(ctx context.Context, id string) (domain.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT rowid, `+entryCols+` FROM entries WHERE id = ?`, id)
	var rowid int64
	e, err := scanEntry(row, &rowid)
	if err == sql.ErrNoRows {
		return domain.Entry{}, domain.Ef(domain.KindResourceMissing, "entrystore", "entry %s not found", id)
	}
	return e, err
}

// SearchHeadword matches entries whose normalized headword contains the
// pattern. This backs the substring lookup path; semantic lookup goes
// through the vector index.
func (s *Store) SearchHeadword(ctx context.Context, pattern string, limit int) ([]domain.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid, `+entryCols+` FROM entries WHERE headword_norm LIKE ? ORDER BY headword_norm LIMIT ?`,
		"%"+strings.ToLower(pattern)+"%", limit)
	if err != nil {
		return nil, domain.Ef(domain.KindTransient, "entrystore", "search: %w", err)
	}
	defer rows.Close()
	var out []domain.Entry
	for rows.Next() {
		var rowid int64
		e, err := scanEntry(rows, &rowid)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of entries matching a filter.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	q := `SELECT COUNT(*) FROM entries WHERE 1=1`
	var args []any
	if f.LanguageCode != "" {
		q += ` AND language_code = ?`
		args = append(args, f.LanguageCode)
	}
	if f.SourceID != "" {
		q += ` AND source_id = ?`
		args = append(args, f.SourceID)
	}
	if f.ConceptID != "" {
		q += ` AND concept_id = ?`
		args = append(args, f.ConceptID)
	}
	if f.MissingEmbedding {
		q += ` AND embedding IS NULL`
	}
	if f.HasEmbedding {
		q += ` AND embedding IS NOT NULL`
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, domain.Ef(domain.KindTransient, "entrystore", "count: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner, rowid *int64) (domain.Entry, error) {
	var (
		e       domain.Entry
		emb     []byte
		verrs   string
		created string
	)
	err := r.Scan(rowid, &e.ID, &e.Headword, &e.IPA, &e.LanguageCode, &e.Definition,
		&e.Etymology, &e.POSTag, &emb, &e.RawRef, &e.SourceID, &e.PipelineFingerprint,
		&e.Quality, &verrs, &e.ConceptID, &e.ConceptConfidence, &created)
	if err != nil {
		return e, err
	}
	e.Embedding = decodeVec(emb)
	if verrs != "" && verrs != "[]" {
		if err := json.Unmarshal([]byte(verrs), &e.ValidationErrors); err != nil {
			return e, domain.Ef(domain.KindFatal, "entrystore", "corrupt validation_errors for %s: %w", e.ID, err)
		}
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return e, nil
}

// encodeVec packs a vector as little-endian float32 bytes; nil in, nil out.
func encodeVec(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVec(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}
