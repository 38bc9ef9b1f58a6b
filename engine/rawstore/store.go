// Package rawstore is the immutable, append-only store of checksummed raw
// records, plus the per-record transform log. Records are only ever
// inserted; a record whose checksum is already stored is skipped, and the
// stored record is kept as it was.
package rawstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lexigraph/lexigraph/engine/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS raw_records (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id   TEXT NOT NULL,
	payload     TEXT NOT NULL,
	checksum    TEXT NOT NULL UNIQUE,
	ingested_at TEXT NOT NULL,
	file_path   TEXT NOT NULL,
	line_no     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_source ON raw_records(source_id, id);

CREATE TABLE IF NOT EXISTS transform_log (
	raw_id       TEXT NOT NULL,
	step_name    TEXT NOT NULL,
	step_version TEXT NOT NULL,
	params       TEXT,
	at           TEXT NOT NULL,
	duration_ms  INTEGER NOT NULL,
	ok           INTEGER NOT NULL,
	error        TEXT
);
CREATE INDEX IF NOT EXISTS idx_transform_raw ON transform_log(raw_id);
`

// Open opens (or creates) a SQLite database at path with the pragmas the
// bulk write path needs, shared by the raw and entry stores.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("rawstore: open %s: %w", path, err)
	}
	// SQLite serializes writers; extra write connections only contend.
	db.SetMaxOpenConns(4)
	return db, nil
}

// Store provides bulk insertion and ordered scans over raw records.
type Store struct {
	db *sql.DB
}

// New creates the store and runs its migrations.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("rawstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// BulkResult reports what a bulk insert did. DupIndex holds the input
// positions that were already present (by checksum) and were kept as-is.
type BulkResult struct {
	Inserted   int
	Duplicates int
	DupIndex   []int
}

// BulkInsert writes a batch of records in one transaction, de-duplicating
// by checksum. All rows of the batch commit or none. A checksum that
// already exists with a different payload is an integrity failure and
// aborts the batch.
func (s *Store) BulkInsert(ctx context.Context, records []domain.RawRecord) (BulkResult, error) {
	var res BulkResult
	if len(records) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, domain.Ef(domain.KindTransient, "rawstore", "begin: %w", err)
	}
	defer tx.Rollback()

	ins, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO raw_records (source_id, payload, checksum, ingested_at, file_path, line_no)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return res, domain.Ef(domain.KindTransient, "rawstore", "prepare: %w", err)
	}
	defer ins.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for idx, rec := range records {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return res, domain.Ef(domain.KindFatal, "rawstore", "marshal payload %s: %w", rec.Checksum, err)
		}
		r, err := ins.ExecContext(ctx, rec.SourceID, string(payload), rec.Checksum, now, rec.Origin.Path, rec.Origin.Line)
		if err != nil {
			return res, domain.Ef(domain.KindTransient, "rawstore", "insert %s: %w", rec.Checksum, err)
		}
		n, _ := r.RowsAffected()
		if n == 0 {
			// Duplicate checksum. Equal payload is the expected dedup
			// path; a differing payload must never be papered over.
			var existing string
			if err := tx.QueryRowContext(ctx,
				`SELECT payload FROM raw_records WHERE checksum = ?`, rec.Checksum).Scan(&existing); err != nil {
				return res, domain.Ef(domain.KindTransient, "rawstore", "verify duplicate %s: %w", rec.Checksum, err)
			}
			if existing != string(payload) {
				return res, domain.E(domain.KindIntegrity, "rawstore", domain.ErrChecksumClash).WithItem(rec.Checksum)
			}
			res.Duplicates++
			res.DupIndex = append(res.DupIndex, idx)
			continue
		}
		res.Inserted++
	}

	if err := tx.Commit(); err != nil {
		return BulkResult{}, domain.Ef(domain.KindTransient, "rawstore", "commit: %w", err)
	}
	return res, nil
}

// Scanned pairs a record with its resumable cursor.
type Scanned struct {
	Record domain.RawRecord
	Cursor int64
}

// Scan yields records in insertion order, optionally filtered by source id,
// starting after sinceCursor. Rows are fetched in pages so arbitrarily
// large stores scan in constant memory.
func (s *Store) Scan(ctx context.Context, sourceID string, sinceCursor int64, yield func(Scanned) error) error {
	const page = 5000
	cursor := sinceCursor
	for {
		batch, err := s.scanPage(ctx, sourceID, cursor, page)
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

func (s *Store) scanPage(ctx context.Context, sourceID string, after int64, limit int) ([]Scanned, error) {
	q := `SELECT id, source_id, payload, checksum, file_path, line_no
	      FROM raw_records WHERE id > ?`
	args := []any{after}
	if sourceID != "" {
		q += ` AND source_id = ?`
		args = append(args, sourceID)
	}
	q += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, domain.Ef(domain.KindTransient, "rawstore", "scan: %w", err)
	}
	defer rows.Close()

	var out []Scanned
	for rows.Next() {
		var (
			id      int64
			src     string
			payload string
			sum     string
			path    string
			line    int64
		)
		if err := rows.Scan(&id, &src, &payload, &sum, &path, &line); err != nil {
			return nil, domain.Ef(domain.KindTransient, "rawstore", "scan row: %w", err)
		}
		var p map[string]any
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, domain.Ef(domain.KindFatal, "rawstore", "corrupt payload at id %d: %w", id, err)
		}
		out = append(out, Scanned{
			Record: domain.RawRecord{
				SourceID: src,
				Payload:  p,
				Checksum: sum,
				Origin:   domain.Origin{Path: path, Line: line},
			},
			Cursor: id,
		})
	}
	return out, rows.Err()
}

// Count returns the number of raw records, optionally per source.
func (s *Store) Count(ctx context.Context, sourceID string) (int64, error) {
	q, args := `SELECT COUNT(*) FROM raw_records`, []any{}
	if sourceID != "" {
		q += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, domain.Ef(domain.KindTransient, "rawstore", "count: %w", err)
	}
	return n, nil
}

// AppendTransformLog appends transform steps in one transaction. The log is
// append-only and partitioned by raw record id; no updates ever happen.
func (s *Store) AppendTransformLog(ctx context.Context, steps []domain.TransformStep) error {
	if len(steps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ef(domain.KindTransient, "rawstore", "begin log: %w", err)
	}
	defer tx.Rollback()

	ins, err := tx.PrepareContext(ctx,
		`INSERT INTO transform_log (raw_id, step_name, step_version, params, at, duration_ms, ok, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return domain.Ef(domain.KindTransient, "rawstore", "prepare log: %w", err)
	}
	defer ins.Close()

	for _, st := range steps {
		okInt := 0
		if st.OK {
			okInt = 1
		}
		if _, err := ins.ExecContext(ctx, st.RawID, st.StepName, st.StepVersion, st.Params,
			st.At.UTC().Format(time.RFC3339Nano), st.Duration.Milliseconds(), okInt, st.Error); err != nil {
			return domain.Ef(domain.KindTransient, "rawstore", "insert log: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Ef(domain.KindTransient, "rawstore", "commit log: %w", err)
	}
	return nil
}

// TransformLog returns the ordered steps recorded for one raw record.
func (s *Store) TransformLog(ctx context.Context, rawID string) ([]domain.TransformStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_name, step_version, params, at, duration_ms, ok, error
		 FROM transform_log WHERE raw_id = ? ORDER BY rowid`, rawID)
	if err != nil {
		return nil, domain.Ef(domain.KindTransient, "rawstore", "query log: %w", err)
	}
	defer rows.Close()

	var out []domain.TransformStep
	for rows.Next() {
		var (
			st    domain.TransformStep
			at    string
			durMS int64
			okInt int
		)
		st.RawID = rawID
		if err := rows.Scan(&st.StepName, &st.StepVersion, &st.Params, &at, &durMS, &okInt, &st.Error); err != nil {
			return nil, domain.Ef(domain.KindTransient, "rawstore", "scan log: %w", err)
		}
		st.At, _ = time.Parse(time.RFC3339Nano, at)
		st.Duration = time.Duration(durMS) * time.Millisecond
		st.OK = okInt == 1
		out = append(out, st)
	}
	return out, rows.Err()
}
