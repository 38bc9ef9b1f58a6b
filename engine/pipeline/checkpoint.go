package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/lexigraph/lexigraph/engine/domain"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	pipeline_name     TEXT PRIMARY KEY,
	at                TEXT NOT NULL,
	total             INTEGER NOT NULL,
	processed         INTEGER NOT NULL,
	succeeded         INTEGER NOT NULL,
	failed            INTEGER NOT NULL,
	skipped           INTEGER NOT NULL,
	per_source_cursor TEXT NOT NULL
);
`

// CheckpointStore persists pipeline progress so a killed run resumes after
// the last committed cursor instead of from zero.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore creates the store and runs its migration.
func NewCheckpointStore(db *sql.DB) (*CheckpointStore, error) {
	if _, err := db.Exec(checkpointSchema); err != nil {
		return nil, domain.Ef(domain.KindFatal, "checkpoint", "migrate: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

// Save overwrites the checkpoint for cp.Pipeline.
func (s *CheckpointStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	cursors, err := json.Marshal(cp.Cursors)
	if err != nil {
		return domain.Ef(domain.KindFatal, "checkpoint", "marshal cursors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (pipeline_name, at, total, processed, succeeded, failed, skipped, per_source_cursor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_name) DO UPDATE SET
			at = excluded.at, total = excluded.total, processed = excluded.processed,
			succeeded = excluded.succeeded, failed = excluded.failed,
			skipped = excluded.skipped, per_source_cursor = excluded.per_source_cursor`,
		cp.Pipeline, cp.At.UTC().Format(time.RFC3339Nano), cp.Total, cp.Processed,
		cp.Succeeded, cp.Failed, cp.Skipped, string(cursors))
	if err != nil {
		return domain.Ef(domain.KindTransient, "checkpoint", "save %s: %w", cp.Pipeline, err)
	}
	return nil
}

// Load returns the checkpoint for a pipeline, or ok=false when none exists.
// An unreadable checkpoint is fatal; resuming from garbage silently
// reprocesses or skips an unknown amount of work.
func (s *CheckpointStore) Load(ctx context.Context, pipelineName string) (domain.Checkpoint, bool, error) {
	var (
		cp      domain.Checkpoint
		at      string
		cursors string
	)
	cp.Pipeline = pipelineName
	err := s.db.QueryRowContext(ctx, `
		SELECT at, total, processed, succeeded, failed, skipped, per_source_cursor
		FROM checkpoints WHERE pipeline_name = ?`, pipelineName).
		Scan(&at, &cp.Total, &cp.Processed, &cp.Succeeded, &cp.Failed, &cp.Skipped, &cursors)
	if err == sql.ErrNoRows {
		return cp, false, nil
	}
	if err != nil {
		return cp, false, domain.Ef(domain.KindTransient, "checkpoint", "load %s: %w", pipelineName, err)
	}
	cp.At, _ = time.Parse(time.RFC3339Nano, at)
	if err := json.Unmarshal([]byte(cursors), &cp.Cursors); err != nil {
		return cp, false, domain.Ef(domain.KindFatal, "checkpoint", "unreadable checkpoint %s: %w", pipelineName, err)
	}
	return cp, true, nil
}

// Watermark tracks the highest cursor c per source such that every cursor
// <= c has been committed. Reads register cursors in order; commits arrive
// out of order from parallel writers, and the watermark only advances over
// a contiguous committed prefix.
// A cursor may be registered more than once (loaders can emit several
// records for one source line); the watermark advances past it only when
// every registration has been committed.
type Watermark struct {
	mu        sync.Mutex
	pending   map[string][]int64 // in-flight cursors per source, in order
	committed map[string]map[int64]int
	mark      map[string]int64
}

// NewWatermark creates an empty tracker, optionally seeded with the
// cursors of a loaded checkpoint.
func NewWatermark(seed map[string]int64) *Watermark {
	w := &Watermark{
		pending:   make(map[string][]int64),
		committed: make(map[string]map[int64]int),
		mark:      make(map[string]int64),
	}
	for src, c := range seed {
		w.mark[src] = c
	}
	return w
}

// Begin registers an in-flight cursor. Cursors must be registered in
// non-decreasing order per source (the source scan guarantees this).
func (w *Watermark) Begin(source string, cursor int64) {
	w.mu.Lock()
	w.pending[source] = append(w.pending[source], cursor)
	w.mu.Unlock()
}

// Done marks one registration of a cursor committed and advances the
// source's watermark over the contiguous committed prefix.
func (w *Watermark) Done(source string, cursor int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cm := w.committed[source]
	if cm == nil {
		cm = make(map[int64]int)
		w.committed[source] = cm
	}
	cm[cursor]++

	p := w.pending[source]
	i := 0
	for i < len(p) && cm[p[i]] > 0 {
		cm[p[i]]--
		if cm[p[i]] == 0 {
			delete(cm, p[i])
		}
		i++
		// A cursor registered more than once is passed only once its
		// last pending registration has committed.
		if i == len(p) || p[i] != p[i-1] {
			w.mark[source] = p[i-1]
		}
	}
	w.pending[source] = p[i:]
}

// Marks snapshots the per-source committed watermarks.
func (w *Watermark) Marks() map[string]int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int64, len(w.mark))
	for s, c := range w.mark {
		out[s] = c
	}
	return out
}

// Sources returns the tracked source ids, sorted.
func (w *Watermark) Sources() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.mark))
	for s := range w.mark {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Checkpointer periodically persists progress from a running pipeline.
// The counters are shared with the stages that increment them.
type Checkpointer struct {
	store    *CheckpointStore
	mark     *Watermark
	pipeline string
	interval time.Duration

	Total     *Counter
	Processed *Counter
	Succeeded *Counter
	Failed    *Counter
	Skipped   *Counter
}

// NewCheckpointer wires a checkpoint store to a watermark tracker. The
// counters start out internal; callers may replace them with the counters
// their stages already increment.
func NewCheckpointer(store *CheckpointStore, mark *Watermark, pipelineName string, interval time.Duration) *Checkpointer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Checkpointer{
		store: store, mark: mark, pipeline: pipelineName, interval: interval,
		Total: &Counter{}, Processed: &Counter{}, Succeeded: &Counter{}, Failed: &Counter{}, Skipped: &Counter{},
	}
}

// Run persists checkpoints at the configured cadence until ctx is done,
// then writes one final checkpoint so aborts leave an accurate record.
func (c *Checkpointer) Run(ctx context.Context, log interface {
	Warn(msg string, args ...any)
}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Flush(ctx); err != nil {
				log.Warn("checkpoint: save failed", "pipeline", c.pipeline, "error", err)
			}
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := c.Flush(fctx); err != nil {
				log.Warn("checkpoint: final save failed", "pipeline", c.pipeline, "error", err)
			}
			cancel()
			return
		}
	}
}

// Flush writes the current progress snapshot.
func (c *Checkpointer) Flush(ctx context.Context) error {
	return c.store.Save(ctx, domain.Checkpoint{
		Pipeline:  c.pipeline,
		At:        time.Now(),
		Total:     c.Total.Load(),
		Processed: c.Processed.Load(),
		Succeeded: c.Succeeded.Load(),
		Failed:    c.Failed.Load(),
		Skipped:   c.Skipped.Load(),
		Cursors:   c.mark.Marks(),
	})
}
