// Package ingest wires the canonical ingestion pipeline: a source loader
// streams raw records into the raw store, and committed records flow on
// through cleaning and validation into the typed entry store.
//
//	FileReader → BulkRawWriter → CleanerBatch → ValidatorFilter → TypedBulkWriter
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lexigraph/lexigraph/engine/cleaner"
	"github.com/lexigraph/lexigraph/engine/domain"
	"github.com/lexigraph/lexigraph/engine/entrystore"
	"github.com/lexigraph/lexigraph/engine/loader"
	"github.com/lexigraph/lexigraph/engine/pipeline"
	"github.com/lexigraph/lexigraph/engine/rawstore"
	"github.com/lexigraph/lexigraph/pkg/fn"
	"github.com/lexigraph/lexigraph/pkg/metrics"
)

// Deps are the external collaborators of one ingestion run.
type Deps struct {
	Loader      loader.Loader
	Raw         *rawstore.Store
	Entries     *entrystore.Store
	Cleaners    *cleaner.Pipeline
	Validator   *domain.Validator
	Checkpoints *pipeline.CheckpointStore
	Sink        pipeline.ErrorSink
	Metrics     *metrics.Registry
	Logger      *slog.Logger
}

// Config tunes batch sizes and parallelism. Zero values take the
// recommended defaults.
type Config struct {
	SourceID           string
	Path               string
	LoadBatch          int // file-read queue chunking, default 20k
	RawBatch           int // raw bulk-insert batch, default 10k
	CleanBatch         int // cleaner batch, default 5k
	WriteBatch         int // typed bulk-upsert batch, default 5k
	CleanWorkers       int // default NumCPU
	Writers            int // default 2
	CheckpointInterval time.Duration
	Resume             bool
	AbortErrorRate     int // per-minute item errors before abort, default 1000
}

func (c *Config) fill() {
	if c.LoadBatch <= 0 {
		c.LoadBatch = 20000
	}
	if c.RawBatch <= 0 {
		c.RawBatch = 10000
	}
	if c.CleanBatch <= 0 {
		c.CleanBatch = 5000
	}
	if c.WriteBatch <= 0 {
		c.WriteBatch = 5000
	}
	if c.Writers <= 0 {
		c.Writers = 2
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 10 * time.Second
	}
	if c.AbortErrorRate <= 0 {
		c.AbortErrorRate = 1000
	}
}

// Summary is the outcome of a run.
type Summary struct {
	Read        int64
	RawInserted int64
	Duplicates  int64
	Entries     int64
	Invalid     int64
	Failed      int64
	Elapsed     time.Duration
}

// item carries a raw record through the pipeline with its resume cursor
// (the source file line).
type item struct {
	rec    domain.RawRecord
	cursor int64
}

// entryItem pairs a typed entry with the cursor of its raw record.
type entryItem struct {
	entry  domain.Entry
	cursor int64
}

// Run executes one ingestion over a single source file. With cfg.Resume,
// the loader skips everything at or before the checkpointed cursor;
// downstream writes are keyed by deterministic ids, so replaying the
// in-flight tail is harmless.
func Run(ctx context.Context, deps Deps, cfg Config) (Summary, error) {
	cfg.fill()
	start := time.Now()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	pipeName := "ingest:" + cfg.SourceID

	var resumeAfter int64
	if cfg.Resume && deps.Checkpoints != nil {
		cp, ok, err := deps.Checkpoints.Load(ctx, pipeName)
		if err != nil {
			return Summary{}, err
		}
		if ok {
			resumeAfter = cp.Cursors[cfg.SourceID]
			log.Info("ingest: resuming", "source", cfg.SourceID, "after_cursor", resumeAfter)
		}
	}

	p := pipeline.New(ctx, pipeName, pipeline.Options{
		Logger:      log,
		Sink:        deps.Sink,
		AbortRate:   cfg.AbortErrorRate,
		AbortWindow: time.Minute,
	})

	mark := pipeline.NewWatermark(map[string]int64{cfg.SourceID: resumeAfter})

	var sum Summary
	var read, rawInserted, dups, wrote, invalid pipeline.Counter

	var ckpt *pipeline.Checkpointer
	if deps.Checkpoints != nil {
		ckpt = pipeline.NewCheckpointer(deps.Checkpoints, mark, pipeName, cfg.CheckpointInterval)
		ckpt.Total = &read
		ckpt.Processed = &read
		ckpt.Succeeded = &wrote
		ckpt.Failed = &invalid
		ckpt.Skipped = &dups
	}

	// The file-read queue is sized by the read batch so the loader can run
	// a full read-ahead window past the raw writer.
	rawQ := pipeline.NewQueue[item](cfg.LoadBatch)
	cleanQ := pipeline.NewQueue[item](2 * cfg.CleanBatch)
	writeQ := pipeline.NewQueue[entryItem](2 * cfg.WriteBatch)

	// FileReader: stream the source, registering each emitted cursor with
	// the watermark in emission order.
	pipeline.Produce(p, pipeline.StageConfig{Name: "file-reader", Nature: pipeline.IO}, rawQ,
		func(ctx context.Context, emit func(item) error) error {
			sink := &loader.FuncSink{
				EmitF: func(ctx context.Context, rec domain.RawRecord) error {
					if rec.Origin.Line <= resumeAfter {
						return nil
					}
					read.Add(1)
					mark.Begin(cfg.SourceID, rec.Origin.Line)
					return emit(item{rec: rec, cursor: rec.Origin.Line})
				},
				SkipF: func(origin domain.Origin, err error) {
					p.ReportItem("file-reader", fmt.Sprintf("%s:%d", origin.Path, origin.Line), err)
				},
			}
			return deps.Loader.Load(ctx, cfg.Path, cfg.SourceID, sink)
		})

	// BulkRawWriter: batches into the raw store; duplicates leave the
	// pipeline here with their cursors settled.
	pipeline.Apply(p, pipeline.StageConfig{
		Name: "raw-writer", Nature: pipeline.IO, Workers: 1,
		BatchSize: cfg.RawBatch, IdleFlush: 500 * time.Millisecond,
	}, rawQ, cleanQ, func(ctx context.Context, batch []item) ([]item, error) {
		recs := make([]domain.RawRecord, len(batch))
		for i, it := range batch {
			recs[i] = it.rec
		}
		r := fn.Retry(ctx, fn.WriterBackoff, domain.IsTransient, func(ctx context.Context) fn.Result[rawstore.BulkResult] {
			return fn.FromPair(deps.Raw.BulkInsert(ctx, recs))
		})
		res, err := r.Unwrap()
		if err != nil {
			return nil, err
		}
		rawInserted.Add(int64(res.Inserted))
		dups.Add(int64(res.Duplicates))

		dup := make(map[int]bool, len(res.DupIndex))
		for _, i := range res.DupIndex {
			dup[i] = true
		}
		out := batch[:0]
		for i, it := range batch {
			if dup[i] {
				mark.Done(cfg.SourceID, it.cursor)
				continue
			}
			out = append(out, it)
		}
		return out, nil
	})

	// CleanerBatch: schemaless to typed, recording the transform log.
	pipeline.Apply(p, pipeline.StageConfig{
		Name: "cleaner", Nature: pipeline.CPU, Workers: cfg.CleanWorkers,
		BatchSize: cfg.CleanBatch, IdleFlush: 200 * time.Millisecond,
	}, cleanQ, writeQ, func(ctx context.Context, batch []item) ([]entryItem, error) {
		var out []entryItem
		var steps []domain.TransformStep
		for _, it := range batch {
			rec, err := cleaner.Extract(it.rec)
			if err != nil {
				invalid.Add(1)
				mark.Done(cfg.SourceID, it.cursor)
				p.ReportItem("cleaner", it.rec.Checksum, err)
				continue
			}
			applied := deps.Cleaners.Apply(rec, nil)
			steps = append(steps, applied.Steps...)
			if applied.Failed {
				invalid.Add(1)
				mark.Done(cfg.SourceID, it.cursor)
				p.ReportItem("cleaner", it.rec.Checksum, applied.Err)
				continue
			}
			entry := deps.Cleaners.ToEntry(applied.Record, time.Now().UTC())
			out = append(out, entryItem{entry: entry, cursor: it.cursor})
		}
		if len(steps) > 0 {
			if err := deps.Raw.AppendTransformLog(ctx, steps); err != nil {
				// The log is diagnostic; losing steps must not stall entries.
				log.Warn("ingest: transform log append failed", "error", err)
			}
		}
		return out, nil
	})

	// ValidatorFilter + TypedBulkWriter share the write queue: validation
	// is cheap enough to run inline in the writer batch.
	writeStage := func(ctx context.Context, batch []entryItem) error {
		entries := make([]domain.Entry, 0, len(batch))
		cursors := make([]int64, 0, len(batch))
		for _, it := range batch {
			ok, errs := deps.Validator.Check(it.entry)
			it.entry.ValidationErrors = errs
			it.entry.Quality = domain.QualityScore(it.entry, len(errs))
			if !ok {
				invalid.Add(1)
				mark.Done(cfg.SourceID, it.cursor)
				p.ReportItem("validator", it.entry.ID, domain.Ef(domain.KindInvalid, "validator", "%v", errs))
				continue
			}
			entries = append(entries, it.entry)
			cursors = append(cursors, it.cursor)
		}
		if len(entries) > 0 {
			r := fn.Retry(ctx, fn.WriterBackoff, domain.IsTransient, func(ctx context.Context) fn.Result[struct{}] {
				if err := deps.Entries.BulkUpsert(ctx, entries); err != nil {
					return fn.Err[struct{}](err)
				}
				return fn.Ok(struct{}{})
			})
			if _, err := r.Unwrap(); err != nil {
				return err
			}
			wrote.Add(int64(len(entries)))
		}
		for _, c := range cursors {
			mark.Done(cfg.SourceID, c)
		}
		return nil
	}
	pipeline.Drain(p, pipeline.StageConfig{
		Name: "typed-writer", Nature: pipeline.IO, Workers: cfg.Writers,
		BatchSize: cfg.WriteBatch, IdleFlush: 500 * time.Millisecond,
	}, writeQ, writeStage)

	// Progress + checkpoints run beside the stages.
	monCtx, monCancel := context.WithCancel(ctx)
	mon := pipeline.NewMonitor(p, log, 5*time.Second, nil, deps.Metrics)
	go mon.Run(monCtx)
	if ckpt != nil {
		go func() {
			ckpt.Run(monCtx, log)
		}()
	}

	err := p.Wait()
	if ckpt != nil {
		if ferr := ckpt.Flush(context.WithoutCancel(ctx)); ferr != nil {
			log.Warn("ingest: final checkpoint failed", "error", ferr)
		}
	}
	monCancel()

	sum = Summary{
		Read:        read.Load(),
		RawInserted: rawInserted.Load(),
		Duplicates:  dups.Load(),
		Entries:     wrote.Load(),
		Invalid:     invalid.Load(),
		Elapsed:     time.Since(start),
	}
	log.Info("ingest: done",
		"source", cfg.SourceID,
		"read", sum.Read,
		"raw_inserted", sum.RawInserted,
		"duplicates", sum.Duplicates,
		"entries", sum.Entries,
		"invalid", sum.Invalid,
		"elapsed", sum.Elapsed.Round(time.Millisecond),
	)
	return sum, err
}
