// Package enrich wires the canonical enrichment pipeline: entries missing
// embeddings stream out of the typed store, their normalized definitions
// are encoded in coalesced accelerator batches, and vectors are written
// back under backpressure.
//
//	EntryReader → Normalizer → EmbeddingBatcher (unordered) → EntryUpdateWriter
package enrich

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/lexigraph/lexigraph/engine/domain"
	"github.com/lexigraph/lexigraph/engine/embed"
	"github.com/lexigraph/lexigraph/engine/entrystore"
	"github.com/lexigraph/lexigraph/engine/pipeline"
	"github.com/lexigraph/lexigraph/pkg/fn"
	"github.com/lexigraph/lexigraph/pkg/metrics"
)

// Deps are the external collaborators of one enrichment run.
type Deps struct {
	Entries     *entrystore.Store
	Vectors     *entrystore.VectorIndex // may be nil to skip the ANN index
	Embedder    *embed.Service
	Checkpoints *pipeline.CheckpointStore
	Sink        pipeline.ErrorSink
	Metrics     *metrics.Registry
	Logger      *slog.Logger
}

// Config tunes one enrichment run.
type Config struct {
	SourceID           string // optional filter
	EmbedBatch         int    // default 512
	Writers            int    // default 2
	CheckpointInterval time.Duration
	Resume             bool
}

func (c *Config) fill() {
	if c.EmbedBatch <= 0 {
		c.EmbedBatch = 512
	}
	if c.Writers <= 0 {
		c.Writers = 2
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 10 * time.Second
	}
}

// Summary is the outcome of a run.
type Summary struct {
	Scanned  int64
	Embedded int64
	Failed   int64
	HitRate  float64
	Elapsed  time.Duration
}

type entryItem struct {
	entry  domain.Entry
	cursor int64
}

type vecItem struct {
	id        string
	language  string
	headword  string
	source    string
	embedding []float32
	cursor    int64
}

// embedText is the text actually encoded for an entry: the headword anchored
// to its gloss. Normalization keeps the cache key stable across sources
// that differ only in spacing or case.
func embedText(e domain.Entry) string {
	return strings.ToLower(strings.TrimSpace(e.Headword) + ": " + strings.TrimSpace(e.Definition))
}

// Run embeds every entry missing an embedding. Replays are idempotent:
// writes are keyed by entry id, and the cache makes re-encoding cheap.
func Run(ctx context.Context, deps Deps, cfg Config) (Summary, error) {
	cfg.fill()
	start := time.Now()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	pipeName := "enrich:" + cfg.SourceID

	var resumeAfter int64
	if cfg.Resume && deps.Checkpoints != nil {
		cp, ok, err := deps.Checkpoints.Load(ctx, pipeName)
		if err != nil {
			return Summary{}, err
		}
		if ok {
			resumeAfter = cp.Cursors["entries"]
			log.Info("enrich: resuming", "after_cursor", resumeAfter)
		}
	}

	p := pipeline.New(ctx, pipeName, pipeline.Options{
		Logger:      log,
		Sink:        deps.Sink,
		AbortRate:   500,
		AbortWindow: time.Minute,
	})

	mark := pipeline.NewWatermark(map[string]int64{"entries": resumeAfter})

	var scanned, embedded, failed pipeline.Counter

	var ckpt *pipeline.Checkpointer
	if deps.Checkpoints != nil {
		ckpt = pipeline.NewCheckpointer(deps.Checkpoints, mark, pipeName, cfg.CheckpointInterval)
		ckpt.Total = &scanned
		ckpt.Processed = &scanned
		ckpt.Succeeded = &embedded
		ckpt.Failed = &failed
	}

	embedQ := pipeline.NewQueue[entryItem](2 * cfg.EmbedBatch)
	writeQ := pipeline.NewQueue[vecItem](2 * cfg.EmbedBatch)

	// EntryReader: scan entries still missing an embedding.
	pipeline.Produce(p, pipeline.StageConfig{Name: "entry-reader", Nature: pipeline.IO}, embedQ,
		func(ctx context.Context, emit func(entryItem) error) error {
			filter := entrystore.Filter{SourceID: cfg.SourceID, MissingEmbedding: true}
			return deps.Entries.Scan(ctx, filter, resumeAfter, func(sc entrystore.Scanned) error {
				scanned.Add(1)
				mark.Begin("entries", sc.Cursor)
				return emit(entryItem{entry: sc.Entry, cursor: sc.Cursor})
			})
		})

	// EmbeddingBatcher: the single accelerator-facing stage. Declared
	// unordered: batches from concurrent workers complete out of input
	// order and the writer must not care.
	pipeline.Apply(p, pipeline.StageConfig{
		Name: "embedder", Nature: pipeline.IO, Workers: 2, Unordered: true,
		BatchSize: cfg.EmbedBatch, IdleFlush: 100 * time.Millisecond,
	}, embedQ, writeQ, func(ctx context.Context, batch []entryItem) ([]vecItem, error) {
		texts := make([]string, len(batch))
		for i, it := range batch {
			texts[i] = embedText(it.entry)
		}
		vecs, err := deps.Embedder.Encode(ctx, texts)
		if err != nil {
			// Backend exhaustion after retry and batch-splitting is fatal
			// for the run; everything else was contained in the service.
			return nil, domain.Ef(domain.KindFatal, "embedder", "encode batch of %d: %w", len(batch), err)
		}
		out := make([]vecItem, len(batch))
		for i, it := range batch {
			out[i] = vecItem{
				id:        it.entry.ID,
				language:  it.entry.LanguageCode,
				headword:  it.entry.Headword,
				source:    it.entry.SourceID,
				embedding: vecs[i],
				cursor:    it.cursor,
			}
		}
		return out, nil
	})

	// EntryUpdateWriter: vectors back to SQLite and the ANN index.
	pipeline.Drain(p, pipeline.StageConfig{
		Name: "entry-writer", Nature: pipeline.IO, Workers: cfg.Writers,
		BatchSize: 256, IdleFlush: 500 * time.Millisecond,
	}, writeQ, func(ctx context.Context, batch []vecItem) error {
		updates := make([]entrystore.EmbeddingUpdate, len(batch))
		points := make([]entrystore.Point, len(batch))
		for i, it := range batch {
			updates[i] = entrystore.EmbeddingUpdate{ID: it.id, Embedding: it.embedding}
			points[i] = entrystore.Point{
				EntryID:   it.id,
				Embedding: it.embedding,
				Payload: map[string]any{
					"language_code": it.language,
					"headword":      it.headword,
					"source_id":     it.source,
				},
			}
		}
		r := fn.Retry(ctx, fn.WriterBackoff, domain.IsTransient, func(ctx context.Context) fn.Result[struct{}] {
			if err := deps.Entries.WriteEmbeddings(ctx, updates); err != nil {
				return fn.Err[struct{}](err)
			}
			if deps.Vectors != nil {
				if err := deps.Vectors.UpsertPoints(ctx, points); err != nil {
					return fn.Err[struct{}](domain.Ef(domain.KindTransient, "entry-writer", "vector upsert: %w", err))
				}
			}
			return fn.Ok(struct{}{})
		})
		if _, err := r.Unwrap(); err != nil {
			return err
		}
		embedded.Add(int64(len(batch)))
		for _, it := range batch {
			mark.Done("entries", it.cursor)
		}
		return nil
	})

	monCtx, monCancel := context.WithCancel(ctx)
	mon := pipeline.NewMonitor(p, log, 5*time.Second, &scanned, deps.Metrics)
	go mon.Run(monCtx)
	if ckpt != nil {
		go ckpt.Run(monCtx, log)
	}

	err := p.Wait()
	if ckpt != nil {
		if ferr := ckpt.Flush(context.WithoutCancel(ctx)); ferr != nil {
			log.Warn("enrich: final checkpoint failed", "error", ferr)
		}
	}
	monCancel()

	sum := Summary{
		Scanned:  scanned.Load(),
		Embedded: embedded.Load(),
		Failed:   failed.Load(),
		HitRate:  deps.Embedder.HitRate(),
		Elapsed:  time.Since(start),
	}
	log.Info("enrich: done",
		"scanned", sum.Scanned,
		"embedded", sum.Embedded,
		"cache_hit_rate", sum.HitRate,
		"elapsed", sum.Elapsed.Round(time.Millisecond),
	)
	return sum, err
}
