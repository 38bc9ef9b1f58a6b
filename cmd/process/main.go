// Command process runs the enrichment pipeline: entries missing embeddings
// are encoded in coalesced batches and written back to the typed store and
// the vector index.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lexigraph/lexigraph/engine/domain"
	"github.com/lexigraph/lexigraph/engine/embed"
	"github.com/lexigraph/lexigraph/engine/enrich"
	"github.com/lexigraph/lexigraph/engine/entrystore"
	"github.com/lexigraph/lexigraph/engine/pipeline"
	"github.com/lexigraph/lexigraph/engine/rawstore"
	"github.com/lexigraph/lexigraph/pkg/metrics"
)

const (
	exitOK        = 0
	exitUsage     = 2
	exitInput     = 65
	exitInternal  = 70
	exitIO        = 74
	exitRetriable = 75
)

var met = metrics.New()

func main() {
	os.Exit(run())
}

func run() int {
	var (
		source      = flag.String("source", "", "restrict to one source id (optional)")
		embedBatch  = flag.Int("embed-batch", 512, "embedding batch size")
		writersN    = flag.Int("writers", 2, "entry writer workers")
		resumeFrom  = flag.String("resume-from", "", "resume from this checkpoint name ('' = fresh run)")
		dbPath      = flag.String("db", "lexigraph.db", "SQLite database path")
		ollamaURL   = flag.String("ollama", "http://localhost:11434", "Ollama base URL")
		ollamaModel = flag.String("model", "nomic-embed-text", "Ollama embedding model")
		dims        = flag.Int("dims", domain.EmbeddingDims, "embedding dimensionality")
		qdrantAddr  = flag.String("qdrant", "", "Qdrant gRPC address (optional)")
		collection  = flag.String("collection", "lexigraph", "Qdrant collection name")
		natsURL     = flag.String("nats", "", "NATS URL for DLQ and shared cache (optional)")
		cacheBucket = flag.String("cache-bucket", "lexigraph-embeddings", "NATS KV bucket for the shared cache")
		lruSize     = flag.Int("lru", embed.DefaultLRUSize, "in-process cache entries")
		ratePerSec  = flag.Float64("rate", 0, "max backend calls per second, 0 = unlimited")
		metricsPort = flag.Int("metrics-port", 9093, "metrics/health port, 0 to disable")
	)
	flag.Parse()

	log := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	db, err := rawstore.Open(*dbPath)
	if err != nil {
		log.Error("process: open database", "error", err)
		return exitIO
	}
	defer db.Close()

	entries, err := entrystore.New(db)
	if err != nil {
		log.Error("process: entry store", "error", err)
		return exitIO
	}
	ckpts, err := pipeline.NewCheckpointStore(db)
	if err != nil {
		log.Error("process: checkpoint store", "error", err)
		return exitIO
	}

	// Optional NATS: DLQ plus the level-2 embedding cache.
	var (
		sink pipeline.ErrorSink = &pipeline.MemorySink{}
		kv   nats.KeyValue
	)
	if *natsURL != "" {
		nc, err := nats.Connect(*natsURL, nats.Name("lexigraph-process"))
		if err != nil {
			log.Warn("process: NATS unavailable, degrading to local cache and log-only errors", "error", err)
		} else {
			defer nc.Close()
			sink = pipeline.NewNATSSink(nc, "lexigraph.process.dlq", log)
			if bkv, err := embed.OpenKV(nc, *cacheBucket); err != nil {
				log.Warn("process: shared cache unavailable", "error", err)
			} else {
				kv = bkv
			}
		}
	}

	cache, err := embed.NewCache(*lruSize, kv, log)
	if err != nil {
		log.Error("process: cache", "error", err)
		return exitInternal
	}
	encoder := embed.NewOllamaEncoder(*ollamaURL, *ollamaModel, *dims)
	svc := embed.NewService(encoder, cache, embed.Config{
		BatchSize:  *embedBatch,
		RatePerSec: *ratePerSec,
	}, log)
	defer svc.Close()

	var vectors *entrystore.VectorIndex
	if *qdrantAddr != "" {
		vectors, err = entrystore.NewVectorIndex(*qdrantAddr, *collection)
		if err != nil {
			log.Error("process: qdrant", "error", err)
			return exitIO
		}
		defer vectors.Close()
		if err := vectors.EnsureCollection(ctx, *dims); err != nil {
			log.Error("process: qdrant collection", "error", err)
			return exitIO
		}
	}

	if *metricsPort > 0 {
		met.CollectRuntime("lexigraph_process", 15*time.Second)
		met.ServeOps(*metricsPort, "lexigraph-process", log)
		hitGauge := met.Gauge("lexigraph_embed_cache_hit_rate", "Two-level cache hit rate in percent")
		go func() {
			t := time.NewTicker(15 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					hitGauge.Set(int64(svc.HitRate() * 100))
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	sum, err := enrich.Run(ctx, enrich.Deps{
		Entries:     entries,
		Vectors:     vectors,
		Embedder:    svc,
		Checkpoints: ckpts,
		Sink:        sink,
		Metrics:     met,
		Logger:      log,
	}, enrich.Config{
		SourceID:   *source,
		EmbedBatch: *embedBatch,
		Writers:    *writersN,
		Resume:     *resumeFrom != "",
	})
	if err != nil {
		log.Error("process: pipeline failed", "error", err)
		return exitFor(err)
	}
	log.Info("process: cache", "hit_rate", fmt.Sprintf("%.3f", sum.HitRate))
	return exitOK
}

func exitFor(err error) int {
	if errors.Is(err, context.Canceled) {
		return exitOK
	}
	switch domain.KindOf(err) {
	case domain.KindResourceMissing:
		return exitInput
	case domain.KindTransient:
		return exitRetriable
	case domain.KindIntegrity, domain.KindInvalid:
		return exitInput
	default:
		return exitInternal
	}
}
