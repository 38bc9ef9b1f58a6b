// Command ingest streams a dictionary source file through the ingestion
// pipeline: raw store, cleaners, validator, typed entry store.
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

	"github.com/lexigraph/lexigraph/engine/cleaner"
	"github.com/lexigraph/lexigraph/engine/domain"
	"github.com/lexigraph/lexigraph/engine/entrystore"
	"github.com/lexigraph/lexigraph/engine/ingest"
	"github.com/lexigraph/lexigraph/engine/loader"
	"github.com/lexigraph/lexigraph/engine/pipeline"
	"github.com/lexigraph/lexigraph/engine/rawstore"
	"github.com/lexigraph/lexigraph/pkg/metrics"
)

// Exit codes follow the sysexits convention used by the operators' tooling.
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
		file        = flag.String("file", "", "source file path (required)")
		source      = flag.String("source", "", "source id (required)")
		format      = flag.String("format", "jsonl", "source format: json|cldf|starling|tei|csv")
		workers     = flag.Int("workers", 0, "cleaner workers (default: CPU cores)")
		loadBatch   = flag.Int("load-batch", 20000, "file read batch")
		cleanBatch  = flag.Int("clean-batch", 5000, "cleaner batch")
		writeBatch  = flag.Int("write-batch", 5000, "typed writer batch")
		writersN    = flag.Int("writers", 2, "typed writer workers")
		strict      = flag.Bool("strict", false, "short-circuit on cleaner validation failure")
		resume      = flag.Bool("resume", false, "resume from the last checkpoint")
		dbPath      = flag.String("db", "lexigraph.db", "SQLite database path")
		natsURL     = flag.String("nats", "", "NATS URL for the error DLQ (optional)")
		metricsPort = flag.Int("metrics-port", 9092, "metrics/health port, 0 to disable")
	)
	flag.Parse()

	log := slog.Default()

	if *file == "" || *source == "" {
		fmt.Fprintln(os.Stderr, "usage: ingest --file F --source S [--format json|cldf|starling|tei|csv]")
		return exitUsage
	}
	if _, err := os.Stat(*file); err != nil {
		log.Error("ingest: source file", "path", *file, "error", err)
		return exitInput
	}

	ld, err := loader.ForFormat(*format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingest: %v\n", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	db, err := rawstore.Open(*dbPath)
	if err != nil {
		log.Error("ingest: open database", "error", err)
		return exitIO
	}
	defer db.Close()

	raw, err := rawstore.New(db)
	if err != nil {
		log.Error("ingest: raw store", "error", err)
		return exitIO
	}
	entries, err := entrystore.New(db)
	if err != nil {
		log.Error("ingest: entry store", "error", err)
		return exitIO
	}
	ckpts, err := pipeline.NewCheckpointStore(db)
	if err != nil {
		log.Error("ingest: checkpoint store", "error", err)
		return exitIO
	}

	var sink pipeline.ErrorSink = &pipeline.MemorySink{}
	if *natsURL != "" {
		nc, err := nats.Connect(*natsURL, nats.Name("lexigraph-ingest"))
		if err != nil {
			log.Warn("ingest: NATS unavailable, item errors stay local", "error", err)
		} else {
			defer nc.Close()
			sink = pipeline.NewNATSSink(nc, "lexigraph.ingest.dlq", log)
		}
	}

	if *metricsPort > 0 {
		met.CollectRuntime("lexigraph_ingest", 15*time.Second)
		met.ServeOps(*metricsPort, "lexigraph-ingest", log)
	}

	_, err = ingest.Run(ctx, ingest.Deps{
		Loader:      ld,
		Raw:         raw,
		Entries:     entries,
		Cleaners:    cleaner.Default(*strict),
		Validator:   domain.NewValidator(),
		Checkpoints: ckpts,
		Sink:        sink,
		Metrics:     met,
		Logger:      log,
	}, ingest.Config{
		SourceID:     *source,
		Path:         *file,
		LoadBatch:    *loadBatch,
		CleanBatch:   *cleanBatch,
		WriteBatch:   *writeBatch,
		CleanWorkers: *workers,
		Writers:      *writersN,
		Resume:       *resume,
	})
	if err != nil {
		log.Error("ingest: pipeline failed", "error", err)
		return exitFor(err)
	}
	return exitOK
}

// exitFor maps the error taxonomy onto exit codes.
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
