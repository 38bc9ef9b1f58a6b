// Package pipeline is the staged producer/consumer runtime: bounded queues
// between stages, per-stage worker pools with batch accumulation, progress
// counters, checkpointing, and a single cancellation signal. Everything the
// ingestion and enrichment pipelines share lives here.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lexigraph/lexigraph/engine/domain"
)

// Nature declares how a stage consumes resources. CPU stages default their
// worker count to the core count; IO stages to a modest pool.
type Nature int

const (
	CPU Nature = iota
	IO
)

// StageConfig configures one stage of a pipeline.
type StageConfig struct {
	Name      string
	Nature    Nature
	Workers   int
	BatchSize int
	// IdleFlush bounds how long a partial batch may sit waiting for more
	// input before the stage function runs anyway.
	IdleFlush time.Duration
	// Unordered marks stages that may emit out of input order (batched
	// embedding). Purely declarative; downstream must not assume order.
	Unordered bool
}

func (c StageConfig) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	if c.Nature == CPU {
		return runtime.NumCPU()
	}
	return 4
}

func (c StageConfig) batchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return 1
}

func (c StageConfig) idleFlush() time.Duration {
	if c.IdleFlush > 0 {
		return c.IdleFlush
	}
	return 200 * time.Millisecond
}

// Queue is a bounded inter-stage channel. Producers block on Push when the
// queue is full; that blocking is the backpressure contract.
type Queue[T any] struct {
	ch chan T
}

// NewQueue creates a queue with the given capacity (minimum 1).
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Push enqueues v, blocking until there is room or ctx is done.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals end-of-stream. Each consumer observes it exactly once,
// strictly after every previously enqueued item.
func (q *Queue[T]) Close() { close(q.ch) }

// Len returns the current depth.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the configured capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// ItemError is a per-item failure routed to the error sink.
type ItemError struct {
	Pipeline string    `json:"pipeline"`
	Stage    string    `json:"stage"`
	ItemRef  string    `json:"item_ref"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// ErrorSink receives contained per-item failures. Implementations must be
// safe for concurrent use; a nil sink drops them after counting.
type ErrorSink interface {
	Route(e ItemError)
}

// StageStats is a snapshot of one stage's counters.
type StageStats struct {
	Name      string
	Processed int64
	Failed    int64
	Batches   int64
	Depth     int
}

type stageState struct {
	cfg       StageConfig
	processed atomic.Int64
	failed    atomic.Int64
	batches   atomic.Int64
	depth     func() int
}

// Pipeline coordinates a DAG of stages over bounded queues.
type Pipeline struct {
	name   string
	ctx    context.Context
	cancel context.CancelCauseFunc
	g      *errgroup.Group
	log    *slog.Logger
	sink   ErrorSink
	window *ErrorWindow

	mu     sync.Mutex
	stages []*stageState
}

// Options tune pipeline-wide behavior.
type Options struct {
	Logger *slog.Logger
	Sink   ErrorSink
	// AbortRate aborts the pipeline when per-item errors exceed this
	// count within AbortWindow. Zero disables the breaker.
	AbortRate   int
	AbortWindow time.Duration
}

// New creates a pipeline bound to ctx. Cancelling ctx, a fatal stage
// error, or tripping the error-rate window all cancel every stage.
func New(ctx context.Context, name string, opts Options) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	g, gctx := errgroup.WithContext(ctx)
	p := &Pipeline{
		name:   name,
		ctx:    gctx,
		cancel: cancel,
		g:      g,
		log:    log,
		sink:   opts.Sink,
	}
	if opts.AbortRate > 0 {
		w := opts.AbortWindow
		if w <= 0 {
			w = time.Minute
		}
		p.window = NewErrorWindow(opts.AbortRate, w)
	}
	return p
}

// Context returns the pipeline's context; stages observe cancellation
// through it between items and on every queue wait.
func (p *Pipeline) Context() context.Context { return p.ctx }

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

func (p *Pipeline) newStage(cfg StageConfig, depth func() int) *stageState {
	st := &stageState{cfg: cfg, depth: depth}
	p.mu.Lock()
	p.stages = append(p.stages, st)
	p.mu.Unlock()
	return st
}

// Stats snapshots every stage's counters. Counters use relaxed atomic
// adds; each is read once per snapshot.
func (p *Pipeline) Stats() []StageStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StageStats, len(p.stages))
	for i, st := range p.stages {
		s := StageStats{
			Name:      st.cfg.Name,
			Processed: st.processed.Load(),
			Failed:    st.failed.Load(),
			Batches:   st.batches.Load(),
		}
		if st.depth != nil {
			s.Depth = st.depth()
		}
		out[i] = s
	}
	return out
}

// ReportItem routes one contained per-item failure: counted, logged,
// forwarded to the sink, and fed to the abort window.
func (p *Pipeline) ReportItem(stage, itemRef string, err error) {
	p.mu.Lock()
	var st *stageState
	for _, s := range p.stages {
		if s.cfg.Name == stage {
			st = s
			break
		}
	}
	p.mu.Unlock()
	if st != nil {
		st.failed.Add(1)
	}
	p.log.Warn("pipeline: item error", "pipeline", p.name, "stage", stage, "item", itemRef, "error", err)
	if p.sink != nil {
		p.sink.Route(ItemError{Pipeline: p.name, Stage: stage, ItemRef: itemRef, Error: err.Error(), At: time.Now()})
	}
	if p.window != nil && p.window.Record() {
		p.fail(stage, domain.Ef(domain.KindFatal, stage, "error rate exceeded: %d errors in %s", p.window.limit, p.window.span))
	}
}

// fail cancels the pipeline with a fatal cause.
func (p *Pipeline) fail(stage string, err error) {
	p.cancel(fmt.Errorf("%s/%s: %w", p.name, stage, err))
}

// Cancel requests a cooperative shutdown. Stages stop at their next loop
// iteration; sinks flush in-flight batches; committed work stays committed.
func (p *Pipeline) Cancel(reason error) {
	if reason == nil {
		reason = context.Canceled
	}
	p.cancel(reason)
}

// Wait blocks until every stage has exited and returns the first fatal
// error, if any.
func (p *Pipeline) Wait() error {
	err := p.g.Wait()
	if cause := context.Cause(p.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// guard converts a stage panic into a fatal error instead of letting it
// cross the worker boundary.
func (p *Pipeline) guard(stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.Ef(domain.KindFatal, stage, "panic: %v", r)
			p.fail(stage, err)
		}
	}()
	return fn()
}

// Produce runs fn as a source stage feeding out. fn pushes through emit,
// which applies backpressure; the queue closes when fn returns.
func Produce[Out any](p *Pipeline, cfg StageConfig, out *Queue[Out], fn func(ctx context.Context, emit func(Out) error) error) {
	st := p.newStage(cfg, nil)
	p.g.Go(func() error {
		defer out.Close()
		return p.guard(cfg.Name, func() error {
			err := fn(p.ctx, func(v Out) error {
				if err := out.Push(p.ctx, v); err != nil {
					return err
				}
				st.processed.Add(1)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				p.fail(cfg.Name, err)
				return err
			}
			return nil
		})
	})
}

// BatchFunc transforms one input batch into outputs. Per-item failures are
// reported through Pipeline.ReportItem and excluded from the returned
// slice; a non-nil error is fatal unless it is KindInvalid, which fails
// the whole batch but lets the pipeline continue.
type BatchFunc[In, Out any] func(ctx context.Context, batch []In) ([]Out, error)

// Apply connects in to out through a pool of workers that accumulate
// batches of cfg.BatchSize (flushing partials after cfg.IdleFlush and at
// end-of-stream).
func Apply[In, Out any](p *Pipeline, cfg StageConfig, in *Queue[In], out *Queue[Out], fn BatchFunc[In, Out]) {
	st := p.newStage(cfg, in.Len)
	var wg sync.WaitGroup
	workers := cfg.workers()
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		p.g.Go(func() error {
			defer wg.Done()
			return p.guard(cfg.Name, func() error {
				return runWorker(p, st, cfg, in, fn, func(v Out) error {
					return out.Push(p.ctx, v)
				})
			})
		})
	}
	go func() {
		wg.Wait()
		out.Close()
	}()
}

// Drain connects in to a sink stage with no output queue.
func Drain[In any](p *Pipeline, cfg StageConfig, in *Queue[In], fn func(ctx context.Context, batch []In) error) {
	st := p.newStage(cfg, in.Len)
	workers := cfg.workers()
	for w := 0; w < workers; w++ {
		p.g.Go(func() error {
			return p.guard(cfg.Name, func() error {
				return runWorker(p, st, cfg, in, func(ctx context.Context, batch []In) ([]struct{}, error) {
					return nil, fn(ctx, batch)
				}, func(struct{}) error { return nil })
			})
		})
	}
}

// runWorker is the shared worker loop: pull, accumulate, flush.
func runWorker[In, Out any](p *Pipeline, st *stageState, cfg StageConfig, in *Queue[In], fn BatchFunc[In, Out], push func(Out) error) error {
	size := cfg.batchSize()
	batch := make([]In, 0, size)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		b := batch
		batch = make([]In, 0, size)
		st.batches.Add(1)
		fctx := p.ctx
		if fctx.Err() != nil {
			// Cancelled mid-batch: the in-flight batch still flushes,
			// bounded by the graceful-shutdown budget.
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(context.WithoutCancel(p.ctx), 30*time.Second)
			defer cancel()
		}
		outs, err := fn(fctx, b)
		if err != nil {
			if domain.IsInvalid(err) {
				st.failed.Add(int64(len(b)))
				return nil
			}
			if !errors.Is(err, context.Canceled) {
				p.fail(cfg.Name, err)
			}
			return err
		}
		st.processed.Add(int64(len(b)))
		for _, o := range outs {
			if err := push(o); err != nil {
				return err
			}
		}
		return nil
	}

	idle := cfg.idleFlush()
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		if len(batch) == 0 {
			// Nothing pending; block without the idle timer.
			select {
			case v, ok := <-in.ch:
				if !ok {
					return flush()
				}
				batch = append(batch, v)
				if len(batch) >= size {
					if err := flush(); err != nil {
						return err
					}
				}
			case <-p.ctx.Done():
				// Flush what we hold so committed prefixes stay intact.
				flushErr := flush()
				if flushErr != nil {
					return flushErr
				}
				return p.ctx.Err()
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
			continue
		}

		select {
		case v, ok := <-in.ch:
			if !ok {
				return flush()
			}
			batch = append(batch, v)
			if len(batch) >= size {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
			timer.Reset(idle)
		case <-p.ctx.Done():
			flushErr := flush()
			if flushErr != nil {
				return flushErr
			}
			return p.ctx.Err()
		}
	}
}
