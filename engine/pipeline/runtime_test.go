package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexigraph/lexigraph/engine/domain"
	"github.com/lexigraph/lexigraph/engine/rawstore"
)

func TestPipelineMovesItemsThroughStages(t *testing.T) {
	p := New(context.Background(), "test", Options{})
	in := NewQueue[int](8)
	out := NewQueue[int](8)

	Produce(p, StageConfig{Name: "src"}, in, func(ctx context.Context, emit func(int) error) error {
		for i := 1; i <= 100; i++ {
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	})

	Apply(p, StageConfig{Name: "double", Workers: 4, BatchSize: 7}, in, out,
		func(ctx context.Context, batch []int) ([]int, error) {
			res := make([]int, len(batch))
			for i, v := range batch {
				res[i] = v * 2
			}
			return res, nil
		})

	var mu sync.Mutex
	var got []int
	Drain(p, StageConfig{Name: "sink", Workers: 1, BatchSize: 10}, out,
		func(ctx context.Context, batch []int) error {
			mu.Lock()
			got = append(got, batch...)
			mu.Unlock()
			return nil
		})

	if err := p.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("got %d items, want 100", len(got))
	}
	sum := 0
	for _, v := range got {
		sum += v
	}
	if sum != 101*100 { // 2 * (1+..+100)
		t.Fatalf("sum = %d", sum)
	}
}

func TestSentinelArrivesAfterAllItems(t *testing.T) {
	// Spec invariant: each consumer observes end-of-stream strictly after
	// every item enqueued before the producer stopped.
	p := New(context.Background(), "test", Options{})
	q := NewQueue[int](4)

	const n = 500
	Produce(p, StageConfig{Name: "src"}, q, func(ctx context.Context, emit func(int) error) error {
		for i := 0; i < n; i++ {
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	})

	var seen atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range q.ch {
			seen.Add(1)
		}
		// Channel closed: every prior item must already be consumed.
		if seen.Load() != n {
			t.Errorf("sentinel before all items: saw %d of %d", seen.Load(), n)
		}
	}()

	if err := p.Wait(); err != nil {
		t.Fatal(err)
	}
	<-done
}

func TestBackpressureBoundsQueueDepth(t *testing.T) {
	// Spec invariant: in-flight items never exceed queue capacities plus
	// worker batches. With a capacity-4 queue and one worker of batch 2,
	// the producer can never be more than 4+2 ahead of the consumer.
	p := New(context.Background(), "test", Options{})
	q := NewQueue[int](4)

	var produced, consumed atomic.Int64
	var maxLead int64

	Produce(p, StageConfig{Name: "src"}, q, func(ctx context.Context, emit func(int) error) error {
		for i := 0; i < 200; i++ {
			if err := emit(i); err != nil {
				return err
			}
			lead := produced.Add(1) - consumed.Load()
			for {
				cur := atomic.LoadInt64(&maxLead)
				if lead <= cur || atomic.CompareAndSwapInt64(&maxLead, cur, lead) {
					break
				}
			}
		}
		return nil
	})

	Drain(p, StageConfig{Name: "slow-sink", Workers: 1, BatchSize: 2}, q,
		func(ctx context.Context, batch []int) error {
			time.Sleep(time.Millisecond)
			consumed.Add(int64(len(batch)))
			return nil
		})

	if err := p.Wait(); err != nil {
		t.Fatal(err)
	}
	// capacity(4) + worker batch(2) + the item in the producer's hand.
	if maxLead > 4+2+1 {
		t.Fatalf("producer ran %d ahead; backpressure bound violated", maxLead)
	}
}

func TestPartialBatchFlushedAtEndOfStream(t *testing.T) {
	p := New(context.Background(), "test", Options{})
	q := NewQueue[int](8)

	Produce(p, StageConfig{Name: "src"}, q, func(ctx context.Context, emit func(int) error) error {
		for i := 0; i < 5; i++ { // 5 items, batch size 100
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	})

	var got atomic.Int64
	Drain(p, StageConfig{Name: "sink", Workers: 1, BatchSize: 100, IdleFlush: time.Hour}, q,
		func(ctx context.Context, batch []int) error {
			got.Add(int64(len(batch)))
			return nil
		})

	if err := p.Wait(); err != nil {
		t.Fatal(err)
	}
	if got.Load() != 5 {
		t.Fatalf("partial batch lost: %d of 5", got.Load())
	}
}

func TestIdleFlushReleasesPartialBatch(t *testing.T) {
	p := New(context.Background(), "test", Options{})
	q := NewQueue[int](8)
	flushed := make(chan int, 8)

	Drain(p, StageConfig{Name: "sink", Workers: 1, BatchSize: 100, IdleFlush: 20 * time.Millisecond}, q,
		func(ctx context.Context, batch []int) error {
			flushed <- len(batch)
			return nil
		})

	q.Push(context.Background(), 1)
	q.Push(context.Background(), 2)

	select {
	case n := <-flushed:
		if n != 2 {
			t.Fatalf("flushed %d, want 2", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle flush never fired")
	}
	q.Close()
	if err := p.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestFatalErrorCancelsPipeline(t *testing.T) {
	p := New(context.Background(), "test", Options{})
	q := NewQueue[int](2)

	Produce(p, StageConfig{Name: "src"}, q, func(ctx context.Context, emit func(int) error) error {
		for i := 0; ; i++ {
			if err := emit(i); err != nil {
				return err // context cancelled by the failing sink
			}
		}
	})
	Drain(p, StageConfig{Name: "sink", Workers: 1, BatchSize: 1}, q,
		func(ctx context.Context, batch []int) error {
			return domain.Ef(domain.KindFatal, "sink", "schema mismatch")
		})

	err := p.Wait()
	if err == nil {
		t.Fatal("fatal sink error must surface from Wait")
	}
}

func TestPanicBecomesFatal(t *testing.T) {
	p := New(context.Background(), "test", Options{})
	q := NewQueue[int](2)

	Produce(p, StageConfig{Name: "src"}, q, func(ctx context.Context, emit func(int) error) error {
		return emit(1)
	})
	Drain(p, StageConfig{Name: "sink", Workers: 1, BatchSize: 1}, q,
		func(ctx context.Context, batch []int) error {
			panic("worker exploded")
		})

	if err := p.Wait(); err == nil {
		t.Fatal("panic must abort the pipeline, not crash the process")
	}
}

func TestInvalidBatchErrorDoesNotAbort(t *testing.T) {
	p := New(context.Background(), "test", Options{})
	q := NewQueue[int](8)

	Produce(p, StageConfig{Name: "src"}, q, func(ctx context.Context, emit func(int) error) error {
		for i := 0; i < 10; i++ {
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	})

	var okBatches atomic.Int64
	Drain(p, StageConfig{Name: "sink", Workers: 1, BatchSize: 1}, q,
		func(ctx context.Context, batch []int) error {
			if batch[0]%2 == 0 {
				return domain.Ef(domain.KindInvalid, "sink", "bad item %d", batch[0])
			}
			okBatches.Add(1)
			return nil
		})

	if err := p.Wait(); err != nil {
		t.Fatalf("invalid items must not abort: %v", err)
	}
	if okBatches.Load() != 5 {
		t.Fatalf("ok batches = %d, want 5", okBatches.Load())
	}
}

func TestReportItemRoutesToSink(t *testing.T) {
	sink := &MemorySink{}
	p := New(context.Background(), "test", Options{Sink: sink})
	p.newStage(StageConfig{Name: "clean"}, nil)

	p.ReportItem("clean", "item-1", errors.New("boom"))
	errs := sink.Take()
	if len(errs) != 1 || errs[0].ItemRef != "item-1" || errs[0].Stage != "clean" {
		t.Fatalf("routed = %+v", errs)
	}
	stats := p.Stats()
	if stats[0].Failed != 1 {
		t.Fatalf("failed counter = %d", stats[0].Failed)
	}
}

func TestErrorWindowAbortsPipeline(t *testing.T) {
	p := New(context.Background(), "test", Options{AbortRate: 3, AbortWindow: time.Minute})
	q := NewQueue[int](1)
	Produce(p, StageConfig{Name: "src"}, q, func(ctx context.Context, emit func(int) error) error {
		<-ctx.Done()
		return ctx.Err()
	})
	go func() {
		for i := 0; i < 10; i++ {
			p.ReportItem("src", "x", errors.New("repeated failure"))
		}
	}()
	if err := p.Wait(); err == nil {
		t.Fatal("exceeding the error rate must abort the pipeline")
	}
}

func TestErrorWindowSliding(t *testing.T) {
	w := NewErrorWindow(2, 100*time.Millisecond)
	now := time.Now()
	w.now = func() time.Time { return now }

	if w.Record() || w.Record() {
		t.Fatal("under the limit must not trip")
	}
	if !w.Record() {
		t.Fatal("third error inside the window must trip")
	}
	now = now.Add(200 * time.Millisecond)
	if w.Record() {
		t.Fatal("expired errors must fall out of the window")
	}
	if w.Count() != 1 {
		t.Fatalf("count = %d", w.Count())
	}
}

func TestWatermarkContiguousAdvance(t *testing.T) {
	w := NewWatermark(nil)
	for _, c := range []int64{1, 2, 3, 4} {
		w.Begin("s", c)
	}
	w.Done("s", 3)
	w.Done("s", 1)
	if m := w.Marks()["s"]; m != 1 {
		t.Fatalf("mark = %d, want 1 (2 still in flight)", m)
	}
	w.Done("s", 2)
	if m := w.Marks()["s"]; m != 3 {
		t.Fatalf("mark = %d, want 3", m)
	}
	w.Done("s", 4)
	if m := w.Marks()["s"]; m != 4 {
		t.Fatalf("mark = %d, want 4", m)
	}
}

func TestWatermarkDuplicateCursors(t *testing.T) {
	// Loaders may emit several records for one source line; the mark only
	// passes the line when all of them commit.
	w := NewWatermark(nil)
	w.Begin("s", 1)
	w.Begin("s", 1)
	w.Begin("s", 2)
	w.Done("s", 1)
	if m := w.Marks()["s"]; m != 0 {
		t.Fatalf("mark = %d, want 0 (second registration pending)", m)
	}
	w.Done("s", 1)
	if m := w.Marks()["s"]; m != 1 {
		t.Fatalf("mark = %d, want 1", m)
	}
}

func TestCheckpointStoreRoundTrip(t *testing.T) {
	db, err := rawstore.Open(filepath.Join(t.TempDir(), "cp.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store, err := NewCheckpointStore(db)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	cp := domain.Checkpoint{
		Pipeline:  "ingest:wikt",
		At:        time.Now(),
		Total:     1000,
		Processed: 400,
		Succeeded: 390,
		Failed:    5,
		Skipped:   5,
		Cursors:   map[string]int64{"wikt": 412},
	}
	if err := store.Save(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	cp.Processed = 800
	cp.Cursors["wikt"] = 823
	if err := store.Save(ctx, cp); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, ok, err := store.Load(ctx, "ingest:wikt")
	if err != nil || !ok {
		t.Fatalf("load: %v ok=%v", err, ok)
	}
	if got.Processed != 800 || got.Cursors["wikt"] != 823 {
		t.Fatalf("loaded = %+v", got)
	}

	_, ok, err = store.Load(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("missing checkpoint: ok=%v err=%v", ok, err)
	}
}

func TestCancelFlushesAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(ctx, "test", Options{})
	q := NewQueue[int](16)

	started := make(chan struct{})
	var wrote atomic.Int64
	Produce(p, StageConfig{Name: "src"}, q, func(ctx context.Context, emit func(int) error) error {
		close(started)
		for i := 0; ; i++ {
			if err := emit(i); err != nil {
				return err
			}
		}
	})
	Drain(p, StageConfig{Name: "sink", Workers: 1, BatchSize: 4}, q,
		func(ctx context.Context, batch []int) error {
			wrote.Add(int64(len(batch)))
			return nil
		})

	<-started
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := p.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("cancel must be clean: %v", err)
	}
	if wrote.Load() == 0 {
		t.Fatal("work committed before cancel must remain")
	}
}
