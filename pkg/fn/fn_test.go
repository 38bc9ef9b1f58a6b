package fn

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func TestResultOkErr(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Fatal("Ok should be ok")
	}
	v, err := r.Unwrap()
	if v != 42 || err != nil {
		t.Fatal("Unwrap of Ok")
	}

	e := Err[int](errors.New("boom"))
	if e.IsOk() || !e.IsErr() {
		t.Fatal("Err should be err")
	}
	if e.Or(7) != 7 {
		t.Fatal("Or fallback")
	}
	if Ok(3).Or(7) != 3 {
		t.Fatal("Or passthrough")
	}
}

func TestErrNilNormalized(t *testing.T) {
	r := Err[string](nil)
	if r.IsOk() {
		t.Fatal("Err(nil) must still read as failed")
	}
}

func TestFromPair(t *testing.T) {
	if r := FromPair(1, error(nil)); r.IsErr() {
		t.Fatal("FromPair ok")
	}
	if r := FromPair(0, errors.New("x")); r.IsOk() {
		t.Fatal("FromPair err")
	}
}

func TestParMapPreservesOrder(t *testing.T) {
	in := make([]int, 100)
	for i := range in {
		in[i] = i
	}
	out := ParMap(in, 8, func(v int) int { return v * 2 })
	for i, v := range out {
		if v != i*2 {
			t.Fatalf("out[%d] = %d", i, v)
		}
	}
}

func TestParMapBoundsWorkers(t *testing.T) {
	var active, peak atomic.Int64
	ParMap(make([]int, 64), 3, func(int) int {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		return 0
	})
	if peak.Load() > 3 {
		t.Fatalf("peak concurrency %d > 3", peak.Load())
	}
}

func TestParMapEmptyAndSingle(t *testing.T) {
	if len(ParMap([]int{}, 4, func(v int) int { return v })) != 0 {
		t.Fatal("empty input")
	}
	out := ParMap([]string{"a"}, 8, func(s string) string { return s + "!" })
	if out[0] != "a!" {
		t.Fatal("single input")
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	r := Retry(context.Background(), Backoff{Attempts: 4}, Always, func(context.Context) Result[int] {
		calls++
		if calls < 3 {
			return Err[int](errors.New("not yet"))
		}
		return Ok(calls)
	})
	if v, _ := r.Unwrap(); v != 3 {
		t.Fatalf("value = %d", v)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	r := Retry(context.Background(), Backoff{Attempts: 3}, Always, func(context.Context) Result[int] {
		calls++
		return Err[int](errors.New("always"))
	})
	if r.IsOk() || calls != 3 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestRetryStopsOnNonRetriable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	r := Retry(context.Background(), Backoff{Attempts: 5, Base: time.Hour},
		func(err error) bool { return !errors.Is(err, fatal) },
		func(context.Context) Result[int] {
			calls++
			return Err[int](fatal)
		})
	if r.IsOk() || calls != 1 {
		t.Fatalf("non-retriable must not retry: calls = %d", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Retry(ctx, Backoff{Attempts: 3, Base: time.Hour}, Always, func(context.Context) Result[int] {
		return Err[int](errors.New("transient"))
	})
	_, err := r.Unwrap()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestBackoffWaitDoublesAndCaps(t *testing.T) {
	b := Backoff{Attempts: 10, Base: time.Second, Cap: 4 * time.Second}
	if b.wait(1) != time.Second || b.wait(2) != 2*time.Second {
		t.Fatal("doubling broken")
	}
	if b.wait(5) != 4*time.Second {
		t.Fatal("cap broken")
	}
	j := Backoff{Attempts: 3, Base: time.Second, Cap: 4 * time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		w := j.wait(3)
		if w < 2*time.Second || w > 4*time.Second {
			t.Fatalf("jittered wait %v outside [2s, cap]", w)
		}
	}
}

func TestMapFilterGroupBy(t *testing.T) {
	in := []int{1, 2, 3, 4, 5}
	doubled := Map(in, func(v int) int { return v * 2 })
	if !reflect.DeepEqual(doubled, []int{2, 4, 6, 8, 10}) {
		t.Fatal("Map")
	}
	even := Filter(in, func(v int) bool { return v%2 == 0 })
	if !reflect.DeepEqual(even, []int{2, 4}) {
		t.Fatal("Filter")
	}
	if len(Filter(in, func(int) bool { return false })) != 0 {
		t.Fatal("Filter none")
	}
	groups := GroupBy(in, func(v int) string { return strconv.Itoa(v % 2) })
	if len(groups["0"]) != 2 || len(groups["1"]) != 3 {
		t.Fatalf("GroupBy = %v", groups)
	}
}
