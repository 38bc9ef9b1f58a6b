package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCounterGauge(t *testing.T) {
	r := New()
	c := r.Counter("ingest_docs_total", "Docs ingested")
	c.Inc()
	c.Add(4)
	if c.Value() != 5 {
		t.Fatalf("counter = %d", c.Value())
	}
	// Same name returns the same instrument.
	if r.Counter("ingest_docs_total", "") != c {
		t.Fatal("lookup must be stable")
	}

	g := r.Gauge("queue_depth", "Depth")
	g.Set(10)
	g.Inc()
	g.Dec()
	if g.Value() != 10 {
		t.Fatalf("gauge = %d", g.Value())
	}
	g.SetFloat(0.75)
	if g.FloatValue() != 0.75 {
		t.Fatalf("float gauge = %v", g.FloatValue())
	}
}

func TestWithLabels(t *testing.T) {
	if got := WithLabels("foo", "stage", "clean"); got != `foo{stage="clean"}` {
		t.Fatalf("got %q", got)
	}
	if got := WithLabels("foo", "a", "1", "b", "2"); got != `foo{a="1",b="2"}` {
		t.Fatalf("got %q", got)
	}
	if got := WithLabels("foo", "odd"); got != "foo" {
		t.Fatal("odd pairs must return the bare name")
	}
	if baseName(`foo{a="1"}`) != "foo" || labelsOf(`foo{a="1"}`) != `{a="1"}` {
		t.Fatal("name splitting broken")
	}
}

func TestLabeledSeriesAreDistinct(t *testing.T) {
	r := New()
	a := r.Counter(WithLabels("errs_total", "stage", "clean"), "Errors")
	b := r.Counter(WithLabels("errs_total", "stage", "write"), "Errors")
	a.Inc()
	if b.Value() != 0 {
		t.Fatal("label combos must be independent series")
	}
	out := r.Render()
	if !strings.Contains(out, `errs_total{stage="clean"} 1`) ||
		!strings.Contains(out, `errs_total{stage="write"} 0`) {
		t.Fatalf("render:\n%s", out)
	}
	// One family header for both series.
	if strings.Count(out, "# TYPE errs_total counter") != 1 {
		t.Fatalf("family header duplicated:\n%s", out)
	}
}

func TestHistogramCumulativeBuckets(t *testing.T) {
	r := New()
	h := r.Histogram("latency_seconds", "Latency", []float64{0.1, 1, 10})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5)
	h.Observe(50) // above every bound, only +Inf

	out := r.Render()
	for _, want := range []string{
		`latency_seconds_bucket{le="0.1"} 1`,
		`latency_seconds_bucket{le="1"} 2`,
		`latency_seconds_bucket{le="10"} 3`,
		`latency_seconds_bucket{le="+Inf"} 4`,
		`latency_seconds_count 4`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestHistogramSince(t *testing.T) {
	r := New()
	h := r.Histogram("dur_seconds", "", nil)
	h.Since(time.Now().Add(-time.Millisecond))
	_, _, sum, count := h.snapshot()
	if count != 1 || sum <= 0 {
		t.Fatalf("since: sum=%v count=%d", sum, count)
	}
}

func TestRenderTypesAndHelp(t *testing.T) {
	r := New()
	r.Counter("a_total", "Helps a")
	r.Gauge("b_depth", "")
	out := r.Render()
	if !strings.Contains(out, "# HELP a_total Helps a") {
		t.Fatalf("missing help:\n%s", out)
	}
	if !strings.Contains(out, "# TYPE b_depth gauge") {
		t.Fatalf("missing type:\n%s", out)
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("hits_total", "").Inc()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "hits_total 1") {
		t.Fatalf("body:\n%s", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Fatalf("content type %q", ct)
	}
}

func TestOpsMiddlewareRecovers(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	panics := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	})
	rec := httptest.NewRecorder()
	opsMiddleware(panics, log).ServeHTTP(rec, httptest.NewRequest("GET", "/boom", nil))
	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500 after panic", rec.Code)
	}
}

func TestOpsMiddlewareLogsStatus(t *testing.T) {
	var buf strings.Builder
	log := slog.New(slog.NewTextHandler(&buf, nil))
	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no", http.StatusNotFound)
	})
	rec := httptest.NewRecorder()
	opsMiddleware(notFound, log).ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != 404 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(buf.String(), "status=404") {
		t.Fatalf("log missing status: %s", buf.String())
	}
}
