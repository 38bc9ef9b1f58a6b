package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/lexigraph/lexigraph/pkg/metrics"
)

// Monitor aggregates per-stage counters and publishes rate, queue depths,
// and an ETA at a fixed cadence.
type Monitor struct {
	p        *Pipeline
	log      *slog.Logger
	interval time.Duration
	total    *Counter // expected item count; zero means unknown
	reg      *metrics.Registry
}

// NewMonitor creates a monitor for p. total may be nil when the item count
// is unknown up front (streamed sources); reg may be nil to skip metrics.
func NewMonitor(p *Pipeline, log *slog.Logger, interval time.Duration, total *Counter, reg *metrics.Registry) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{p: p, log: log, interval: interval, total: total, reg: reg}
}

// Run publishes progress until ctx is done. The final snapshot is logged
// on exit so aborted runs still report where they stopped.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	start := time.Now()
	var lastDone int64
	lastAt := start

	publish := func(final bool) {
		stats := m.p.Stats()
		if len(stats) == 0 {
			return
		}
		// The last stage's processed count is the pipeline's completed count.
		done := stats[len(stats)-1].Processed
		var failed int64
		for _, s := range stats {
			failed += s.Failed
		}

		now := time.Now()
		rate := float64(done-lastDone) / now.Sub(lastAt).Seconds()
		lastDone, lastAt = done, now

		args := []any{
			"pipeline", m.p.Name(),
			"done", done,
			"failed", failed,
			"rate_per_sec", int64(rate),
			"elapsed", now.Sub(start).Round(time.Second),
		}
		if m.total != nil {
			if total := m.total.Load(); total > 0 && rate > 0 && done < total {
				eta := time.Duration(float64(total-done)/rate) * time.Second
				args = append(args, "total", total, "eta", eta.Round(time.Second))
			}
		}
		for _, s := range stats {
			args = append(args, "depth_"+s.Name, s.Depth)
		}
		if final {
			m.log.Info("pipeline: finished", args...)
		} else {
			m.log.Info("pipeline: progress", args...)
		}

		if m.reg != nil {
			for _, s := range stats {
				m.reg.Gauge(metrics.WithLabels("lexigraph_pipeline_queue_depth", "pipeline", m.p.Name(), "stage", s.Name),
					"Input queue depth per stage").Set(int64(s.Depth))
				m.reg.Gauge(metrics.WithLabels("lexigraph_pipeline_processed", "pipeline", m.p.Name(), "stage", s.Name),
					"Items processed per stage").Set(s.Processed)
			}
			m.reg.Gauge(metrics.WithLabels("lexigraph_pipeline_rate", "pipeline", m.p.Name()),
				"Items per second at the sink").Set(int64(rate))
		}
	}

	for {
		select {
		case <-ticker.C:
			publish(false)
		case <-ctx.Done():
			publish(true)
			return
		}
	}
}
