package embed

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/lexigraph/lexigraph/engine/domain"
	"github.com/lexigraph/lexigraph/pkg/fn"
)

// Config tunes the batching service.
type Config struct {
	// BatchSize is the maximum texts per backend call.
	BatchSize int
	// IdleFlush dispatches a partial batch after this much quiet time.
	IdleFlush time.Duration
	// RatePerSec caps backend calls; zero means unlimited.
	RatePerSec float64
	// MinSplit is the smallest batch the transient-failure fallback will
	// try before giving up.
	MinSplit int
}

// DefaultConfig matches the enrichment pipeline defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize: 512,
		IdleFlush: 50 * time.Millisecond,
		MinSplit:  32,
	}
}

type request struct {
	text  string
	reply chan result
}

type result struct {
	vec []float32
	err error
}

// Service fronts an Encoder with cross-call batching, a rate limiter, a
// circuit breaker, and the two-level cache. One Service is shared by all
// pipeline workers; requests from different workers coalesce into shared
// backend batches.
type Service struct {
	enc     Encoder
	cache   *Cache
	limiter *rate.Limiter
	breaker *encoderBreaker
	cfg     Config
	log     *slog.Logger

	reqs chan request
	stop context.CancelFunc
	done chan struct{}
}

// NewService starts the dispatcher. cache may be nil (direct encode).
func NewService(enc Encoder, cache *Cache, cfg Config, log *slog.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.IdleFlush <= 0 {
		cfg.IdleFlush = DefaultConfig().IdleFlush
	}
	if cfg.MinSplit <= 0 {
		cfg.MinSplit = DefaultConfig().MinSplit
	}
	if log == nil {
		log = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	// The threshold sits above one full retry-and-split chain (three
	// attempts at every batch size above MinSplit) so the breaker only
	// trips on a backend that is down, not one that is rejecting oversized
	// batches.
	threshold := 1
	for n := cfg.BatchSize; n > cfg.MinSplit; n /= 2 {
		threshold += 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		enc:     enc,
		cache:   cache,
		limiter: limiter,
		breaker: newEncoderBreaker(threshold, 30*time.Second),
		cfg:     cfg,
		log:     log,
		reqs:    make(chan request, 2*cfg.BatchSize),
		stop:    cancel,
		done:    make(chan struct{}),
	}
	go s.dispatchLoop(ctx)
	return s
}

// Dims returns the encoder's vector dimensionality.
func (s *Service) Dims() int { return s.enc.Dims() }

// HitRate reports the cache hit rate, zero without a cache.
func (s *Service) HitRate() float64 {
	if s.cache == nil {
		return 0
	}
	return s.cache.HitRate()
}

// Close stops the dispatcher and fails any queued requests.
func (s *Service) Close() {
	s.stop()
	<-s.done
}

// Encode returns one vector per text, in input order. Cached texts skip
// the backend entirely; identical texts within one call collapse to a
// single request, and remaining misses coalesce with other callers' misses
// into shared batches.
func (s *Service) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	missIdx := make(map[string][]int)
	var order []string
	for i, t := range texts {
		if s.cache != nil {
			if v, ok := s.cache.Get(t); ok {
				out[i] = v
				continue
			}
		}
		if _, seen := missIdx[t]; !seen {
			order = append(order, t)
		}
		missIdx[t] = append(missIdx[t], i)
	}

	replies := make([]chan result, len(order))
	for j, t := range order {
		reply := make(chan result, 1)
		select {
		case s.reqs <- request{text: t, reply: reply}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		replies[j] = reply
	}

	for j, reply := range replies {
		select {
		case r := <-reply:
			if r.err != nil {
				return nil, r.err
			}
			t := order[j]
			for _, i := range missIdx[t] {
				out[i] = r.vec
			}
			if s.cache != nil {
				s.cache.Put(t, r.vec)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// dispatchLoop accumulates requests into batches and encodes them.
func (s *Service) dispatchLoop(ctx context.Context) {
	defer close(s.done)
	var batch []request
	timer := time.NewTimer(s.cfg.IdleFlush)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		b := batch
		batch = nil
		s.dispatch(ctx, b)
	}

	for {
		if len(batch) == 0 {
			select {
			case r, ok := <-s.reqs:
				if !ok {
					return
				}
				batch = append(batch, r)
				if len(batch) >= s.cfg.BatchSize {
					flush()
					continue
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.cfg.IdleFlush)
			case <-ctx.Done():
				s.failAll(batch)
				s.drainAndFail()
				return
			}
			continue
		}

		select {
		case r := <-s.reqs:
			batch = append(batch, r)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-timer.C:
			flush()
		case <-ctx.Done():
			s.failAll(batch)
			s.drainAndFail()
			return
		}
	}
}

func (s *Service) failAll(batch []request) {
	for _, r := range batch {
		r.reply <- result{err: domain.Ef(domain.KindFatal, "embed", "service closed")}
	}
}

func (s *Service) drainAndFail() {
	for {
		select {
		case r := <-s.reqs:
			r.reply <- result{err: domain.Ef(domain.KindFatal, "embed", "service closed")}
		default:
			return
		}
	}
}

// dispatch encodes one coalesced batch and distributes the results.
func (s *Service) dispatch(ctx context.Context, batch []request) {
	texts := make([]string, len(batch))
	for i, r := range batch {
		texts[i] = r.text
	}
	vecs, err := s.encodeSplit(ctx, texts)
	if err != nil {
		for _, r := range batch {
			r.reply <- result{err: err}
		}
		return
	}
	for i, r := range batch {
		r.reply <- result{vec: vecs[i]}
	}
}

// encodeSplit tries the full batch with retries, then halves the batch on
// persistent transient failure, and finally gives up below MinSplit.
func (s *Service) encodeSplit(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := s.encodeOnce(ctx, texts)
	if err == nil {
		return vecs, nil
	}
	if !domain.IsTransient(err) || len(texts) <= s.cfg.MinSplit {
		return nil, err
	}

	mid := len(texts) / 2
	s.log.Warn("embed: batch failed, splitting", "size", len(texts), "error", err)
	left, err := s.encodeSplit(ctx, texts[:mid])
	if err != nil {
		return nil, err
	}
	right, err := s.encodeSplit(ctx, texts[mid:])
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

// encodeOnce is a single rate-limited, breaker-guarded, retried call.
func (s *Service) encodeOnce(ctx context.Context, texts []string) ([][]float32, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	backoff := fn.Backoff{
		Attempts: 3,
		Base:     500 * time.Millisecond,
		Cap:      10 * time.Second,
		Jitter:   true,
	}
	r := fn.Retry(ctx, backoff, domain.IsTransient, func(ctx context.Context) fn.Result[[][]float32] {
		return fn.FromPair(s.breaker.encode(ctx, s.enc, texts))
	})
	return r.Unwrap()
}
