package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

// NATSSink publishes per-item failures to a dead-letter subject so failed
// records can be inspected and replayed without re-running the source.
// Publishes are rate limited; a poisoned source must not flood the broker.
type NATSSink struct {
	nc      *nats.Conn
	subject string
	log     *slog.Logger
	limiter *rate.Limiter

	warnOnce sync.Once
	dropped  atomic.Int64
}

// NewNATSSink routes errors to the given subject, conventionally
// "lexigraph.<pipeline>.dlq".
func NewNATSSink(nc *nats.Conn, subject string, log *slog.Logger) *NATSSink {
	if log == nil {
		log = slog.Default()
	}
	return &NATSSink{
		nc:      nc,
		subject: subject,
		log:     log,
		limiter: rate.NewLimiter(200, 500),
	}
}

// Route publishes the failure as a JSON ItemError, carrying the current
// trace context in the message headers. A broken sink degrades to logging:
// losing a DLQ copy must never take the pipeline down.
func (s *NATSSink) Route(e ItemError) {
	if !s.limiter.Allow() {
		s.dropped.Add(1)
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	msg := &nats.Msg{Subject: s.subject, Data: data}
	otel.GetTextMapPropagator().Inject(context.Background(), (*headerCarrier)(msg))
	if err := s.nc.PublishMsg(msg); err != nil {
		s.warnOnce.Do(func() {
			s.log.Warn("errorsink: publish failed, degrading to log-only", "subject", s.subject, "error", err)
		})
	}
}

// Dropped reports how many errors the rate limit discarded.
func (s *NATSSink) Dropped() int64 { return s.dropped.Load() }

// SubscribeItemErrors attaches a handler to a DLQ subject, decoding each
// message back into an ItemError. Malformed messages are dropped.
func SubscribeItemErrors(nc *nats.Conn, subject string, handler func(ItemError)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var e ItemError
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return
		}
		handler(e)
	})
}

// headerCarrier adapts NATS message headers to the OTel TextMapCarrier so
// trace context survives the hop through the broker.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// MemorySink buffers routed errors in memory. Test helper and the default
// when no NATS connection is configured.
type MemorySink struct {
	mu     sync.Mutex
	Errors []ItemError
}

func (s *MemorySink) Route(e ItemError) {
	s.mu.Lock()
	s.Errors = append(s.Errors, e)
	s.mu.Unlock()
}

// Take returns and clears the buffered errors.
func (s *MemorySink) Take() []ItemError {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.Errors
	s.Errors = nil
	return out
}
