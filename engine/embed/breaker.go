package embed

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBackendOpen is returned while the encoder breaker is tripped.
var ErrBackendOpen = errors.New("embed: encoder circuit open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// encoderBreaker guards the embedding backend: after a run of consecutive
// failures it rejects calls outright for a cooldown, then lets a single
// probe batch through before closing again. One breaker fronts the one
// backend; workers share it through the dispatcher.
type encoderBreaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	probing   bool
	now       func() time.Time // test hook
}

func newEncoderBreaker(threshold int, cooldown time.Duration) *encoderBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &encoderBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// admit decides whether a call may proceed. Must be paired with settle.
func (b *encoderBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrBackendOpen
		}
		b.state = stateHalfOpen
		b.probing = true
		return nil
	case stateHalfOpen:
		if b.probing {
			return ErrBackendOpen // one probe at a time
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// settle records the outcome of an admitted call.
func (b *encoderBreaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if err != nil {
		b.failures++
		if b.state == stateHalfOpen || b.failures >= b.threshold {
			b.state = stateOpen
			b.openedAt = b.now()
			b.failures = 0
		}
		return
	}
	b.state = stateClosed
	b.failures = 0
}

// encode runs one backend call through the breaker.
func (b *encoderBreaker) encode(ctx context.Context, enc Encoder, texts []string) ([][]float32, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}
	vecs, err := enc.Encode(ctx, texts)
	b.settle(err)
	return vecs, err
}
