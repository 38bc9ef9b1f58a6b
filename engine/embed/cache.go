package embed

import (
	"encoding/binary"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"
)

// Cache is the two-level embedding cache: an in-process LRU in front of an
// optional shared NATS JetStream KV bucket. Keys are the xxhash of the
// normalized text, so every process sharing the bucket agrees on them.
type Cache struct {
	l1  *lru.Cache[uint64, []float32]
	kv  nats.KeyValue
	log *slog.Logger

	kvDown   atomic.Bool
	warnOnce sync.Once

	hits   atomic.Int64
	misses atomic.Int64
}

// DefaultLRUSize is the in-process cache capacity.
const DefaultLRUSize = 131072

// NewCache builds the cache. kv may be nil (LRU-only mode).
func NewCache(size int, kv nats.KeyValue, log *slog.Logger) (*Cache, error) {
	if size <= 0 {
		size = DefaultLRUSize
	}
	if log == nil {
		log = slog.Default()
	}
	l1, err := lru.New[uint64, []float32](size)
	if err != nil {
		return nil, err
	}
	return &Cache{l1: l1, kv: kv, log: log}, nil
}

// OpenKV creates (or binds to) the shared embedding bucket.
func OpenKV(nc *nats.Conn, bucket string) (nats.KeyValue, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucket,
		Description: "shared embedding cache",
	})
}

// Key returns the cache key for a normalized text.
func Key(text string) uint64 { return xxhash.Sum64String(text) }

// Get looks the text up in both levels. A level-2 hit backfills level 1.
func (c *Cache) Get(text string) ([]float32, bool) {
	k := Key(text)
	if v, ok := c.l1.Get(k); ok {
		c.hits.Add(1)
		return v, true
	}
	if c.kv != nil && !c.kvDown.Load() {
		entry, err := c.kv.Get(kvKey(k))
		if err == nil {
			if v := decodeVec(entry.Value()); v != nil {
				c.l1.Add(k, v)
				c.hits.Add(1)
				return v, true
			}
		} else if err != nats.ErrKeyNotFound {
			c.degrade(err)
		}
	}
	c.misses.Add(1)
	return nil, false
}

// Put populates both levels.
func (c *Cache) Put(text string, vec []float32) {
	k := Key(text)
	c.l1.Add(k, vec)
	if c.kv != nil && !c.kvDown.Load() {
		if _, err := c.kv.Put(kvKey(k), encodeVec(vec)); err != nil {
			c.degrade(err)
		}
	}
}

// degrade switches to LRU-only mode after the first shared-cache failure.
// Logged once; a flapping cache backend must not spam the log.
func (c *Cache) degrade(err error) {
	c.kvDown.Store(true)
	c.warnOnce.Do(func() {
		c.log.Warn("embed: shared cache unavailable, degrading to in-process LRU", "error", err)
	})
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (c *Cache) HitRate() float64 {
	h, m := c.hits.Load(), c.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

// Stats returns raw hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func kvKey(k uint64) string { return strconv.FormatUint(k, 16) }

func encodeVec(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVec(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}
