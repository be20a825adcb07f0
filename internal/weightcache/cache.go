// Package weightcache keeps dequantized weight rows resident so steady
// state evaluation stops paying the codec cost for hot tensors.
package weightcache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/gguf"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/logger"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/metrics"
)

// ErrCacheFull reports that admitting an entry would exceed the byte
// budget. The caller falls back to transient dequantization; the cache
// never evicts to make room. Weights stay hot for the whole process
// lifetime, so evicting one role to admit another only moves the
// dequantization cost around; the budget instead selects a stable
// resident set, first come first served.
var ErrCacheFull = errors.New("weightcache: byte budget exceeded")

// DequantFunc expands count elements of typ from raw into dst. Tests
// inject a counting wrapper; production passes gguf.DequantizeRow.
type DequantFunc func(dst []float32, raw []byte, count int, typ gguf.TensorType) error

// Key identifies a cached weight by transformer layer and role name.
// Whole-model tensors use layer -1.
type Key struct {
	Layer int
	Role  string
}

type entry struct {
	data       []float32
	refs       int
	lastAccess time.Time
}

// Cache is a budget-gated map from (layer, role) to dequantized rows.
// Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	budget  int64
	used    int64
	dequant DequantFunc
	entries map[Key]*entry

	hits, misses, rejections uint64
}

// New returns a cache holding at most budgetBytes of expanded float32
// data. A nil dequant uses the production codec.
func New(budgetBytes int64, dequant DequantFunc) *Cache {
	if dequant == nil {
		dequant = gguf.DequantizeRow
	}
	return &Cache{
		budget:  budgetBytes,
		dequant: dequant,
		entries: make(map[Key]*entry),
	}
}

// Get returns the dequantized form of the weight at (layer, role),
// expanding raw on first use. Repeated calls return the same backing
// slice and bump a reference count; callers pair each Get with Release.
// An admission that would exceed the budget fails with ErrCacheFull and
// caches nothing.
func (c *Cache) Get(layer int, role string, raw []byte, count int, typ gguf.TensorType) ([]float32, error) {
	key := Key{Layer: layer, Role: role}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.refs++
		e.lastAccess = time.Now()
		c.hits++
		metrics.WeightCacheHits.Inc()
		return e.data, nil
	}

	c.misses++
	metrics.WeightCacheMisses.Inc()

	cost := int64(count) * 4
	if c.used+cost > c.budget {
		c.rejections++
		metrics.WeightCacheRejections.Inc()
		logger.Log.Debug("weight cache rejection",
			"layer", layer, "role", role, "cost", cost, "used", c.used, "budget", c.budget)
		return nil, fmt.Errorf("%w: %d+%d of %d bytes for layer %d %s",
			ErrCacheFull, c.used, cost, c.budget, layer, role)
	}

	data := make([]float32, count)
	if err := c.dequant(data, raw, count, typ); err != nil {
		return nil, fmt.Errorf("weightcache: layer %d %s: %w", layer, role, err)
	}

	c.entries[key] = &entry{data: data, refs: 1, lastAccess: time.Now()}
	c.used += cost
	metrics.WeightCacheUsedBytes.Set(float64(c.used))
	return data, nil
}

// Release drops one reference to (layer, role). The entry stays resident
// at zero references; references only track outstanding users for
// Stats and debugging.
func (c *Cache) Release(layer int, role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[Key{Layer: layer, Role: role}]; ok && e.refs > 0 {
		e.refs--
	}
}

// Stats is a point-in-time snapshot of cache occupancy and traffic.
type Stats struct {
	Entries    int
	UsedBytes  int64
	Budget     int64
	Hits       uint64
	Misses     uint64
	Rejections uint64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:    len(c.entries),
		UsedBytes:  c.used,
		Budget:     c.budget,
		Hits:       c.hits,
		Misses:     c.misses,
		Rejections: c.rejections,
	}
}
