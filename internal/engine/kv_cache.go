package engine

import (
	"fmt"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/arena"
	"github.com/BurgessTheGamer/Llamux-sub000/internal/metrics"
)

// kvCache holds attention keys and values for every evaluated position,
// one contiguous arena-backed region per layer. Rows are written once at
// their position and never move; attention reads a prefix of rows.
type kvCache struct {
	layers int
	ctx    int
	kvDim  int
	k, v   [][]float32
}

func newKVCache(a *arena.Arena, layers, ctx, kvDim int) (*kvCache, error) {
	c := &kvCache{
		layers: layers,
		ctx:    ctx,
		kvDim:  kvDim,
		k:      make([][]float32, layers),
		v:      make([][]float32, layers),
	}
	for l := 0; l < layers; l++ {
		var err error
		if c.k[l], err = a.AllocFloat32(ctx * kvDim); err != nil {
			return nil, fmt.Errorf("engine: kv cache layer %d keys: %w", l, err)
		}
		if c.v[l], err = a.AllocFloat32(ctx * kvDim); err != nil {
			return nil, fmt.Errorf("engine: kv cache layer %d values: %w", l, err)
		}
	}
	metrics.KVCacheCapacityBytes.Set(float64(layers * 2 * ctx * kvDim * 4))
	return c, nil
}

// put stores the key and value vectors for pos in the given layer.
func (c *kvCache) put(layer, pos int, k, v []float32) {
	copy(c.k[layer][pos*c.kvDim:(pos+1)*c.kvDim], k)
	copy(c.v[layer][pos*c.kvDim:(pos+1)*c.kvDim], v)
}

// keyAt returns the stored key vector for a position.
func (c *kvCache) keyAt(layer, pos int) []float32 {
	return c.k[layer][pos*c.kvDim : (pos+1)*c.kvDim]
}

// valueAt returns the stored value vector for a position.
func (c *kvCache) valueAt(layer, pos int) []float32 {
	return c.v[layer][pos*c.kvDim : (pos+1)*c.kvDim]
}
