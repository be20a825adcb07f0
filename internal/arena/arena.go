// Package arena implements a bump allocator over a fixed memory region.
//
// One arena backs one model load. Allocations only move a cursor forward;
// there is no per-object free. Teardown releases the whole region at once
// via Reset.
package arena

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/metrics"
)

// Alignment is applied to every allocation so that dequantization and
// matmul row loops always start on a cache-line boundary.
const Alignment = 64

// ErrOutOfArena is returned when an allocation does not fit in the
// remaining region. The cursor is left unchanged so smaller allocations
// can still succeed.
var ErrOutOfArena = errors.New("arena: out of space")

type Arena struct {
	buf []byte
	off int
}

// New allocates a fresh region of the given size.
func New(size int) *Arena {
	if size < 0 {
		size = 0
	}
	return &Arena{buf: make([]byte, size)}
}

// FromBuffer wraps a caller-supplied region. The arena takes exclusive
// ownership of buf for its lifetime.
func FromBuffer(buf []byte) *Arena {
	return &Arena{buf: buf}
}

// Alloc reserves size bytes, advancing the cursor to the next 64-byte
// boundary first. The returned slice is zeroed only if the underlying
// region was.
func (a *Arena) Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("arena: negative size %d", size)
	}
	start := alignUp(a.off)
	if start > len(a.buf) || size > len(a.buf)-start {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrOutOfArena, size, len(a.buf)-a.off)
	}
	a.off = start + size
	metrics.ArenaUsedBytes.Set(float64(a.off))
	return a.buf[start : start+size : start+size], nil
}

// AllocFloat32 reserves room for n float32 values and returns them as a
// typed view. The 64-byte alignment guarantees the cast is safe.
func (a *Arena) AllocFloat32(n int) ([]float32, error) {
	raw, err := a.Alloc(n * 4)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), n), nil
}

// Used reports bytes consumed, including alignment padding.
func (a *Arena) Used() int { return a.off }

// Cap reports the total region size.
func (a *Arena) Cap() int { return len(a.buf) }

// Remaining reports bytes still available before alignment of the next
// allocation.
func (a *Arena) Remaining() int { return len(a.buf) - a.off }

// Reset releases the whole region at once. Previously returned slices
// must not be used afterwards.
func (a *Arena) Reset() {
	a.off = 0
	metrics.ArenaUsedBytes.Set(0)
}

func alignUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}
