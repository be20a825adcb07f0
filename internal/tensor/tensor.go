// Package tensor holds the dense float32 compute kernel. Everything here
// operates on fully dequantized data; quantized payloads stay in the gguf
// package until a row is expanded.
package tensor

import "fmt"

// Tensor is a dense row-major matrix. Vectors are 1×n or handled as bare
// []float32 by the element-wise ops.
type Tensor struct {
	Rows, Cols int
	Data       []float32
}

// New allocates a zeroed rows×cols tensor.
func New(rows, cols int) *Tensor {
	return &Tensor{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// FromData wraps an existing buffer, typically arena-backed. The buffer
// must hold exactly rows*cols values.
func FromData(rows, cols int, data []float32) (*Tensor, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("tensor: %d values for %dx%d shape", len(data), rows, cols)
	}
	return &Tensor{Rows: rows, Cols: cols, Data: data}, nil
}

// Row returns the i-th row as a slice sharing the tensor's storage.
func (t *Tensor) Row(i int) []float32 {
	return t.Data[i*t.Cols : (i+1)*t.Cols]
}

// At returns element (r, c).
func (t *Tensor) At(r, c int) float32 {
	return t.Data[r*t.Cols+c]
}

// ShapeFromDims collapses a descriptor's logical dimensions to the
// kernel's two: dims[0] is the row width, everything above multiplies
// into the row count.
func ShapeFromDims(dims []uint64) (rows, cols int) {
	if len(dims) == 0 {
		return 0, 0
	}
	cols = int(dims[0])
	rows = 1
	for _, d := range dims[1:] {
		rows *= int(d)
	}
	return rows, cols
}
