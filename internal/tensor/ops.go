package tensor

import (
	"errors"
	"fmt"
	"math"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/metrics"
)

// ErrCanceled is returned by the yielding kernels when the caller's yield
// function asks them to stop.
var ErrCanceled = errors.New("tensor: computation canceled")

// ShapeError reports operands whose dimensions do not satisfy an
// operation's contract. It is raised before any element is computed.
type ShapeError struct {
	Op           string
	ARows, ACols int
	BRows, BCols int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("tensor: %s shape mismatch: %dx%d vs %dx%d",
		e.Op, e.ARows, e.ACols, e.BRows, e.BCols)
}

func shapeError(op string, a, b *Tensor) error {
	metrics.ShapeErrorsTotal.WithLabelValues(op).Inc()
	return &ShapeError{Op: op, ARows: a.Rows, ACols: a.Cols, BRows: b.Rows, BCols: b.Cols}
}

// matMulYieldRows is the yield granularity of MatMulWithYield: one check
// per this many output rows.
const matMulYieldRows = 16

// MatMul computes A×Bᵗ: both operands share their column width and the
// result is A.Rows×B.Rows. The single convention means weight matrices
// are used as stored, one row per output feature, without transposing
// anything in memory.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Cols != b.Cols {
		return nil, shapeError("matmul", a, b)
	}
	out := New(a.Rows, b.Rows)
	mulInto(out, a, b)
	return out, nil
}

// MatMulInto is MatMul writing into a caller-owned result tensor.
func MatMulInto(out, a, b *Tensor) error {
	if a.Cols != b.Cols {
		return shapeError("matmul", a, b)
	}
	if out.Rows != a.Rows || out.Cols != b.Rows {
		return shapeError("matmul", out, b)
	}
	mulInto(out, a, b)
	return nil
}

// MatMulWithYield is MatMulInto with a cooperative yield every
// matMulYieldRows output rows. A false yield abandons the remainder with
// ErrCanceled; out's contents are then unspecified.
func MatMulWithYield(out, a, b *Tensor, yield func() bool) error {
	if a.Cols != b.Cols {
		return shapeError("matmul", a, b)
	}
	if out.Rows != a.Rows || out.Cols != b.Rows {
		return shapeError("matmul", out, b)
	}
	for i0 := 0; i0 < a.Rows; i0 += matMulYieldRows {
		i1 := i0 + matMulYieldRows
		if i1 > a.Rows {
			i1 = a.Rows
		}
		for i := i0; i < i1; i++ {
			row := a.Row(i)
			outRow := out.Row(i)
			for j := 0; j < b.Rows; j++ {
				outRow[j] = Dot(row, b.Row(j))
			}
		}
		if i1 < a.Rows && !yield() {
			return fmt.Errorf("%w: matmul at row %d of %d", ErrCanceled, i1, a.Rows)
		}
	}
	return nil
}

func mulInto(out, a, b *Tensor) {
	for i := 0; i < a.Rows; i++ {
		row := a.Row(i)
		outRow := out.Row(i)
		for j := 0; j < b.Rows; j++ {
			outRow[j] = Dot(row, b.Row(j))
		}
	}
}

// MatVec multiplies w by the vector x under the same convention: one dot
// product per weight row. dst must hold w.Rows values.
func MatVec(dst []float32, w *Tensor, x []float32) error {
	if len(x) != w.Cols || len(dst) != w.Rows {
		return shapeError("matvec", w, &Tensor{Rows: len(dst), Cols: len(x)})
	}
	for i := 0; i < w.Rows; i++ {
		dst[i] = Dot(w.Row(i), x)
	}
	return nil
}

// Dot is the unrolled inner product both matmul paths bottom out in.
func Dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	s := s0 + s1 + s2 + s3
	for i := n; i < len(a); i++ {
		s += a[i] * b[i]
	}
	return s
}

// RMSNorm writes x normalized by its root mean square and scaled by
// weight into dst. dst may alias x.
func RMSNorm(dst, x, weight []float32, eps float32) error {
	if len(x) != len(weight) || len(dst) != len(x) {
		return shapeError("rmsnorm",
			&Tensor{Rows: 1, Cols: len(x)}, &Tensor{Rows: 1, Cols: len(weight)})
	}
	var ss float32
	for _, v := range x {
		ss += v * v
	}
	inv := 1 / float32(math.Sqrt(float64(ss/float32(len(x)))+float64(eps)))
	for i := range x {
		dst[i] = x[i] * inv * weight[i]
	}
	return nil
}

// Softmax normalizes x in place, subtracting the max first so large
// logits cannot overflow the exponential.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range x {
			x[i] *= inv
		}
	}
}

// SiLU applies x*sigmoid(x) in place. The exact form, no clamping or
// polynomial shortcut; the host provides a full math library.
func SiLU(x []float32) {
	for i, v := range x {
		x[i] = v / (1 + float32(math.Exp(float64(-v))))
	}
}

// Add accumulates src into dst.
func Add(dst, src []float32) error {
	if len(dst) != len(src) {
		return shapeError("add",
			&Tensor{Rows: 1, Cols: len(dst)}, &Tensor{Rows: 1, Cols: len(src)})
	}
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}

// Mul scales dst element-wise by src.
func Mul(dst, src []float32) error {
	if len(dst) != len(src) {
		return shapeError("mul",
			&Tensor{Rows: 1, Cols: len(dst)}, &Tensor{Rows: 1, Cols: len(src)})
	}
	for i := range dst {
		dst[i] *= src[i]
	}
	return nil
}

// Rope applies the rotary position encoding in place to a vector of
// concatenated heads. Within each head the first rotaryDims values rotate
// in pairs (i, i+rotaryDims/2) by pos*base^(-2i/rotaryDims); the rest of
// the head passes through.
func Rope(x []float32, pos, headDim, rotaryDims int, base float64) error {
	if headDim <= 0 || len(x)%headDim != 0 || rotaryDims > headDim || rotaryDims%2 != 0 {
		return shapeError("rope",
			&Tensor{Rows: 1, Cols: len(x)}, &Tensor{Rows: 1, Cols: headDim})
	}
	half := rotaryDims / 2
	for off := 0; off < len(x); off += headDim {
		for i := 0; i < half; i++ {
			freq := float64(pos) * math.Pow(base, -2*float64(i)/float64(rotaryDims))
			cos := float32(math.Cos(freq))
			sin := float32(math.Sin(freq))
			a, b := x[off+i], x[off+i+half]
			x[off+i] = a*cos - b*sin
			x[off+i+half] = a*sin + b*cos
		}
	}
	return nil
}

// EmbedRow copies row id of the embedding table into dst.
func EmbedRow(dst []float32, emb *Tensor, id int) error {
	if id < 0 || id >= emb.Rows {
		return fmt.Errorf("tensor: embedding row %d out of range [0,%d)", id, emb.Rows)
	}
	if len(dst) != emb.Cols {
		return shapeError("embed", &Tensor{Rows: 1, Cols: len(dst)}, emb)
	}
	copy(dst, emb.Row(id))
	return nil
}
