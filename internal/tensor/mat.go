package tensor

import (
	"fmt"
	"math/rand/v2"
)

// Mat represents a dense row-major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively. Stride is
// the number of elements between the starts of two consecutive rows (for
// row-major matrices this is equal to C). Data holds the flattened values.
//
// Mat does not perform any memory safety beyond the checks performed by Go's
// slice types; out-of-range indices will panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed r x c matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// NewMatFromData wraps data as an r x c matrix without copying.
func NewMatFromData(r, c int, data []float32) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, fmt.Errorf("negative dimension %dx%d", r, c)
	}
	if r*c != len(data) {
		return Mat{}, fmt.Errorf("data length %d does not match %dx%d", len(data), r, c)
	}
	return Mat{R: r, C: c, Stride: c, Data: data}, nil
}

// Row returns a view of the i-th row. Writes through the slice update m.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Transpose returns a new C x R matrix.
func (m *Mat) Transpose() Mat {
	out := NewMat(m.C, m.R)
	for i := range m.R {
		row := m.Data[i*m.Stride : i*m.Stride+m.C]
		for j, v := range row {
			out.Data[j*out.Stride+i] = v
		}
	}
	return out
}

// RowSlice returns rows [lo, hi) as a matrix sharing m's storage.
func (m *Mat) RowSlice(lo, hi int) Mat {
	if lo < 0 || hi > m.R || lo > hi {
		panic("row slice out of range")
	}
	end := lo * m.Stride
	if hi > lo {
		end = (hi-1)*m.Stride + m.C
	}
	return Mat{R: hi - lo, C: m.C, Stride: m.Stride, Data: m.Data[lo*m.Stride : end : end]}
}

// Bytes is the storage size of the matrix elements.
func (m *Mat) Bytes() int64 { return int64(m.R) * int64(m.C) * 4 }

// FillRand fills m with values in [-0.5, 0.5) from a seeded source.
func FillRand(m *Mat, seed uint64) {
	r := rand.New(rand.NewPCG(seed, seed+1))
	for i := range m.Data {
		m.Data[i] = r.Float32() - 0.5
	}
}
