package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func matVecNaive(dst []float32, w *Mat, x []float32) {
	for i := 0; i < w.R; i++ {
		row := w.Data[i*w.Stride : i*w.Stride+w.C]
		var sum float32
		for j := 0; j < w.C; j++ {
			sum += row[j] * x[j]
		}
		dst[i] = sum
	}
}

func TestMatVecMatchesNaive(t *testing.T) {
	t.Parallel()

	for _, shape := range [][2]int{{1, 1}, {3, 5}, {7, 9}, {300, 257}, {1024, 64}} {
		r, c := shape[0], shape[1]
		w := NewMat(r, c)
		FillRand(&w, uint64(r*c))
		xm := NewMat(1, c)
		FillRand(&xm, 7)
		x := xm.Data

		got := make([]float32, r)
		want := make([]float32, r)
		MatVec(got, &w, x)
		matVecNaive(want, &w, x)
		assert.InDeltaSlice(t, want, got, 1e-4, "%dx%d", r, c)
	}
}

func TestMatVecConcurrentCallers(t *testing.T) {
	t.Parallel()
	w := NewMat(512, 128)
	FillRand(&w, 3)
	x := make([]float32, 128)
	for i := range x {
		x[i] = float32(i%5) - 2
	}
	want := make([]float32, 512)
	matVecNaive(want, &w, x)

	results := make(chan []float32, 8)
	for range 8 {
		go func() {
			got := make([]float32, 512)
			MatVec(got, &w, x)
			results <- got
		}()
	}
	for range 8 {
		assert.InDeltaSlice(t, want, <-results, 1e-4)
	}
}

func TestMatVecBias(t *testing.T) {
	t.Parallel()
	w, err := NewMatFromData(2, 3, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	dst := make([]float32, 2)
	MatVecBias(dst, &w, []float32{1, 0, -1}, []float32{10, 20})
	assert.Equal(t, []float32{8, 18}, dst)

	MatVecBias(dst, &w, []float32{1, 1, 1}, nil)
	assert.Equal(t, []float32{6, 15}, dst)
}

func TestMatVecShapeMismatchPanics(t *testing.T) {
	t.Parallel()
	w := NewMat(4, 4)
	assert.Panics(t, func() { MatVec(make([]float32, 2), &w, make([]float32, 4)) })
}

func TestTransposeAndRowSlice(t *testing.T) {
	t.Parallel()
	m, err := NewMatFromData(2, 3, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	tr := m.Transpose()
	assert.Equal(t, 3, tr.R)
	assert.Equal(t, 2, tr.C)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, tr.Data)

	top := tr.RowSlice(1, 3)
	assert.Equal(t, 2, top.R)
	assert.Equal(t, []float32{2, 5}, top.Row(0))
	assert.Equal(t, []float32{3, 6}, top.Row(1))

	empty := tr.RowSlice(2, 2)
	assert.Zero(t, empty.R)

	_, err = NewMatFromData(2, 2, []float32{1})
	require.Error(t, err)
}

func BenchmarkMatVec(b *testing.B) {
	r, c := 2048, 768
	w := NewMat(r, c)
	FillRand(&w, 1)
	x := make([]float32, c)
	dst := make([]float32, r)
	for b.Loop() {
		MatVec(dst, &w, x)
	}
}
