package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/tinystory/internal/checkpoint"
	"github.com/samcharles93/tinystory/internal/tensor"
)

// Layer holds one transformer block. Projection matrices are stored as
// [out, in] regardless of how the checkpoint laid them out.
type Layer struct {
	Ln1W, Ln1B []float32
	Ln2W, Ln2B []float32

	Wq, Wk, Wv, Wo tensor.Mat
	Bq, Bk, Bv, Bo []float32

	Fc, Proj   tensor.Mat
	FcB, ProjB []float32

	// Window limits attention to the last Window positions. Zero means
	// global attention.
	Window int

	cacheK, cacheV []float32
}

// Instance is a loaded transformer with its KV cache. It is not safe for
// concurrent use.
type Instance struct {
	Arch checkpoint.Arch

	Embeddings tensor.Mat // wte, [vocab, hidden]
	Positions  tensor.Mat // wpe, [positions, hidden]
	Layers     []Layer
	FinalW     []float32
	FinalB     []float32
	Output     *tensor.Mat // lm head, [vocab, hidden]

	Pos        int
	MaxContext int

	act        func(float32) float32
	attnScale  float32
	pool       *attnPool
	scratch    scratch
	paramBytes int64
	closed     bool
}

type scratch struct {
	x, tmp        []float32
	q, k, v       []float32
	attnOut, proj []float32
	fc, mlpOut    []float32
	logits        []float32
}

func (m *Instance) initScratch() {
	h, inner := m.Arch.Hidden, m.Arch.Inner
	m.scratch = scratch{
		x:       make([]float32, h),
		tmp:     make([]float32, h),
		q:       make([]float32, h),
		k:       make([]float32, h),
		v:       make([]float32, h),
		attnOut: make([]float32, h),
		proj:    make([]float32, h),
		fc:      make([]float32, inner),
		mlpOut:  make([]float32, h),
		logits:  make([]float32, m.Output.R),
	}
	m.attnScale = 1
	if m.Arch.ScaleAttention {
		m.attnScale = float32(1 / math.Sqrt(float64(m.Arch.HeadDim())))
	}
	m.pool = newAttnPool(attnWorkersFor(m.Arch.Heads), m.MaxContext)
}

// ForwardToken runs one autoregressive step for the provided token id.
// It returns a logits slice owned by the model (overwritten on next call).
func (m *Instance) ForwardToken(tok int) ([]float32, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if tok < 0 || tok >= m.Embeddings.R {
		return nil, fmt.Errorf("token id out of range: %d", tok)
	}
	if m.Pos >= m.MaxContext {
		return nil, fmt.Errorf("context length exceeded: %d >= %d", m.Pos, m.MaxContext)
	}

	x := m.scratch.x
	copy(x, m.Embeddings.Row(tok))
	tensor.Add(x, m.Positions.Row(m.Pos))

	eps := m.Arch.Eps
	for i := range m.Layers {
		layer := &m.Layers[i]

		tensor.LayerNorm(m.scratch.tmp, x, layer.Ln1W, layer.Ln1B, eps)
		tensor.Add(x, m.attention(layer, m.scratch.tmp, m.Pos))

		tensor.LayerNorm(m.scratch.tmp, x, layer.Ln2W, layer.Ln2B, eps)
		tensor.Add(x, m.mlp(layer, m.scratch.tmp))
	}

	tensor.LayerNorm(m.scratch.tmp, x, m.FinalW, m.FinalB, eps)
	tensor.MatVec(m.scratch.logits, m.Output, m.scratch.tmp)

	m.Pos++
	return m.scratch.logits, nil
}

func (m *Instance) attention(layer *Layer, x []float32, pos int) []float32 {
	q, k, v := m.scratch.q, m.scratch.k, m.scratch.v
	tensor.MatVecBias(q, &layer.Wq, x, layer.Bq)
	tensor.MatVecBias(k, &layer.Wk, x, layer.Bk)
	tensor.MatVecBias(v, &layer.Wv, x, layer.Bv)

	h := m.Arch.Hidden
	layer.cacheK = append(layer.cacheK[:pos*h], k...)
	layer.cacheV = append(layer.cacheV[:pos*h], v...)

	start := 0
	if layer.Window > 0 {
		start = max(pos-layer.Window+1, 0)
	}
	ctx := attnContext{
		q:       q,
		cacheK:  layer.cacheK,
		cacheV:  layer.cacheV,
		attnOut: m.scratch.attnOut,
		pos:     pos,
		start:   start,
		hidden:  h,
		headDim: m.Arch.HeadDim(),
		scale:   m.attnScale,
	}
	m.pool.run(&ctx, m.Arch.Heads)

	tensor.MatVecBias(m.scratch.proj, &layer.Wo, m.scratch.attnOut, layer.Bo)
	return m.scratch.proj
}

func (m *Instance) mlp(layer *Layer, x []float32) []float32 {
	tensor.MatVecBias(m.scratch.fc, &layer.Fc, x, layer.FcB)
	tensor.Apply(m.scratch.fc, m.act)
	tensor.MatVecBias(m.scratch.mlpOut, &layer.Proj, m.scratch.fc, layer.ProjB)
	return m.scratch.mlpOut
}

// Reset rewinds to position zero. Cache capacity is kept for reuse.
func (m *Instance) Reset() {
	m.Pos = 0
	for i := range m.Layers {
		m.Layers[i].cacheK = m.Layers[i].cacheK[:0]
		m.Layers[i].cacheV = m.Layers[i].cacheV[:0]
	}
}

func (m *Instance) ContextLength() int { return m.MaxContext }

// ParamBytes is the host memory held by the weights.
func (m *Instance) ParamBytes() int64 { return m.paramBytes }

func (m *Instance) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if m.pool != nil {
		m.pool.close()
	}
	m.Layers = nil
	m.Embeddings = tensor.Mat{}
	m.Positions = tensor.Mat{}
	m.Output = nil
	return nil
}
