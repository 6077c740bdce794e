package model

import (
	"fmt"
	"slices"

	"github.com/samcharles93/tinystory/internal/checkpoint"
	"github.com/samcharles93/tinystory/internal/safetensors"
	"github.com/samcharles93/tinystory/internal/tensor"
)

// tensorSource is the read side of a safetensors set.
type tensorSource interface {
	Has(name string) bool
	Tensor(name string) (safetensors.TensorInfo, bool)
	ReadTensorF32(name string) ([]float32, safetensors.TensorInfo, error)
}

// EstimateBytes returns the host memory the weights in src will occupy once
// expanded to float32.
func EstimateBytes(set *safetensors.Set) int64 {
	var n int64
	for _, name := range set.Names() {
		if info, ok := set.Tensor(name); ok {
			n += int64(info.Elements()) * 4
		}
	}
	return n
}

// Load builds an instance from src. Weight layout differences between the
// families are normalised here so the forward pass sees [out, in] matrices.
func Load(arch checkpoint.Arch, src tensorSource) (*Instance, error) {
	act, ok := tensor.Activation(arch.Activation)
	if !ok {
		return nil, fmt.Errorf("unsupported activation_function %q", arch.Activation)
	}
	l := &loader{src: src, arch: arch, prefix: detectPrefix(src)}

	m := &Instance{
		Arch:       arch,
		MaxContext: arch.Positions,
		act:        act,
	}
	h := arch.Hidden
	m.Embeddings = l.mat("wte.weight", arch.Vocab, h)
	m.Positions = l.mat("wpe.weight", arch.Positions, h)
	m.FinalW = l.vec("ln_f.weight", h)
	m.FinalB = l.vec("ln_f.bias", h)

	m.Layers = make([]Layer, arch.Layers)
	for i := range m.Layers {
		p := fmt.Sprintf("h.%d.", i)
		layer := &m.Layers[i]
		layer.Ln1W = l.vec(p+"ln_1.weight", h)
		layer.Ln1B = l.vec(p+"ln_1.bias", h)
		layer.Ln2W = l.vec(p+"ln_2.weight", h)
		layer.Ln2B = l.vec(p+"ln_2.bias", h)
		if arch.LayerAttention[i] == checkpoint.AttentionLocal {
			layer.Window = arch.WindowSize
		}
		switch arch.Family {
		case checkpoint.FamilyGPTNeo:
			l.loadNeoLayer(layer, p)
		default:
			l.loadGPT2Layer(layer, p)
		}
	}

	switch {
	case arch.TiedEmbeddings || !src.Has("lm_head.weight"):
		if !arch.TiedEmbeddings {
			return nil, fmt.Errorf("tie_word_embeddings is false but lm_head.weight is missing")
		}
		m.Output = &m.Embeddings
	default:
		head := l.rawMat("lm_head.weight", arch.Vocab, h)
		m.Output = &head
	}
	if l.err != nil {
		return nil, l.err
	}

	m.paramBytes = l.bytes
	m.initScratch()
	return m, nil
}

// detectPrefix reports whether tensors carry the "transformer." prefix that
// the LM head model classes add.
func detectPrefix(src tensorSource) string {
	if src.Has("transformer.wte.weight") {
		return "transformer."
	}
	return ""
}

// loader accumulates the first error so the layer loading code reads
// straight through.
type loader struct {
	src    tensorSource
	arch   checkpoint.Arch
	prefix string
	bytes  int64
	err    error
}

// Conv1D weights are stored [in, out].
func (l *loader) loadGPT2Layer(layer *Layer, p string) {
	h, inner := l.arch.Hidden, l.arch.Inner

	qkv := l.conv1D(p+"attn.c_attn.weight", h, 3*h)
	qkvB := l.vec(p+"attn.c_attn.bias", 3*h)
	if l.err != nil {
		return
	}
	layer.Wq, layer.Wk, layer.Wv = qkv.RowSlice(0, h), qkv.RowSlice(h, 2*h), qkv.RowSlice(2*h, 3*h)
	layer.Bq, layer.Bk, layer.Bv = qkvB[:h], qkvB[h:2*h], qkvB[2*h:]

	layer.Wo = l.conv1D(p+"attn.c_proj.weight", h, h)
	layer.Bo = l.vec(p+"attn.c_proj.bias", h)
	layer.Fc = l.conv1D(p+"mlp.c_fc.weight", h, inner)
	layer.FcB = l.vec(p+"mlp.c_fc.bias", inner)
	layer.Proj = l.conv1D(p+"mlp.c_proj.weight", inner, h)
	layer.ProjB = l.vec(p+"mlp.c_proj.bias", h)
}

// GPT-Neo uses nn.Linear, stored [out, in], and has no q/k/v bias.
func (l *loader) loadNeoLayer(layer *Layer, p string) {
	h, inner := l.arch.Hidden, l.arch.Inner
	a := p + "attn.attention."
	layer.Wq = l.mat(a+"q_proj.weight", h, h)
	layer.Wk = l.mat(a+"k_proj.weight", h, h)
	layer.Wv = l.mat(a+"v_proj.weight", h, h)
	layer.Wo = l.mat(a+"out_proj.weight", h, h)
	layer.Bo = l.vec(a+"out_proj.bias", h)
	layer.Fc = l.mat(p+"mlp.c_fc.weight", inner, h)
	layer.FcB = l.vec(p+"mlp.c_fc.bias", inner)
	layer.Proj = l.mat(p+"mlp.c_proj.weight", h, inner)
	layer.ProjB = l.vec(p+"mlp.c_proj.bias", h)
}

func (l *loader) read(name string, shape ...int) []float32 {
	if l.err != nil {
		return nil
	}
	data, info, err := l.src.ReadTensorF32(name)
	if err != nil {
		l.err = fmt.Errorf("load %s: %w", name, err)
		return nil
	}
	if !slices.Equal(info.Shape, shape) {
		l.err = fmt.Errorf("load %s: shape %v, want %v", name, info.Shape, shape)
		return nil
	}
	l.bytes += int64(len(data)) * 4
	return data
}

func (l *loader) vec(name string, n int) []float32 {
	return l.read(l.prefix+name, n)
}

func (l *loader) mat(name string, rows, cols int) tensor.Mat {
	return l.rawMat(l.prefix+name, rows, cols)
}

// rawMat loads a tensor by its exact name.
func (l *loader) rawMat(name string, rows, cols int) tensor.Mat {
	data := l.read(name, rows, cols)
	if data == nil {
		return tensor.Mat{}
	}
	m, err := tensor.NewMatFromData(rows, cols, data)
	if err != nil {
		l.err = fmt.Errorf("load %s: %w", name, err)
	}
	return m
}

// conv1D loads an [in, out] weight and returns it transposed to [out, in].
func (l *loader) conv1D(name string, in, out int) tensor.Mat {
	m := l.mat(name, in, out)
	if l.err != nil {
		return tensor.Mat{}
	}
	return m.Transpose()
}
