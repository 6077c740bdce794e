// Package onnx runs exported causal language models through ONNX Runtime.
package onnx

import (
	"errors"
	"fmt"
	"strings"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/samcharles93/tinystory/internal/backend"
	"github.com/samcharles93/tinystory/internal/model"
)

type inputRole int

const (
	roleIDs inputRole = iota
	roleMask
	rolePositions
	rolePast
)

type input struct {
	name  string
	role  inputRole
	shape ort.Shape
}

type Options struct {
	// Library is the onnxruntime shared library path.
	Library    string
	Device     backend.Device
	DeviceID   int
	MaxContext int
}

// Engine implements model.Model on an ONNX Runtime session. When the export
// takes past_key_values the present outputs are fed back on the next step,
// otherwise the whole sequence is re-run for every token.
type Engine struct {
	session  *ort.DynamicAdvancedSession
	inputs   []input
	outNames []string
	cached   bool

	device     backend.Device
	maxContext int

	tokens []int64
	past   []ort.Value
	logits []float32
}

var _ model.Model = (*Engine)(nil)

// Open creates a session for the model at path.
func Open(path string, opts Options) (*Engine, error) {
	if err := backend.AcquireRuntime(opts.Library); err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = backend.ReleaseRuntime()
		}
	}()

	ins, outs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", path, err)
	}
	e := &Engine{device: backend.CPU, maxContext: opts.MaxContext}
	if err := e.bind(ins, outs); err != nil {
		return nil, err
	}

	var so *ort.SessionOptions
	if opts.Device == backend.CUDA {
		so, err = backend.CUDASessionOptions(opts.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("cuda session options: %w", err)
		}
		defer so.Destroy()
		e.device = backend.CUDA
	}

	names := make([]string, len(e.inputs))
	for i, in := range e.inputs {
		names[i] = in.name
	}
	s, err := ort.NewDynamicAdvancedSession(path, names, e.outNames, so)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	e.session = s
	ok = true
	return e, nil
}

func (e *Engine) bind(ins, outs []ort.InputOutputInfo) error {
	outputs := make(map[string]ort.InputOutputInfo, len(outs))
	for _, o := range outs {
		outputs[o.Name] = o
	}
	if len(outs) == 0 {
		return errors.New("model has no outputs")
	}
	logitsName := outs[0].Name
	if _, ok := outputs["logits"]; ok {
		logitsName = "logits"
	}
	e.outNames = []string{logitsName}

	hasIDs := false
	for _, info := range ins {
		role, err := classify(info.Name)
		if err != nil {
			return err
		}
		switch role {
		case roleIDs:
			hasIDs = true
			fallthrough
		case roleMask, rolePositions:
			if info.DataType != ort.TensorElementDataTypeInt64 {
				return fmt.Errorf("input %s: unsupported element type %v", info.Name, info.DataType)
			}
		case rolePast:
			if info.DataType != ort.TensorElementDataTypeFloat {
				return fmt.Errorf("input %s: unsupported element type %v", info.Name, info.DataType)
			}
			present := presentName(info.Name)
			if _, ok := outputs[present]; !ok {
				return fmt.Errorf("input %s has no matching output %s", info.Name, present)
			}
			e.outNames = append(e.outNames, present)
			e.cached = true
		}
		e.inputs = append(e.inputs, input{name: info.Name, role: role, shape: info.Dimensions})
	}
	if !hasIDs {
		return errors.New("model has no input_ids input")
	}
	return nil
}

func classify(name string) (inputRole, error) {
	switch {
	case name == "input_ids":
		return roleIDs, nil
	case name == "attention_mask":
		return roleMask, nil
	case name == "position_ids":
		return rolePositions, nil
	case strings.HasPrefix(name, "past_key_values"), strings.HasPrefix(name, "past."):
		return rolePast, nil
	default:
		return 0, fmt.Errorf("unsupported model input %q", name)
	}
}

// presentName maps past_key_values.0.key to present.0.key.
func presentName(past string) string {
	if rest, ok := strings.CutPrefix(past, "past_key_values"); ok {
		return "present" + rest
	}
	return "present" + strings.TrimPrefix(past, "past")
}

// emptyPastShape fixes the batch to 1 and every other dynamic axis to 0.
func emptyPastShape(declared ort.Shape) ort.Shape {
	shape := make(ort.Shape, len(declared))
	for i, d := range declared {
		switch {
		case i == 0:
			shape[i] = 1
		case d < 0:
			shape[i] = 0
		default:
			shape[i] = d
		}
	}
	return shape
}

func (e *Engine) ForwardToken(id int) ([]float32, error) {
	if e.session == nil {
		return nil, model.ErrClosed
	}
	if e.maxContext > 0 && len(e.tokens) >= e.maxContext {
		return nil, fmt.Errorf("context length %d exceeded", e.maxContext)
	}

	e.tokens = append(e.tokens, int64(id))
	feed, start := e.tokens, 0
	if e.cached {
		start = len(e.tokens) - 1
		feed = e.tokens[start:]
	}

	logits, err := e.run(feed, start)
	if err != nil {
		e.tokens = e.tokens[:len(e.tokens)-1]
		return nil, err
	}
	return logits, nil
}

func (e *Engine) run(feed []int64, start int) ([]float32, error) {
	if e.cached && e.past == nil {
		past, err := e.emptyPast()
		if err != nil {
			return nil, err
		}
		e.past = past
	}

	n := int64(len(feed))
	total := int64(start) + n
	var owned []ort.Value
	defer func() { destroyValues(owned) }()

	values := make([]ort.Value, 0, len(e.inputs))
	pastIdx := 0
	for _, in := range e.inputs {
		var (
			v   ort.Value
			err error
		)
		switch in.role {
		case roleIDs:
			v, err = ort.NewTensor(ort.NewShape(1, n), feed)
		case roleMask:
			v, err = ort.NewTensor(ort.NewShape(1, total), ones(total))
		case rolePositions:
			v, err = ort.NewTensor(ort.NewShape(1, n), positions(start, n))
		case rolePast:
			values = append(values, e.past[pastIdx])
			pastIdx++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in.name, err)
		}
		owned = append(owned, v)
		values = append(values, v)
	}

	outputs := make([]ort.Value, len(e.outNames))
	if err := e.session.Run(values, outputs); err != nil {
		destroyValues(outputs)
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	defer outputs[0].Destroy()

	t, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		destroyValues(outputs[1:])
		return nil, fmt.Errorf("output %s is not a float32 tensor", e.outNames[0])
	}
	data := t.GetData()
	if len(data) == 0 || len(data)%int(n) != 0 {
		destroyValues(outputs[1:])
		return nil, fmt.Errorf("output %s has %d values for %d tokens", e.outNames[0], len(data), n)
	}
	vocab := len(data) / int(n)
	e.logits = append(e.logits[:0], data[len(data)-vocab:]...)

	if e.cached {
		destroyValues(e.past)
		e.past = outputs[1:]
	}
	return e.logits, nil
}

func (e *Engine) emptyPast() ([]ort.Value, error) {
	var past []ort.Value
	for _, in := range e.inputs {
		if in.role != rolePast {
			continue
		}
		v, err := ort.NewEmptyTensor[float32](emptyPastShape(in.shape))
		if err != nil {
			destroyValues(past)
			return nil, fmt.Errorf("input %s: %w", in.name, err)
		}
		past = append(past, v)
	}
	return past, nil
}

func (e *Engine) Reset() {
	destroyValues(e.past)
	e.past = nil
	e.tokens = e.tokens[:0]
}

func (e *Engine) ContextLength() int { return e.maxContext }

// Device reports where the session executes.
func (e *Engine) Device() backend.Device { return e.device }

func (e *Engine) Close() error {
	if e.session == nil {
		return nil
	}
	destroyValues(e.past)
	e.past = nil
	err := e.session.Destroy()
	e.session = nil
	return errors.Join(err, backend.ReleaseRuntime())
}

func destroyValues(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			_ = v.Destroy()
		}
	}
}

func ones(n int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func positions(start int, n int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(start + i)
	}
	return out
}
