package onnx

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/samcharles93/tinystory/internal/backend"
	"github.com/samcharles93/tinystory/internal/model"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		want    inputRole
		wantErr bool
	}{
		{"input_ids", roleIDs, false},
		{"attention_mask", roleMask, false},
		{"position_ids", rolePositions, false},
		{"past_key_values.3.value", rolePast, false},
		{"past.0.key", rolePast, false},
		{"token_type_ids", 0, true},
	}
	for _, tc := range tests {
		got, err := classify(tc.name)
		if tc.wantErr {
			assert.Error(t, err, tc.name)
			continue
		}
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}

func TestPresentName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "present.0.key", presentName("past_key_values.0.key"))
	assert.Equal(t, "present.11.value", presentName("past.11.value"))
}

func TestEmptyPastShape(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ort.NewShape(1, 12, 0, 64), emptyPastShape(ort.NewShape(-1, 12, -1, 64)))
	assert.Equal(t, ort.NewShape(1, 4, 0, 8), emptyPastShape(ort.NewShape(2, 4, -1, 8)))
}

func TestBind(t *testing.T) {
	t.Parallel()

	ids := ort.InputOutputInfo{Name: "input_ids", DataType: ort.TensorElementDataTypeInt64}
	mask := ort.InputOutputInfo{Name: "attention_mask", DataType: ort.TensorElementDataTypeInt64}
	pastK := ort.InputOutputInfo{
		Name:       "past_key_values.0.key",
		DataType:   ort.TensorElementDataTypeFloat,
		Dimensions: ort.NewShape(-1, 2, -1, 4),
	}
	logits := ort.InputOutputInfo{Name: "logits", DataType: ort.TensorElementDataTypeFloat}
	presentK := ort.InputOutputInfo{Name: "present.0.key", DataType: ort.TensorElementDataTypeFloat}

	e := &Engine{}
	require.NoError(t, e.bind(
		[]ort.InputOutputInfo{ids, mask, pastK},
		[]ort.InputOutputInfo{presentK, logits},
	))
	assert.True(t, e.cached)
	assert.Equal(t, []string{"logits", "present.0.key"}, e.outNames)
	require.Len(t, e.inputs, 3)
	assert.Equal(t, rolePast, e.inputs[2].role)

	plain := &Engine{}
	require.NoError(t, plain.bind([]ort.InputOutputInfo{ids}, []ort.InputOutputInfo{logits}))
	assert.False(t, plain.cached)

	assert.Error(t, (&Engine{}).bind([]ort.InputOutputInfo{mask}, []ort.InputOutputInfo{logits}),
		"input_ids is required")
	assert.Error(t, (&Engine{}).bind([]ort.InputOutputInfo{ids, pastK}, []ort.InputOutputInfo{logits}),
		"past without present")
	assert.Error(t, (&Engine{}).bind([]ort.InputOutputInfo{ids}, nil), "no outputs")

	floatIDs := ids
	floatIDs.DataType = ort.TensorElementDataTypeFloat
	assert.Error(t, (&Engine{}).bind([]ort.InputOutputInfo{floatIDs}, []ort.InputOutputInfo{logits}))
}

func TestClosedEngine(t *testing.T) {
	t.Parallel()
	e := &Engine{}
	_, err := e.ForwardToken(1)
	require.ErrorIs(t, err, model.ErrClosed)
	require.NoError(t, e.Close())
}

func TestOpenWithoutRuntime(t *testing.T) {
	t.Parallel()
	_, err := Open("model.onnx", Options{})
	require.ErrorIs(t, err, backend.ErrNoRuntime)
}

// TestOpenExportedModel needs a real runtime and export:
// ONNXRUNTIME_SHARED_LIBRARY_PATH and TINYSTORY_ONNX_MODEL.
func TestOpenExportedModel(t *testing.T) {
	lib := os.Getenv(backend.LibraryEnv)
	path := os.Getenv("TINYSTORY_ONNX_MODEL")
	if lib == "" || path == "" {
		t.Skip("onnxruntime library or model not configured")
	}

	e, err := Open(path, Options{Library: lib, Device: backend.CPU, MaxContext: 64})
	require.NoError(t, err)
	defer e.Close()

	first, err := e.ForwardToken(1)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	want := append([]float32(nil), first...)

	_, err = e.ForwardToken(2)
	require.NoError(t, err)

	e.Reset()
	again, err := e.ForwardToken(1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, again, 1e-4)
}
