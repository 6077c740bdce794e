package safetensors

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSetSingleFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, WriteF32(path, map[string]F32Tensor{
		"a": {Shape: []int{2}, Data: []float32{1, 2}},
		"b": {Shape: []int{1}, Data: []float32{3}},
	}))

	s, err := OpenSet(path)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{"a", "b"}, s.Names())
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("c"))
	assert.Equal(t, int64(12), s.PayloadBytes())
}

func TestOpenSetSharded(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, WriteF32(filepath.Join(dir, "model-00001-of-00002.safetensors"), map[string]F32Tensor{
		"wte": {Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
	}))
	require.NoError(t, WriteF32(filepath.Join(dir, "model-00002-of-00002.safetensors"), map[string]F32Tensor{
		"ln_f.bias": {Shape: []int{2}, Data: []float32{5, 6}},
	}))
	idx, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"total_size": 24},
		"weight_map": map[string]string{
			"wte":       "model-00001-of-00002.safetensors",
			"ln_f.bias": "model-00002-of-00002.safetensors",
		},
	})
	require.NoError(t, err)
	indexPath := filepath.Join(dir, IndexFile)
	require.NoError(t, os.WriteFile(indexPath, idx, 0o644))

	s, err := OpenSet(indexPath)
	require.NoError(t, err)
	defer s.Close()

	bias, info, err := s.ReadTensorF32("ln_f.bias")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6}, bias)
	assert.Equal(t, []int{2}, info.Shape)

	wte, _, err := s.ReadTensorF32("wte")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, wte)

	_, _, err = s.ReadTensorF32("missing")
	assert.ErrorIs(t, err, ErrTensorNotFound)
}

func TestOpenSetMissingShard(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	idx, err := json.Marshal(map[string]any{"weight_map": map[string]string{"a": "gone.safetensors"}})
	require.NoError(t, err)
	indexPath := filepath.Join(dir, IndexFile)
	require.NoError(t, os.WriteFile(indexPath, idx, 0o644))

	_, err = OpenSet(indexPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gone.safetensors")
}
