package safetensors

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"
)

// IndexFile is the conventional name of a sharded checkpoint's weight map.
const IndexFile = "model.safetensors.index.json"

type index struct {
	Metadata  map[string]any    `json:"metadata"`
	WeightMap map[string]string `json:"weight_map"`
}

// Set resolves tensor names across one or more safetensors files.
type Set struct {
	files  []*File
	byName map[string]*File
}

// OpenSet opens a single file or, when path names an index, every shard it
// references.
func OpenSet(path string) (*Set, error) {
	if filepath.Base(path) != IndexFile {
		f, err := Open(path)
		if err != nil {
			return nil, err
		}
		return newSet([]*File{f}), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var idx index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("parse %s: %w", IndexFile, err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("%s: empty weight_map", IndexFile)
	}

	shards := make([]string, 0)
	for _, shard := range idx.WeightMap {
		if !slices.Contains(shards, shard) {
			shards = append(shards, shard)
		}
	}
	slices.Sort(shards)

	dir := filepath.Dir(path)
	files := make([]*File, 0, len(shards))
	for _, shard := range shards {
		f, err := Open(filepath.Join(dir, shard))
		if err != nil {
			for _, opened := range files {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("open shard %s: %w", shard, err)
		}
		files = append(files, f)
	}
	return newSet(files), nil
}

func newSet(files []*File) *Set {
	s := &Set{files: files, byName: make(map[string]*File)}
	for _, f := range files {
		for name := range f.Tensors {
			s.byName[name] = f
		}
	}
	return s
}

func (s *Set) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

func (s *Set) Tensor(name string) (TensorInfo, bool) {
	f, ok := s.byName[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensor(name)
}

func (s *Set) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	f, ok := s.byName[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return f.ReadTensorF32(name)
}

// Names returns every tensor name in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// PayloadBytes is the total size of all tensor data in the set.
func (s *Set) PayloadBytes() int64 {
	var n int64
	for _, f := range s.files {
		for _, t := range f.Tensors {
			n += t.End - t.Start
		}
	}
	return n
}

func (s *Set) Close() error {
	var first error
	for _, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.files = nil
	s.byName = nil
	return first
}
