package safetensors

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"golang.org/x/exp/maps"

	"github.com/peftmerge/peftmerge/types/errtypes"
)

// Stored is one on-disk occurrence of a tensor: the file holding it and
// its header entry. A logical tensor is one Stored entry, or several
// when it was partitioned for tensor parallelism.
type Stored struct {
	File *File
	Info TensorInfo
}

// Checkpoint is a directory of safetensors files joined into one
// manifest. It understands single-file checkpoints, index-sharded
// checkpoints (model.safetensors.index.json) and tensor-parallel
// partitions recorded in shard metadata.
type Checkpoint struct {
	Dir   string
	Files []*File
	Index *Index

	byName map[string][]Stored
}

// Index mirrors the huggingface weight index sidecar.
type Index struct {
	Metadata  map[string]any    `json:"metadata,omitempty"`
	WeightMap map[string]string `json:"weight_map"`
}

const indexName = "model.safetensors.index.json"

var filePatterns = []string{
	"model-*-of-*.safetensors",
	"model.safetensors",
	"adapter_model.safetensors",
	"*.safetensors",
}

// OpenCheckpoint parses every safetensors file belonging to the
// checkpoint in dir and builds the joined tensor manifest.
func OpenCheckpoint(dir string) (*Checkpoint, error) {
	ckpt := &Checkpoint{
		Dir:    dir,
		byName: make(map[string][]Stored),
	}

	var paths []string
	if raw, err := os.ReadFile(filepath.Join(dir, indexName)); err == nil {
		var idx Index
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, &errtypes.CorruptDataError{Name: indexName, Reason: err.Error()}
		}
		ckpt.Index = &idx

		seen := make(map[string]struct{})
		for _, f := range idx.WeightMap {
			if _, ok := seen[f]; !ok {
				seen[f] = struct{}{}
				paths = append(paths, filepath.Join(dir, f))
			}
		}
		slices.Sort(paths)
	} else {
		for _, pattern := range filePatterns {
			matches, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				return nil, err
			}
			if len(matches) > 0 {
				paths = matches
				break
			}
		}
	}

	if len(paths) == 0 {
		return nil, &errtypes.NotFoundError{Name: "*.safetensors", Where: dir, Reason: "no tensor files"}
	}

	for _, p := range paths {
		f, err := Open(p)
		if err != nil {
			return nil, err
		}
		ckpt.Files = append(ckpt.Files, f)

		for _, name := range f.Names() {
			ti, _ := f.Info(name)
			ckpt.byName[name] = append(ckpt.byName[name], Stored{File: f, Info: ti})
		}
	}

	for name, stored := range ckpt.byName {
		if err := validateShards(name, stored); err != nil {
			return nil, err
		}
		sort.Slice(stored, func(i, j int) bool {
			si, sj := stored[i].Info.Shard, stored[j].Info.Shard
			if si == nil || sj == nil {
				return false
			}
			return si.Index < sj.Index
		})
	}

	return ckpt, nil
}

func validateShards(name string, stored []Stored) error {
	if len(stored) == 1 && stored[0].Info.Shard == nil {
		return nil
	}

	total := len(stored)
	seen := make([]bool, total)
	first := stored[0].Info

	for _, st := range stored {
		sh := st.Info.Shard
		if sh == nil {
			return &errtypes.CorruptDataError{Name: name, Reason: "duplicate tensor without shard descriptor"}
		}
		if sh.Total != total {
			return &errtypes.CorruptDataError{Name: name, Reason: fmt.Sprintf("shard declares %d partitions, found %d", sh.Total, total)}
		}
		if sh.Index >= total || seen[sh.Index] {
			return &errtypes.CorruptDataError{Name: name, Reason: fmt.Sprintf("shard index %d duplicated or out of range", sh.Index)}
		}
		seen[sh.Index] = true

		if st.Info.Dtype != first.Dtype {
			return &errtypes.CorruptDataError{Name: name, Reason: "shards disagree on dtype"}
		}
		if len(st.Info.Shape) != len(first.Shape) || sh.Axis >= len(st.Info.Shape) {
			return &errtypes.ShapeMismatchError{Name: name, Want: first.Shape, Got: st.Info.Shape}
		}
		for d := range st.Info.Shape {
			if d != sh.Axis && st.Info.Shape[d] != first.Shape[d] {
				return &errtypes.ShapeMismatchError{Name: name, Want: first.Shape, Got: st.Info.Shape}
			}
		}
	}

	return nil
}

// Names returns all logical tensor names, sorted.
func (c *Checkpoint) Names() []string {
	names := maps.Keys(c.byName)
	slices.Sort(names)
	return names
}

func (c *Checkpoint) Has(name string) bool {
	_, ok := c.byName[name]
	return ok
}

// Stored returns the on-disk entries of one logical tensor in partition
// order.
func (c *Checkpoint) Stored(name string) ([]Stored, error) {
	stored, ok := c.byName[name]
	if !ok {
		return nil, &errtypes.NotFoundError{Name: name, Where: c.Dir}
	}
	return stored, nil
}

// Info returns the logical tensor descriptor with partitioned axes
// summed back to their full extent.
func (c *Checkpoint) Info(name string) (TensorInfo, error) {
	stored, ok := c.byName[name]
	if !ok {
		return TensorInfo{}, &errtypes.NotFoundError{Name: name, Where: c.Dir}
	}

	ti := stored[0].Info
	if ti.Shard == nil {
		return ti, nil
	}

	shape := slices.Clone(ti.Shape)
	shape[ti.Shard.Axis] = 0
	for _, st := range stored {
		shape[ti.Shard.Axis] += st.Info.Shape[st.Info.Shard.Axis]
	}

	return TensorInfo{Name: name, Dtype: ti.Dtype, Shape: shape}, nil
}

// Assemble concatenates per-shard float buffers along axis into one
// logical buffer. Shapes must already satisfy the shard invariant.
func Assemble(parts [][]float32, shapes [][]uint64, axis int) ([]float32, []uint64, error) {
	if len(parts) != len(shapes) || len(parts) == 0 {
		return nil, nil, fmt.Errorf("mismatched assembly inputs")
	}
	if len(parts) == 1 {
		return parts[0], shapes[0], nil
	}

	full := slices.Clone(shapes[0])
	full[axis] = 0
	for i, shape := range shapes {
		if uint64(len(parts[i])) != Elements(shape) {
			return nil, nil, fmt.Errorf("part %d has %d elements, shape %v needs %d", i, len(parts[i]), shape, Elements(shape))
		}
		full[axis] += shape[axis]
	}

	// outer = product of dims before axis, inner = product after
	outer, inner := uint64(1), uint64(1)
	for d := 0; d < axis; d++ {
		outer *= full[d]
	}
	for d := axis + 1; d < len(full); d++ {
		inner *= full[d]
	}

	out := make([]float32, Elements(full))
	var colOffset uint64
	for i, part := range parts {
		span := shapes[i][axis] * inner
		for row := uint64(0); row < outer; row++ {
			src := part[row*span : (row+1)*span]
			dst := out[row*full[axis]*inner+colOffset:]
			copy(dst, src)
		}
		colOffset += span
	}

	return out, full, nil
}

// Split is the inverse of Assemble: it cuts a logical buffer back into
// partitions whose extents along axis are given by spans.
func Split(data []float32, shape []uint64, axis int, spans []uint64) ([][]float32, error) {
	var totalSpan uint64
	for _, s := range spans {
		totalSpan += s
	}
	if totalSpan != shape[axis] {
		return nil, fmt.Errorf("spans sum to %d, axis extent is %d", totalSpan, shape[axis])
	}

	outer, inner := uint64(1), uint64(1)
	for d := 0; d < axis; d++ {
		outer *= shape[d]
	}
	for d := axis + 1; d < len(shape); d++ {
		inner *= shape[d]
	}

	parts := make([][]float32, len(spans))
	var colOffset uint64
	for i, s := range spans {
		span := s * inner
		part := make([]float32, outer*span)
		for row := uint64(0); row < outer; row++ {
			src := data[row*shape[axis]*inner+colOffset:]
			copy(part[row*span:(row+1)*span], src[:span])
		}
		parts[i] = part
		colOffset += span
	}

	return parts, nil
}
