package safetensors

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/peftmerge/peftmerge/types/errtypes"
)

func TestAssembleSplitRoundTrip(t *testing.T) {
	logical := make([]float32, 24)
	for i := range logical {
		logical[i] = float32(i)
	}
	shape := []uint64{4, 6}

	for _, tt := range []struct {
		name  string
		axis  int
		spans []uint64
	}{
		{"axis 0", 0, []uint64{2, 2}},
		{"axis 1", 1, []uint64{2, 4}},
		{"axis 1 uneven", 1, []uint64{1, 5}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := Split(logical, shape, tt.axis, tt.spans)
			assert.NilError(t, err)

			shapes := make([][]uint64, len(tt.spans))
			for i, s := range tt.spans {
				part := []uint64{shape[0], shape[1]}
				part[tt.axis] = s
				shapes[i] = part
				assert.Equal(t, uint64(len(parts[i])), Elements(part))
			}

			got, full, err := Assemble(parts, shapes, tt.axis)
			assert.NilError(t, err)
			assert.DeepEqual(t, full, shape)
			assert.DeepEqual(t, got, logical)
		})
	}
}

// column partitions interleave rows; byte concatenation would get this
// wrong
func TestAssembleAxis1(t *testing.T) {
	left := []float32{0, 1, 4, 5}
	right := []float32{2, 3, 6, 7}

	got, shape, err := Assemble(
		[][]float32{left, right},
		[][]uint64{{2, 2}, {2, 2}},
		1,
	)
	assert.NilError(t, err)
	assert.DeepEqual(t, shape, []uint64{2, 4})
	assert.DeepEqual(t, got, []float32{0, 1, 2, 3, 4, 5, 6, 7})
}

func TestSplitBadSpans(t *testing.T) {
	_, err := Split(make([]float32, 8), []uint64{2, 4}, 1, []uint64{1, 2})
	assert.Assert(t, err != nil)
}

func writeTestCheckpoint(t *testing.T, files []OutFile, index *Index) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "model")
	assert.NilError(t, WriteCheckpoint(dir, files, index, nil))
	return dir
}

func TestOpenCheckpointSingleFile(t *testing.T) {
	dir := writeTestCheckpoint(t, []OutFile{{
		Name: "model.safetensors",
		Tensors: []OutTensor{
			{Info: TensorInfo{Name: "a", Dtype: DtypeF32, Shape: []uint64{2, 2}}, Data: f32Bytes(make([]float32, 4))},
			{Info: TensorInfo{Name: "b", Dtype: DtypeF16, Shape: []uint64{3}}, Data: make([]byte, 6)},
		},
	}}, nil)

	ckpt, err := OpenCheckpoint(dir)
	assert.NilError(t, err)
	assert.DeepEqual(t, ckpt.Names(), []string{"a", "b"})
	assert.Assert(t, ckpt.Has("a"))
	assert.Assert(t, !ckpt.Has("c"))

	info, err := ckpt.Info("a")
	assert.NilError(t, err)
	assert.DeepEqual(t, info.Shape, []uint64{2, 2})
}

func TestOpenCheckpointIndex(t *testing.T) {
	index := &Index{
		WeightMap: map[string]string{
			"a": "model-00001-of-00002.safetensors",
			"b": "model-00002-of-00002.safetensors",
		},
	}

	dir := writeTestCheckpoint(t, []OutFile{
		{
			Name:    "model-00001-of-00002.safetensors",
			Tensors: []OutTensor{{Info: TensorInfo{Name: "a", Dtype: DtypeF32, Shape: []uint64{2}}, Data: make([]byte, 8)}},
		},
		{
			Name:    "model-00002-of-00002.safetensors",
			Tensors: []OutTensor{{Info: TensorInfo{Name: "b", Dtype: DtypeF32, Shape: []uint64{2}}, Data: make([]byte, 8)}},
		},
	}, index)

	ckpt, err := OpenCheckpoint(dir)
	assert.NilError(t, err)
	assert.Assert(t, ckpt.Index != nil)
	assert.DeepEqual(t, ckpt.Names(), []string{"a", "b"})
	assert.Equal(t, len(ckpt.Files), 2)
}

func TestOpenCheckpointEmpty(t *testing.T) {
	_, err := OpenCheckpoint(t.TempDir())
	var notFound *errtypes.NotFoundError
	assert.Assert(t, errors.As(err, &notFound))
}

func TestOpenCheckpointSharded(t *testing.T) {
	// w is column-partitioned across two files: logical shape [2,4]
	dir := writeTestCheckpoint(t, []OutFile{
		{
			Name: "model-00001-of-00002.safetensors",
			Tensors: []OutTensor{{
				Info: TensorInfo{Name: "w", Dtype: DtypeF32, Shape: []uint64{2, 2}, Shard: &Shard{Axis: 1, Index: 0, Total: 2}},
				Data: f32Bytes([]float32{0, 1, 4, 5}),
			}},
		},
		{
			Name: "model-00002-of-00002.safetensors",
			Tensors: []OutTensor{{
				Info: TensorInfo{Name: "w", Dtype: DtypeF32, Shape: []uint64{2, 2}, Shard: &Shard{Axis: 1, Index: 1, Total: 2}},
				Data: f32Bytes([]float32{2, 3, 6, 7}),
			}},
		},
	}, nil)

	ckpt, err := OpenCheckpoint(dir)
	assert.NilError(t, err)

	info, err := ckpt.Info("w")
	assert.NilError(t, err)
	assert.DeepEqual(t, info.Shape, []uint64{2, 4})

	stored, err := ckpt.Stored("w")
	assert.NilError(t, err)
	assert.Equal(t, len(stored), 2)
	assert.Equal(t, stored[0].Info.Shard.Index, 0)
	assert.Equal(t, stored[1].Info.Shard.Index, 1)
}

func TestOpenCheckpointDuplicateWithoutShard(t *testing.T) {
	dir := writeTestCheckpoint(t, []OutFile{
		{
			Name:    "model-00001-of-00002.safetensors",
			Tensors: []OutTensor{{Info: TensorInfo{Name: "w", Dtype: DtypeF32, Shape: []uint64{2}}, Data: make([]byte, 8)}},
		},
		{
			Name:    "model-00002-of-00002.safetensors",
			Tensors: []OutTensor{{Info: TensorInfo{Name: "w", Dtype: DtypeF32, Shape: []uint64{2}}, Data: make([]byte, 8)}},
		},
	}, nil)

	_, err := OpenCheckpoint(dir)
	var corrupt *errtypes.CorruptDataError
	assert.Assert(t, errors.As(err, &corrupt))
}

func TestOpenCheckpointShardShapeMismatch(t *testing.T) {
	// non-partition axis extents must agree across shards
	dir := writeTestCheckpoint(t, []OutFile{
		{
			Name: "model-00001-of-00002.safetensors",
			Tensors: []OutTensor{{
				Info: TensorInfo{Name: "w", Dtype: DtypeF32, Shape: []uint64{2, 2}, Shard: &Shard{Axis: 1, Index: 0, Total: 2}},
				Data: make([]byte, 16),
			}},
		},
		{
			Name: "model-00002-of-00002.safetensors",
			Tensors: []OutTensor{{
				Info: TensorInfo{Name: "w", Dtype: DtypeF32, Shape: []uint64{3, 2}, Shard: &Shard{Axis: 1, Index: 1, Total: 2}},
				Data: make([]byte, 24),
			}},
		},
	}, nil)

	_, err := OpenCheckpoint(dir)
	var mismatch *errtypes.ShapeMismatchError
	assert.Assert(t, errors.As(err, &mismatch))
}

func TestWriteCheckpointDestExists(t *testing.T) {
	dest := t.TempDir()

	err := WriteCheckpoint(dest, nil, nil, nil)
	var commit *errtypes.IOCommitError
	assert.Assert(t, errors.As(err, &commit))
	assert.Equal(t, commit.Destination, dest)
}

// a failed write must leave neither the destination nor any staging
// directory behind
func TestWriteCheckpointFailureLeavesNothing(t *testing.T) {
	parent := t.TempDir()
	dest := filepath.Join(parent, "model")

	err := WriteCheckpoint(dest, []OutFile{{
		Name: "model.safetensors",
		Tensors: []OutTensor{{
			Info: TensorInfo{Name: "w", Dtype: DtypeF32, Shape: []uint64{4}},
			Data: make([]byte, 3), // wrong size
		}},
	}}, nil, nil)
	assert.Assert(t, err != nil)

	entries, derr := os.ReadDir(parent)
	assert.NilError(t, derr)
	assert.Equal(t, len(entries), 0)
}

func TestWriteCheckpointSidecars(t *testing.T) {
	src := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(src, "config.json"), []byte("{}"), 0o644))
	assert.NilError(t, os.WriteFile(filepath.Join(src, "model.safetensors"), []byte("x"), 0o644))

	sidecars, err := Sidecars(src)
	assert.NilError(t, err)
	assert.Equal(t, len(sidecars), 1)
	assert.Equal(t, filepath.Base(sidecars[0]), "config.json")

	dest := filepath.Join(t.TempDir(), "out")
	assert.NilError(t, WriteCheckpoint(dest, []OutFile{{
		Name: "model.safetensors",
		Tensors: []OutTensor{{
			Info: TensorInfo{Name: "w", Dtype: DtypeF32, Shape: []uint64{2}},
			Data: make([]byte, 8),
		}},
	}}, nil, sidecars))

	raw, err := os.ReadFile(filepath.Join(dest, "config.json"))
	assert.NilError(t, err)
	assert.Equal(t, string(raw), "{}")
}

// shard descriptors written as metadata survive a write/open cycle
func TestWriteCheckpointShardRoundTrip(t *testing.T) {
	dir := writeTestCheckpoint(t, []OutFile{{
		Name: "model.safetensors",
		Tensors: []OutTensor{{
			Info: TensorInfo{Name: "w", Dtype: DtypeF32, Shape: []uint64{2, 2}, Shard: &Shard{Axis: 0, Index: 0, Total: 1}},
			Data: make([]byte, 16),
		}},
	}}, nil)

	f, err := Open(filepath.Join(dir, "model.safetensors"))
	assert.NilError(t, err)

	ti, err := f.Info("w")
	assert.NilError(t, err)
	assert.Assert(t, ti.Shard != nil)
	assert.Equal(t, *ti.Shard, Shard{Axis: 0, Index: 0, Total: 1})
}
