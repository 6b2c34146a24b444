// Package safetensors reads and writes model checkpoints in the
// safetensors container format, including index-sharded checkpoints and
// tensor-parallel partitioned tensors.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"golang.org/x/exp/maps"

	"github.com/peftmerge/peftmerge/types/errtypes"
)

// Dtype identifies the storage encoding of a tensor. F32, F16 and BF16
// are standard safetensors dtypes. Q8_0 and Q4_0 are 32-element block
// formats with a float16 scale per block, packed into the data section
// the same way GGML packs them.
type Dtype string

const (
	DtypeF32  Dtype = "F32"
	DtypeF16  Dtype = "F16"
	DtypeBF16 Dtype = "BF16"
	DtypeQ8_0 Dtype = "Q8_0"
	DtypeQ4_0 Dtype = "Q4_0"
)

// BlockSize is the number of elements per block in the quantized
// formats. Tensors stored as Q8_0 or Q4_0 must have an element count
// divisible by it.
const BlockSize = 32

func (d Dtype) Valid() bool {
	switch d {
	case DtypeF32, DtypeF16, DtypeBF16, DtypeQ8_0, DtypeQ4_0:
		return true
	}
	return false
}

// BytesFor returns the storage size of n elements encoded as d.
func (d Dtype) BytesFor(n uint64) (uint64, error) {
	switch d {
	case DtypeF32:
		return n * 4, nil
	case DtypeF16, DtypeBF16:
		return n * 2, nil
	case DtypeQ8_0:
		if n%BlockSize != 0 {
			return 0, fmt.Errorf("%d elements not divisible by block size %d", n, BlockSize)
		}
		return n / BlockSize * 34, nil
	case DtypeQ4_0:
		if n%BlockSize != 0 {
			return 0, fmt.Errorf("%d elements not divisible by block size %d", n, BlockSize)
		}
		return n / BlockSize * 18, nil
	default:
		return 0, &errtypes.UnsupportedSchemeError{Scheme: string(d)}
	}
}

// Shard describes one tensor-parallel partition of a logical tensor.
type Shard struct {
	Axis  int
	Index int
	Total int
}

// TensorInfo describes one stored tensor within a file.
type TensorInfo struct {
	Name  string
	Dtype Dtype
	Shape []uint64
	Shard *Shard

	start int64
	end   int64
}

// Elements returns the logical element count of the tensor.
func (ti TensorInfo) Elements() uint64 {
	return Elements(ti.Shape)
}

func Elements(shape []uint64) uint64 {
	n := uint64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

type tensorHeader struct {
	Dtype       string   `json:"dtype"`
	Shape       []uint64 `json:"shape"`
	DataOffsets []int64  `json:"data_offsets"`
}

// File is one parsed safetensors file. It only holds the header;
// tensor payloads are read on demand with ReadAt so concurrent reads
// of distinct tensors are safe.
type File struct {
	Path     string
	Metadata map[string]string

	dataStart int64
	dataEnd   int64
	tensors   map[string]TensorInfo
	order     []string
}

// Open parses the header of a safetensors file.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var headerLen uint64
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, &errtypes.CorruptDataError{Name: path, Reason: "truncated header length"}
	}

	if headerLen == 0 || int64(headerLen) > fi.Size()-8 {
		return nil, &errtypes.CorruptDataError{Name: path, Reason: fmt.Sprintf("header length %d exceeds file size %d", headerLen, fi.Size())}
	}

	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, &errtypes.CorruptDataError{Name: path, Reason: "truncated header"}
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, &errtypes.CorruptDataError{Name: path, Reason: fmt.Sprintf("malformed header: %v", err)}
	}

	out := &File{
		Path:      path,
		Metadata:  make(map[string]string),
		dataStart: int64(8 + headerLen),
		dataEnd:   fi.Size(),
		tensors:   make(map[string]TensorInfo, len(header)),
	}

	if meta, ok := header["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &out.Metadata); err != nil {
			return nil, &errtypes.CorruptDataError{Name: path, Reason: fmt.Sprintf("malformed __metadata__: %v", err)}
		}
		delete(header, "__metadata__")
	}

	keys := maps.Keys(header)
	slices.Sort(keys)

	for _, name := range keys {
		var th tensorHeader
		if err := json.Unmarshal(header[name], &th); err != nil {
			return nil, &errtypes.CorruptDataError{Name: name, Reason: fmt.Sprintf("malformed tensor entry: %v", err)}
		}

		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] {
			return nil, &errtypes.CorruptDataError{Name: name, Reason: "invalid data_offsets"}
		}

		ti := TensorInfo{
			Name:  name,
			Dtype: Dtype(th.Dtype),
			Shape: th.Shape,
			start: th.DataOffsets[0],
			end:   th.DataOffsets[1],
		}

		if !ti.Dtype.Valid() {
			return nil, &errtypes.UnsupportedSchemeError{Scheme: th.Dtype, Name: name}
		}

		want, err := ti.Dtype.BytesFor(ti.Elements())
		if err != nil {
			return nil, &errtypes.CorruptDataError{Name: name, Reason: err.Error()}
		}

		if got := uint64(ti.end - ti.start); got != want {
			return nil, &errtypes.CorruptDataError{Name: name, Reason: fmt.Sprintf("declared %d bytes, shape×dtype needs %d", got, want)}
		}

		if out.dataStart+ti.end > out.dataEnd {
			return nil, &errtypes.CorruptDataError{Name: name, Reason: "data range extends past end of file"}
		}

		if shard, ok := out.Metadata["shard."+name]; ok {
			s, err := parseShard(shard)
			if err != nil {
				return nil, &errtypes.CorruptDataError{Name: name, Reason: err.Error()}
			}
			ti.Shard = s
		}

		out.tensors[name] = ti
		out.order = append(out.order, name)
	}

	return out, nil
}

func parseShard(s string) (*Shard, error) {
	var sh Shard
	if _, err := fmt.Sscanf(s, "%d/%d/%d", &sh.Axis, &sh.Index, &sh.Total); err != nil {
		return nil, fmt.Errorf("malformed shard descriptor %q", s)
	}
	if sh.Total < 1 || sh.Index < 0 || sh.Index >= sh.Total || sh.Axis < 0 {
		return nil, fmt.Errorf("invalid shard descriptor %q", s)
	}
	return &sh, nil
}

// Names returns the tensor names in header order.
func (f *File) Names() []string {
	return slices.Clone(f.order)
}

func (f *File) Info(name string) (TensorInfo, error) {
	ti, ok := f.tensors[name]
	if !ok {
		return TensorInfo{}, &errtypes.NotFoundError{Name: name, Where: f.Path}
	}
	return ti, nil
}

// Bytes reads the raw stored payload of one tensor.
func (f *File) Bytes(name string) ([]byte, error) {
	ti, ok := f.tensors[name]
	if !ok {
		return nil, &errtypes.NotFoundError{Name: name, Where: f.Path}
	}

	r, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	buf := make([]byte, ti.end-ti.start)
	if _, err := r.ReadAt(buf, f.dataStart+ti.start); err != nil {
		return nil, &errtypes.CorruptDataError{Name: name, Reason: fmt.Sprintf("read: %v", err)}
	}

	return buf, nil
}
