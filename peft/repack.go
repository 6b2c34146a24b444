package peft

import (
	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
	"gonum.org/v1/gonum/mat"

	"github.com/peftmerge/peftmerge/types/errtypes"
)

// factor is one adapter tensor as stored: a dense float32 buffer plus
// its declared shape. Some exporters write low-rank factors transposed
// relative to the peft convention (A as in×rank, B as rank×out), so
// factors are re-oriented against the configured rank before use.
type factor struct {
	name  string
	data  []float32
	shape []uint64
}

func (f factor) dims() (int, int, bool) {
	if len(f.shape) != 2 {
		return 0, 0, false
	}
	return int(f.shape[0]), int(f.shape[1]), true
}

// dense converts the factor to a float64 matrix; vectors become a
// single row.
func (f factor) dense() *mat.Dense {
	rows, cols, ok := f.dims()
	if !ok {
		rows, cols = 1, len(f.data)
	}

	data := make([]float64, len(f.data))
	for i, v := range f.data {
		data[i] = float64(v)
	}

	return mat.NewDense(rows, cols, data)
}

func (f factor) vector() []float64 {
	out := make([]float64, len(f.data))
	for i, v := range f.data {
		out[i] = float64(v)
	}
	return out
}

// orientA returns the A factor as rank×in.
func orientA(target string, f factor, rank int) (*mat.Dense, error) {
	rows, cols, ok := f.dims()
	if !ok {
		return nil, &errtypes.ShapeMismatchError{Name: target, Want: []uint64{uint64(rank), 0}, Got: f.shape}
	}

	switch {
	case rank > 0 && rows == rank:
	case rank > 0 && cols == rank:
		return f.transposed()
	case rank > 0:
		return nil, &errtypes.ShapeMismatchError{Name: target, Want: []uint64{uint64(rank), 0}, Got: f.shape}
	case rows > cols:
		// rank unknown; the short axis is the rank axis
		return f.transposed()
	}

	return f.dense(), nil
}

// orientB returns the B factor as out×rank.
func orientB(target string, f factor, rank int) (*mat.Dense, error) {
	rows, cols, ok := f.dims()
	if !ok {
		return nil, &errtypes.ShapeMismatchError{Name: target, Want: []uint64{0, uint64(rank)}, Got: f.shape}
	}

	switch {
	case rank > 0 && cols == rank:
	case rank > 0 && rows == rank:
		return f.transposed()
	case rank > 0:
		return nil, &errtypes.ShapeMismatchError{Name: target, Want: []uint64{0, uint64(rank)}, Got: f.shape}
	case rows < cols:
		return f.transposed()
	}

	return f.dense(), nil
}

func (f factor) transposed() (*mat.Dense, error) {
	rows, cols, _ := f.dims()

	n := tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(f.data))
	if err := n.T(1, 0); err != nil {
		return nil, err
	}

	if err := n.Transpose(); err != nil {
		return nil, err
	}

	ts, err := native.SelectF32(n, 1)
	if err != nil {
		return nil, err
	}

	data := make([]float64, 0, rows*cols)
	for _, row := range ts {
		for _, v := range row {
			data = append(data, float64(v))
		}
	}

	return mat.NewDense(cols, rows, data), nil
}
