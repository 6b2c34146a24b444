package peft

import (
	"gonum.org/v1/gonum/mat"

	"github.com/peftmerge/peftmerge/types/errtypes"
)

// Reconstruct materializes the dense delta a compact adapter encodes
// and validates it against the target tensor's out×in shape. All
// arithmetic runs in float64, wider than any dequantized backbone
// precision, and the merge scale is applied exactly once here.
func Reconstruct(d *Delta, targetShape []uint64) ([]float64, error) {
	if len(targetShape) != 2 {
		return nil, &errtypes.ShapeMismatchError{Name: d.Target, Want: []uint64{0, 0}, Got: targetShape}
	}

	out, in := int(targetShape[0]), int(targetShape[1])

	var delta mat.Dense
	switch d.Variant {
	case LoRA, RSLoRA, LoRAPlus, PiSSA:
		if err := checkFactors(d, out, in); err != nil {
			return nil, err
		}
		delta.Mul(d.B, d.A)

	case MoRA, MoSLoRA:
		if err := checkFactors(d, out, in); err != nil {
			return nil, err
		}
		var mixed mat.Dense
		mixed.Mul(d.Mixer, d.A)
		delta.Mul(d.B, &mixed)

	case VeRA:
		r := len(d.LambdaD)
		br, bc := d.SharedB.Dims()
		ar, ac := d.SharedA.Dims()
		if br < out || bc < r || ar < r || ac < in || len(d.LambdaB) != out {
			return nil, &errtypes.ShapeMismatchError{
				Name: d.Target,
				Want: targetShape,
				Got:  []uint64{uint64(br), uint64(ac)},
			}
		}

		// shared projections are stored at the checkpoint's maximum
		// dimensions and sliced per layer
		bSlice := d.SharedB.Slice(0, out, 0, r)
		aSlice := d.SharedA.Slice(0, r, 0, in)

		var scaledB, scaledA mat.Dense
		scaledB.Mul(mat.NewDiagDense(out, d.LambdaB), bSlice)
		scaledA.Mul(mat.NewDiagDense(r, d.LambdaD), aSlice)
		delta.Mul(&scaledB, &scaledA)

	case LoKr:
		w2 := d.W2
		if w2 == nil {
			var lowRank mat.Dense
			lowRank.Mul(d.W2A, d.W2B)
			w2 = &lowRank
		}
		delta.Kronecker(d.W1, w2)

	default:
		return nil, &errtypes.UnsupportedSchemeError{Scheme: d.Variant.String(), Name: d.Target}
	}

	if d.Scale != 0 && d.Scale != 1 {
		delta.Scale(d.Scale, &delta)
	}

	rows, cols := delta.Dims()
	if rows != out || cols != in {
		return nil, &errtypes.ShapeMismatchError{Name: d.Target, Want: targetShape, Got: []uint64{uint64(rows), uint64(cols)}}
	}

	raw := delta.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data[:rows*cols], nil
	}

	flat := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		flat = append(flat, raw.Data[i*raw.Stride:i*raw.Stride+raw.Cols]...)
	}
	return flat, nil
}

func checkFactors(d *Delta, out, in int) error {
	ar, ac := d.A.Dims()
	br, bc := d.B.Dims()
	if ac != in || br != out || ar != bc {
		return &errtypes.ShapeMismatchError{
			Name: d.Target,
			Want: []uint64{uint64(out), uint64(in)},
			Got:  []uint64{uint64(br), uint64(ac)},
		}
	}
	return nil
}
