package peft

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/peftmerge/peftmerge/types/errtypes"
)

// naive row-major matmul for independent verification
func matmul(a []float64, ar, ac int, b []float64, br, bc int) []float64 {
	out := make([]float64, ar*bc)
	for i := 0; i < ar; i++ {
		for j := 0; j < bc; j++ {
			var sum float64
			for k := 0; k < ac; k++ {
				sum += a[i*ac+k] * b[k*bc+j]
			}
			out[i*bc+j] = sum
		}
	}
	_ = br
	return out
}

func randData(n int, rng *rand.Rand) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64()
	}
	return out
}

func TestReconstructLoRA(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	const out, in, rank = 6, 10, 3
	a := randData(rank*in, rng)
	b := randData(out*rank, rng)
	scale := 1.5

	d := &Delta{
		Target:  "w",
		Variant: LoRA,
		Scale:   scale,
		A:       mat.NewDense(rank, in, a),
		B:       mat.NewDense(out, rank, b),
	}

	got, err := Reconstruct(d, []uint64{out, in})
	require.NoError(t, err)

	want := matmul(b, out, rank, a, rank, in)
	for i := range want {
		assert.InDelta(t, scale*want[i], got[i], 1e-12)
	}
}

func TestReconstructMixer(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	const out, in, rank = 4, 5, 2
	a := randData(rank*in, rng)
	b := randData(out*rank, rng)
	m := randData(rank*rank, rng)

	d := &Delta{
		Target:  "w",
		Variant: MoSLoRA,
		Scale:   1,
		A:       mat.NewDense(rank, in, a),
		B:       mat.NewDense(out, rank, b),
		Mixer:   mat.NewDense(rank, rank, m),
	}

	got, err := Reconstruct(d, []uint64{out, in})
	require.NoError(t, err)

	ma := matmul(m, rank, rank, a, rank, in)
	want := matmul(b, out, rank, ma, rank, in)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12)
	}
}

func TestReconstructVeRA(t *testing.T) {
	rng := rand.New(rand.NewSource(13))

	const out, in, rank = 4, 6, 2
	sharedA := mat.NewDense(rank, in, randData(rank*in, rng))
	sharedB := mat.NewDense(out, rank, randData(out*rank, rng))
	lambdaB := randData(out, rng)
	lambdaD := randData(rank, rng)

	d := &Delta{
		Target:  "w",
		Variant: VeRA,
		Scale:   1,
		SharedA: sharedA,
		SharedB: sharedB,
		LambdaB: lambdaB,
		LambdaD: lambdaD,
	}

	got, err := Reconstruct(d, []uint64{out, in})
	require.NoError(t, err)

	// direct computation: diag(λb)·B·diag(λd)·A
	want := make([]float64, out*in)
	for i := 0; i < out; i++ {
		for j := 0; j < in; j++ {
			var sum float64
			for k := 0; k < rank; k++ {
				sum += lambdaB[i] * sharedB.At(i, k) * lambdaD[k] * sharedA.At(k, j)
			}
			want[i*in+j] = sum
		}
	}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12)
	}
}

// the composition, not the individual factors, determines the result:
// rescaling λb by c and the shared B by 1/c must not change the delta.
func TestVeRAReparameterizationInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(17))

	const out, in, rank = 3, 5, 2
	const c = 4.0

	sharedA := mat.NewDense(rank, in, randData(rank*in, rng))
	sharedB := mat.NewDense(out, rank, randData(out*rank, rng))
	lambdaB := randData(out, rng)
	lambdaD := randData(rank, rng)

	scaledLambdaB := make([]float64, out)
	for i := range lambdaB {
		scaledLambdaB[i] = lambdaB[i] * c
	}
	var scaledSharedB mat.Dense
	scaledSharedB.Scale(1/c, sharedB)

	base := &Delta{Target: "w", Variant: VeRA, Scale: 1, SharedA: sharedA, SharedB: sharedB, LambdaB: lambdaB, LambdaD: lambdaD}
	reparam := &Delta{Target: "w", Variant: VeRA, Scale: 1, SharedA: sharedA, SharedB: &scaledSharedB, LambdaB: scaledLambdaB, LambdaD: lambdaD}

	a, err := Reconstruct(base, []uint64{out, in})
	require.NoError(t, err)
	b, err := Reconstruct(reparam, []uint64{out, in})
	require.NoError(t, err)

	for i := range a {
		assert.InDelta(t, a[i], b[i], 1e-12)
	}
}

// shared projections larger than one layer's dimensions are sliced
func TestVeRASharedSlicing(t *testing.T) {
	rng := rand.New(rand.NewSource(19))

	const out, in, rank = 3, 4, 2
	sharedA := mat.NewDense(rank+2, in+3, randData((rank+2)*(in+3), rng))
	sharedB := mat.NewDense(out+1, rank+2, randData((out+1)*(rank+2), rng))

	d := &Delta{
		Target:  "w",
		Variant: VeRA,
		Scale:   1,
		SharedA: sharedA,
		SharedB: sharedB,
		LambdaB: randData(out, rng),
		LambdaD: randData(rank, rng),
	}

	got, err := Reconstruct(d, []uint64{out, in})
	require.NoError(t, err)
	assert.Len(t, got, out*in)
}

func TestReconstructLoKr(t *testing.T) {
	w1 := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	w2 := mat.NewDense(2, 2, []float64{0, 1, 1, 0})

	d := &Delta{Target: "w", Variant: LoKr, Scale: 1, W1: w1, W2: w2}

	got, err := Reconstruct(d, []uint64{4, 4})
	require.NoError(t, err)

	want := []float64{
		0, 1, 0, 2,
		1, 0, 2, 0,
		0, 3, 0, 4,
		3, 0, 4, 0,
	}
	assert.Equal(t, want, got)
}

func TestReconstructLoKrLowRankW2(t *testing.T) {
	rng := rand.New(rand.NewSource(23))

	w1 := mat.NewDense(2, 2, randData(4, rng))
	w2a := mat.NewDense(3, 1, randData(3, rng))
	w2b := mat.NewDense(1, 3, randData(3, rng))

	d := &Delta{Target: "w", Variant: LoKr, Scale: 2, W1: w1, W2A: w2a, W2B: w2b}

	got, err := Reconstruct(d, []uint64{6, 6})
	require.NoError(t, err)

	w2 := matmul(rawData(w2a), 3, 1, rawData(w2b), 1, 3)
	want := make([]float64, 36)
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			want[i*6+j] = 2 * w1.At(i/3, j/3) * w2[(i%3)*3+(j%3)]
		}
	}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12)
	}
}

func rawData(m *mat.Dense) []float64 {
	raw := m.RawMatrix()
	return raw.Data
}

func TestReconstructShapeMismatch(t *testing.T) {
	d := &Delta{
		Target:  "w",
		Variant: LoRA,
		Scale:   1,
		A:       mat.NewDense(2, 8, make([]float64, 16)),
		B:       mat.NewDense(4, 2, make([]float64, 8)),
	}

	// target declares in=10, factor A provides 8
	_, err := Reconstruct(d, []uint64{4, 10})
	require.Error(t, err)

	var mismatch *errtypes.ShapeMismatchError
	assert.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "w", mismatch.Name)
}

func TestReconstructLoKrShapeMismatch(t *testing.T) {
	d := &Delta{
		Target:  "w",
		Variant: LoKr,
		Scale:   1,
		W1:      mat.NewDense(2, 2, make([]float64, 4)),
		W2:      mat.NewDense(2, 2, make([]float64, 4)),
	}

	_, err := Reconstruct(d, []uint64{4, 8})
	require.Error(t, err)

	var mismatch *errtypes.ShapeMismatchError
	assert.True(t, errors.As(err, &mismatch))
}

func TestReconstructZeroDelta(t *testing.T) {
	const out, in, rank = 4, 4, 2

	d := &Delta{
		Target:  "w",
		Variant: RSLoRA,
		Scale:   3,
		A:       mat.NewDense(rank, in, make([]float64, rank*in)),
		B:       mat.NewDense(out, rank, make([]float64, out*rank)),
	}

	got, err := Reconstruct(d, []uint64{out, in})
	require.NoError(t, err)
	for _, v := range got {
		assert.Zero(t, v)
	}
}
