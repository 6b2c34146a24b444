package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// The float schemes are pass-through codecs: no information is lost
// decoding a stored payload, and re-encoding reproduces it exactly.

type f32 struct{}

func (f32) Name() string { return "F32" }

func (f32) Dequantize(data []byte, elements uint64) ([]float32, error) {
	if uint64(len(data)) != elements*4 {
		return nil, fmt.Errorf("F32: %d bytes for %d elements", len(data), elements)
	}

	out := make([]float32, elements)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

func (f32) Quantize(values []float32) ([]byte, error) {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out, nil
}

type f16 struct{}

func (f16) Name() string { return "F16" }

func (f16) Dequantize(data []byte, elements uint64) ([]float32, error) {
	if uint64(len(data)) != elements*2 {
		return nil, fmt.Errorf("F16: %d bytes for %d elements", len(data), elements)
	}

	out := make([]float32, elements)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
	}
	return out, nil
}

func (f16) Quantize(values []float32) ([]byte, error) {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
	}
	return out, nil
}

type bf16 struct{}

func (bf16) Name() string { return "BF16" }

func (bf16) Dequantize(data []byte, elements uint64) ([]float32, error) {
	if uint64(len(data)) != elements*2 {
		return nil, fmt.Errorf("BF16: %d bytes for %d elements", len(data), elements)
	}
	return bfloat16.DecodeFloat32(data), nil
}

func (bf16) Quantize(values []float32) ([]byte, error) {
	return bfloat16.EncodeFloat32(values), nil
}
