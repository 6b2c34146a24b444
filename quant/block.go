package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Q8_0 and Q4_0 are 32-element block formats with one float16 scale per
// block, laid out the way GGML lays them out. Both pick the scale so
// that the block's extreme value lands exactly on the extreme quantized
// level, which is what makes quantize∘dequantize the identity on
// already-encoded payloads.

const blockSize = 32

const (
	q8BlockBytes = 2 + blockSize   // f16 scale + 32 int8
	q4BlockBytes = 2 + blockSize/2 // f16 scale + 32 nibbles
)

type q8_0 struct{}

func (q8_0) Name() string { return "Q8_0" }

func (q8_0) Dequantize(data []byte, elements uint64) ([]float32, error) {
	if err := checkBlocks("Q8_0", data, elements, q8BlockBytes); err != nil {
		return nil, err
	}

	out := make([]float32, elements)
	for b := uint64(0); b < elements/blockSize; b++ {
		block := data[b*q8BlockBytes:]
		d := float16.Frombits(binary.LittleEndian.Uint16(block)).Float32()
		for j := 0; j < blockSize; j++ {
			out[b*blockSize+uint64(j)] = d * float32(int8(block[2+j]))
		}
	}
	return out, nil
}

func (q8_0) Quantize(values []float32) ([]byte, error) {
	if len(values)%blockSize != 0 {
		return nil, fmt.Errorf("Q8_0: %d elements not divisible by %d", len(values), blockSize)
	}

	out := make([]byte, len(values)/blockSize*q8BlockBytes)
	for b := 0; b < len(values)/blockSize; b++ {
		src := values[b*blockSize : (b+1)*blockSize]
		block := out[b*q8BlockBytes:]

		var amax float32
		for _, v := range src {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax = a
			}
		}

		d := float16.Fromfloat32(amax / 127)
		binary.LittleEndian.PutUint16(block, d.Bits())

		id := float32(0)
		if df := d.Float32(); df != 0 {
			id = 1 / df
		}

		for j, v := range src {
			q := math.Round(float64(v * id))
			if q > 127 {
				q = 127
			} else if q < -127 {
				q = -127
			}
			block[2+j] = byte(int8(q))
		}
	}
	return out, nil
}

type q4_0 struct{}

func (q4_0) Name() string { return "Q4_0" }

func (q4_0) Dequantize(data []byte, elements uint64) ([]float32, error) {
	if err := checkBlocks("Q4_0", data, elements, q4BlockBytes); err != nil {
		return nil, err
	}

	out := make([]float32, elements)
	for b := uint64(0); b < elements/blockSize; b++ {
		block := data[b*q4BlockBytes:]
		d := float16.Frombits(binary.LittleEndian.Uint16(block)).Float32()
		for j := 0; j < blockSize/2; j++ {
			q := block[2+j]
			out[b*blockSize+uint64(j)] = d * (float32(q&0x0F) - 8)
			out[b*blockSize+uint64(j)+blockSize/2] = d * (float32(q>>4) - 8)
		}
	}
	return out, nil
}

func (q4_0) Quantize(values []float32) ([]byte, error) {
	if len(values)%blockSize != 0 {
		return nil, fmt.Errorf("Q4_0: %d elements not divisible by %d", len(values), blockSize)
	}

	out := make([]byte, len(values)/blockSize*q4BlockBytes)
	for b := 0; b < len(values)/blockSize; b++ {
		src := values[b*blockSize : (b+1)*blockSize]
		block := out[b*q4BlockBytes:]

		// the extreme value keeps its sign so it maps to level 0
		var amax, max float32
		for _, v := range src {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax, max = a, v
			}
		}

		d := float16.Fromfloat32(max / -8)
		binary.LittleEndian.PutUint16(block, d.Bits())

		id := float32(0)
		if df := d.Float32(); df != 0 {
			id = 1 / df
		}

		for j := 0; j < blockSize/2; j++ {
			lo := q4Level(src[j], id)
			hi := q4Level(src[j+blockSize/2], id)
			block[2+j] = lo | hi<<4
		}
	}
	return out, nil
}

func q4Level(v, id float32) byte {
	q := int(v*id + 8.5)
	if q > 15 {
		q = 15
	} else if q < 0 {
		q = 0
	}
	return byte(q)
}

func checkBlocks(scheme string, data []byte, elements uint64, blockBytes uint64) error {
	if elements%blockSize != 0 {
		return fmt.Errorf("%s: %d elements not divisible by %d", scheme, elements, blockSize)
	}
	if uint64(len(data)) != elements/blockSize*blockBytes {
		return fmt.Errorf("%s: %d bytes for %d elements", scheme, len(data), elements)
	}
	return nil
}
