// Package quant converts between stored tensor encodings and dense
// float32 buffers. Schemes register themselves by name; anything
// implementing Scheme can be added without touching the merge engine.
package quant

import (
	"github.com/peftmerge/peftmerge/safetensors"
	"github.com/peftmerge/peftmerge/types/errtypes"
)

// Scheme is one tensor storage encoding. Dequantize and Quantize must
// round-trip: re-encoding the decoded values of a valid payload
// reproduces it byte for byte.
type Scheme interface {
	Name() string
	Dequantize(data []byte, elements uint64) ([]float32, error)
	Quantize(values []float32) ([]byte, error)
}

var schemes = make(map[string]Scheme)

// Register makes a scheme available for lookup. Registering a
// duplicate name is a programming error.
func Register(s Scheme) {
	if _, ok := schemes[s.Name()]; ok {
		panic("quant: duplicate scheme " + s.Name())
	}
	schemes[s.Name()] = s
}

// Lookup resolves a scheme by name. Unknown names are fatal for the
// caller; there is no fallback encoding.
func Lookup(name string) (Scheme, error) {
	s, ok := schemes[name]
	if !ok {
		return nil, &errtypes.UnsupportedSchemeError{Scheme: name}
	}
	return s, nil
}

// ForDtype resolves the scheme that decodes a stored dtype.
func ForDtype(d safetensors.Dtype) (Scheme, error) {
	return Lookup(string(d))
}

func init() {
	Register(f32{})
	Register(f16{})
	Register(bf16{})
	Register(q8_0{})
	Register(q4_0{})
}
