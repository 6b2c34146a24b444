package cmd

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peftmerge/peftmerge/quant"
	"github.com/peftmerge/peftmerge/safetensors"
)

func writeFixtures(t *testing.T) (model, adapter string) {
	t.Helper()

	values := make([]float32, 16)
	data := make([]byte, 4*len(values))
	for i := range values {
		values[i] = 1
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(1))
	}

	model = filepath.Join(t.TempDir(), "model")
	require.NoError(t, safetensors.WriteCheckpoint(model, []safetensors.OutFile{{
		Name: "model.safetensors",
		Tensors: []safetensors.OutTensor{{
			Info: safetensors.TensorInfo{Name: "decoder.proj.weight", Dtype: safetensors.DtypeF32, Shape: []uint64{4, 4}},
			Data: data,
		}},
	}}, nil, nil))

	factor := make([]byte, 16)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(factor[4*i:], math.Float32bits(1))
	}

	adapter = filepath.Join(t.TempDir(), "adapter")
	require.NoError(t, safetensors.WriteCheckpoint(adapter, []safetensors.OutFile{{
		Name: "adapter_model.safetensors",
		Tensors: []safetensors.OutTensor{
			{
				Info: safetensors.TensorInfo{Name: "base_model.model.decoder.proj.lora_A.weight", Dtype: safetensors.DtypeF32, Shape: []uint64{1, 4}},
				Data: factor,
			},
			{
				Info: safetensors.TensorInfo{Name: "base_model.model.decoder.proj.lora_B.weight", Dtype: safetensors.DtypeF32, Shape: []uint64{4, 1}},
				Data: factor,
			},
		},
	}}, nil, nil))

	config, err := json.Marshal(map[string]any{"peft_type": "LORA", "r": 1, "scale": 2})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(adapter, "adapter_config.json"), config, 0o644))

	return model, adapter
}

func TestMergeCommand(t *testing.T) {
	model, adapter := writeFixtures(t)
	output := filepath.Join(t.TempDir(), "merged")

	cli := NewCLI()
	cli.SetArgs([]string{"merge", "--model", model, "--adapter", adapter, "--output", output})
	require.NoError(t, cli.Execute())

	out, err := safetensors.OpenCheckpoint(output)
	require.NoError(t, err)

	stored, err := out.Stored("decoder.proj.weight")
	require.NoError(t, err)

	scheme, err := quant.ForDtype(stored[0].Info.Dtype)
	require.NoError(t, err)
	raw, err := stored[0].File.Bytes("decoder.proj.weight")
	require.NoError(t, err)
	values, err := scheme.Dequantize(raw, 16)
	require.NoError(t, err)
	for _, v := range values {
		assert.Equal(t, float32(3), v)
	}
}

func TestMergeCommandMissingFlags(t *testing.T) {
	cli := NewCLI()
	cli.SetArgs([]string{"merge"})
	assert.Error(t, cli.Execute())
}

func TestMergeCommandBadDtype(t *testing.T) {
	model, adapter := writeFixtures(t)

	cli := NewCLI()
	cli.SetArgs([]string{"merge", "--model", model, "--adapter", adapter, "--output", filepath.Join(t.TempDir(), "out"), "--dtype", "Q9_9"})
	assert.Error(t, cli.Execute())
}

func TestInspectCommand(t *testing.T) {
	model, _ := writeFixtures(t)

	cli := NewCLI()
	cli.SetArgs([]string{"inspect", model})
	require.NoError(t, cli.Execute())
}
