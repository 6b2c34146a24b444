// Package peft loads parameter-efficient adapter checkpoints and
// reconstructs the dense weight delta each one encodes.
package peft

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gonum.org/v1/gonum/mat"

	"github.com/peftmerge/peftmerge/quant"
	"github.com/peftmerge/peftmerge/safetensors"
	"github.com/peftmerge/peftmerge/types/errtypes"
)

// Variant is the closed set of adapter families the registry can
// reconstruct. Adding a member means extending the switch in
// Reconstruct; unknown tags fail at load time.
type Variant int

const (
	LoRA Variant = iota
	RSLoRA
	LoRAPlus
	PiSSA
	VeRA
	LoKr
	MoRA
	MoSLoRA
)

func (v Variant) String() string {
	switch v {
	case LoRA:
		return "lora"
	case RSLoRA:
		return "rslora"
	case LoRAPlus:
		return "lora+"
	case PiSSA:
		return "pissa"
	case VeRA:
		return "vera"
	case LoKr:
		return "lokr"
	case MoRA:
		return "mora"
	case MoSLoRA:
		return "moslora"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// Config mirrors adapter_config.json. The file is loosely typed across
// peft versions, so it is decoded through mapstructure with unknown
// keys ignored.
type Config struct {
	PeftType      string   `mapstructure:"peft_type"`
	Rank          int      `mapstructure:"r"`
	Alpha         float64  `mapstructure:"lora_alpha"`
	Scale         float64  `mapstructure:"scale"`
	UseRSLoRA     bool     `mapstructure:"use_rslora"`
	UseMixer      bool     `mapstructure:"use_mixer"`
	TargetModules []string `mapstructure:"target_modules"`

	// init_lora_weights is a bool in plain lora configs and a string
	// tag ("pissa", "pissa_niter_4", ...) for pissa initialization
	InitWeights any `mapstructure:"init_lora_weights"`

	LoraPlusLRRatio float64 `mapstructure:"loraplus_lr_ratio"`
}

// Variant resolves the adapter family the config describes.
func (c Config) Variant() (Variant, error) {
	switch strings.ToUpper(c.PeftType) {
	case "LORA", "":
		if s, ok := c.InitWeights.(string); ok && strings.HasPrefix(strings.ToLower(s), "pissa") {
			return PiSSA, nil
		}
		if c.UseRSLoRA {
			return RSLoRA, nil
		}
		if c.UseMixer {
			return MoSLoRA, nil
		}
		if c.LoraPlusLRRatio > 1 {
			return LoRAPlus, nil
		}
		return LoRA, nil
	case "VERA":
		return VeRA, nil
	case "LOKR":
		return LoKr, nil
	case "MORA":
		return MoRA, nil
	case "MOSLORA":
		return MoSLoRA, nil
	default:
		return 0, &errtypes.UnsupportedSchemeError{Scheme: c.PeftType, Name: "adapter_config.json"}
	}
}

// MergeScale is the multiplier applied to the reconstructed product,
// exactly once. An explicit scale in the config wins; otherwise the
// conventional alpha/r (alpha/sqrt(r) under rank stabilization).
func (c Config) MergeScale(variant Variant, rank int) float64 {
	if c.Scale != 0 {
		return c.Scale
	}
	if variant == VeRA {
		return 1
	}
	if c.Alpha == 0 || rank == 0 {
		return 1
	}
	if variant == RSLoRA {
		return c.Alpha / math.Sqrt(float64(rank))
	}
	return c.Alpha / float64(rank)
}

// Delta is one target layer's compact weight update.
type Delta struct {
	Target  string
	Variant Variant
	Scale   float64

	// low-rank factors: A is rank×in, B is out×rank
	A, B *mat.Dense

	// MoRA/MoSLoRA rank×rank mixer between A and B
	Mixer *mat.Dense

	// VeRA: shared frozen projections referenced by every layer, plus
	// the per-layer trainable scaling vectors
	SharedA, SharedB *mat.Dense
	LambdaD, LambdaB []float64

	// LoKr Kronecker factors; W2 may instead be the product W2A·W2B
	W1, W2, W2A, W2B *mat.Dense
}

// Adapter is a loaded adapter checkpoint: per-target deltas plus any
// checkpoint-wide shared tensors.
type Adapter struct {
	Dir     string
	Config  Config
	Variant Variant

	deltas map[string]*Delta
}

// Targets returns the backbone tensor names this adapter augments.
func (a *Adapter) Targets() []string {
	out := make([]string, 0, len(a.deltas))
	for name := range a.deltas {
		out = append(out, name)
	}
	return out
}

// Delta returns the delta for one backbone tensor, or nil.
func (a *Adapter) Delta(target string) *Delta {
	return a.deltas[target]
}

// factor roles recognized in adapter tensor names
const (
	roleA       = "lora_A"
	roleB       = "lora_B"
	roleMixer   = "lora_mixer"
	roleLambdaB = "vera_lambda_b"
	roleLambdaD = "vera_lambda_d"
	roleW1      = "lokr_w1"
	roleW2      = "lokr_w2"
	roleW2A     = "lokr_w2_a"
	roleW2B     = "lokr_w2_b"
)

var roleSuffixes = []string{
	roleA, roleB, roleMixer,
	roleLambdaB, roleLambdaD,
	roleW1, roleW2A, roleW2B, roleW2,
}

// sharedNames are checkpoint-wide tensors stored once and referenced by
// every per-layer delta.
var sharedNames = map[string]bool{
	"vera_A": true,
	"vera_B": true,
}

// splitName maps a peft tensor name to the backbone tensor it targets
// and the factor role it carries, e.g.
// base_model.model.model.layers.0.self_attn.q_proj.lora_A.weight
// -> model.layers.0.self_attn.q_proj.weight, lora_A.
func splitName(name string) (target, role string, ok bool) {
	n := strings.TrimPrefix(name, "base_model.model.")
	n = strings.TrimPrefix(n, "base_model.")
	n = strings.TrimSuffix(n, ".weight")

	for _, r := range roleSuffixes {
		if strings.HasSuffix(n, "."+r) {
			return strings.TrimSuffix(n, "."+r) + ".weight", r, true
		}
	}

	return "", "", false
}

// Load reads an adapter checkpoint directory: adapter_config.json and
// the factor tensors in adapter_model.safetensors.
func Load(dir string) (*Adapter, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "adapter_config.json"))
	if err != nil {
		return nil, err
	}

	var loose map[string]any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, &errtypes.CorruptDataError{Name: "adapter_config.json", Reason: err.Error()}
	}

	var config Config
	if err := mapstructure.Decode(loose, &config); err != nil {
		return nil, &errtypes.CorruptDataError{Name: "adapter_config.json", Reason: err.Error()}
	}

	variant, err := config.Variant()
	if err != nil {
		return nil, err
	}

	ckpt, err := safetensors.OpenCheckpoint(dir)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		Dir:     dir,
		Config:  config,
		Variant: variant,
		deltas:  make(map[string]*Delta),
	}

	var sharedA, sharedB *mat.Dense

	factors := make(map[string]map[string]factor)
	for _, name := range ckpt.Names() {
		f, err := loadFactor(ckpt, name)
		if err != nil {
			return nil, err
		}

		base := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(name, "base_model.model."), "base_model."), ".weight")
		if sharedNames[base] {
			switch base {
			case "vera_A":
				sharedA = f.dense()
			case "vera_B":
				sharedB = f.dense()
			}
			continue
		}

		target, role, ok := splitName(name)
		if !ok {
			// non-factor tensors (classifier heads etc.) are not merge targets
			continue
		}

		if factors[target] == nil {
			factors[target] = make(map[string]factor)
		}
		factors[target][role] = f
	}

	for target, fs := range factors {
		d, err := buildDelta(target, variant, config, fs, sharedA, sharedB)
		if err != nil {
			return nil, err
		}
		a.deltas[target] = d
	}

	if len(a.deltas) == 0 {
		return nil, &errtypes.NotFoundError{Name: "adapter factors", Where: dir, Reason: "no recognized factor tensors"}
	}

	return a, nil
}

func buildDelta(target string, variant Variant, config Config, fs map[string]factor, sharedA, sharedB *mat.Dense) (*Delta, error) {
	d := &Delta{Target: target, Variant: variant}

	switch variant {
	case LoRA, RSLoRA, LoRAPlus, PiSSA, MoRA, MoSLoRA:
		a, ok := fs[roleA]
		b, bok := fs[roleB]
		if !ok || !bok {
			return nil, &errtypes.NotFoundError{Name: target, Where: "adapter", Reason: "missing lora_A or lora_B factor"}
		}

		var err error
		if d.A, err = orientA(target, a, config.Rank); err != nil {
			return nil, err
		}
		if d.B, err = orientB(target, b, config.Rank); err != nil {
			return nil, err
		}

		rank, _ := d.A.Dims()
		_, bc := d.B.Dims()
		if rank != bc {
			return nil, &errtypes.ShapeMismatchError{Name: target, Want: []uint64{uint64(rank)}, Got: []uint64{uint64(bc)}}
		}

		if variant == MoRA || variant == MoSLoRA {
			m, ok := fs[roleMixer]
			if !ok {
				return nil, &errtypes.NotFoundError{Name: target, Where: "adapter", Reason: "missing lora_mixer factor"}
			}
			mixer := m.dense()
			mr, mc := mixer.Dims()
			if mr != rank || mc != rank {
				return nil, &errtypes.ShapeMismatchError{Name: target, Want: []uint64{uint64(rank), uint64(rank)}, Got: []uint64{uint64(mr), uint64(mc)}}
			}
			d.Mixer = mixer
		}

		d.Scale = config.MergeScale(variant, rank)

	case VeRA:
		if sharedA == nil || sharedB == nil {
			return nil, &errtypes.NotFoundError{Name: "vera_A/vera_B", Where: "adapter", Reason: "shared projections missing from checkpoint"}
		}

		lb, ok := fs[roleLambdaB]
		ld, dok := fs[roleLambdaD]
		if !ok || !dok {
			return nil, &errtypes.NotFoundError{Name: target, Where: "adapter", Reason: "missing vera scaling vectors"}
		}

		d.SharedA = sharedA
		d.SharedB = sharedB
		d.LambdaB = lb.vector()
		d.LambdaD = ld.vector()
		d.Scale = config.MergeScale(variant, len(d.LambdaD))

	case LoKr:
		w1, ok := fs[roleW1]
		if !ok {
			return nil, &errtypes.NotFoundError{Name: target, Where: "adapter", Reason: "missing lokr_w1 factor"}
		}
		d.W1 = w1.dense()
		if w2, ok := fs[roleW2]; ok {
			d.W2 = w2.dense()
		}
		if w2a, ok := fs[roleW2A]; ok {
			d.W2A = w2a.dense()
		}
		if w2b, ok := fs[roleW2B]; ok {
			d.W2B = w2b.dense()
		}
		if d.W2 == nil && (d.W2A == nil || d.W2B == nil) {
			return nil, &errtypes.NotFoundError{Name: target, Where: "adapter", Reason: "missing lokr_w2 (or lokr_w2_a/lokr_w2_b) factor"}
		}
		d.Scale = config.MergeScale(variant, config.Rank)

	default:
		return nil, &errtypes.UnsupportedSchemeError{Scheme: variant.String(), Name: target}
	}

	return d, nil
}

// loadFactor reads one adapter tensor into a dense float32 buffer.
func loadFactor(ckpt *safetensors.Checkpoint, name string) (factor, error) {
	info, err := ckpt.Info(name)
	if err != nil {
		return factor{}, err
	}

	stored, err := ckpt.Stored(name)
	if err != nil {
		return factor{}, err
	}

	scheme, err := quant.ForDtype(info.Dtype)
	if err != nil {
		return factor{}, err
	}

	parts := make([][]float32, len(stored))
	shapes := make([][]uint64, len(stored))
	axis := 0
	for i, st := range stored {
		raw, err := st.File.Bytes(name)
		if err != nil {
			return factor{}, err
		}
		parts[i], err = scheme.Dequantize(raw, st.Info.Elements())
		if err != nil {
			return factor{}, &errtypes.CorruptDataError{Name: name, Reason: err.Error()}
		}
		shapes[i] = st.Info.Shape
		if st.Info.Shard != nil {
			axis = st.Info.Shard.Axis
		}
	}

	// partitioned factors reassemble along the shard axis, same as
	// backbone tensors; flat concatenation is only right for axis 0
	data, shape, err := safetensors.Assemble(parts, shapes, axis)
	if err != nil {
		return factor{}, &errtypes.CorruptDataError{Name: name, Reason: err.Error()}
	}

	return factor{name: name, data: data, shape: shape}, nil
}
