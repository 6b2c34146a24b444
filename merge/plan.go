// Package merge composes backbone weights with adapter deltas into a
// single dense weight set.
package merge

import (
	"log/slog"
	"path"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/peftmerge/peftmerge/peft"
	"github.com/peftmerge/peftmerge/safetensors"
	"github.com/peftmerge/peftmerge/types/errtypes"
)

// Pair is one unit of merge work: a logical backbone tensor and at most
// one delta targeting it. Pairs are independent; no pair reads another
// pair's output.
type Pair struct {
	Name   string
	Info   safetensors.TensorInfo
	Stored []safetensors.Stored
	Delta  *peft.Delta
}

// Plan covers every backbone tensor exactly once. It is built once and
// never mutated afterwards.
type Plan struct {
	Backbone *safetensors.Checkpoint
	Adapter  *peft.Adapter

	pairs *treemap.Map
}

// BuildPlan joins the backbone manifest with the adapter manifest.
// Every adapter delta must resolve to an existing backbone tensor that
// matches targetPattern; tensors without a delta pass through
// unchanged. A tensor targeted twice is rejected here, before any work
// starts.
func BuildPlan(backbone *safetensors.Checkpoint, adapter *peft.Adapter, targetPattern string) (*Plan, error) {
	plan := &Plan{
		Backbone: backbone,
		Adapter:  adapter,
		pairs:    treemap.NewWithStringComparator(),
	}

	for _, name := range backbone.Names() {
		info, err := backbone.Info(name)
		if err != nil {
			return nil, err
		}
		stored, err := backbone.Stored(name)
		if err != nil {
			return nil, err
		}
		plan.pairs.Put(name, &Pair{Name: name, Info: info, Stored: stored})
	}

	if adapter == nil {
		return plan, nil
	}

	for _, target := range adapter.Targets() {
		v, ok := plan.pairs.Get(target)
		if !ok {
			return nil, &errtypes.NotFoundError{Name: target, Where: backbone.Dir, Reason: "adapter targets a tensor the backbone does not have"}
		}

		pair := v.(*Pair)
		if pair.Delta != nil {
			return nil, &errtypes.CorruptDataError{Name: target, Reason: "targeted by more than one delta"}
		}

		if !matchesTarget(target, targetPattern) {
			slog.Warn("adapter target excluded by pattern, passing through", "tensor", target, "pattern", targetPattern)
			continue
		}

		if len(pair.Info.Shape) != 2 {
			return nil, &errtypes.ShapeMismatchError{Name: target, Want: []uint64{0, 0}, Got: pair.Info.Shape}
		}

		pair.Delta = adapter.Delta(target)
	}

	return plan, nil
}

// matchesTarget applies the training-time target-module convention: an
// empty pattern admits every dense 2-D projection the adapter names.
func matchesTarget(name, pattern string) bool {
	if pattern == "" {
		return true
	}
	if ok, err := path.Match(pattern, name); err == nil && ok {
		return true
	}
	// patterns without separators match the module component, the way
	// peft target_modules entries like "q_proj" do
	base := name
	if ok, _ := path.Match("*."+pattern+".weight", base); ok {
		return true
	}
	return false
}

// Pairs returns the plan's pairs in tensor-name order.
func (p *Plan) Pairs() []*Pair {
	out := make([]*Pair, 0, p.pairs.Size())
	p.pairs.Each(func(_ any, v any) {
		out = append(out, v.(*Pair))
	})
	return out
}

// Len reports the number of pairs in the plan.
func (p *Plan) Len() int {
	return p.pairs.Size()
}
