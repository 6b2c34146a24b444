package merge

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/peftmerge/peftmerge/peft"
	"github.com/peftmerge/peftmerge/quant"
	"github.com/peftmerge/peftmerge/safetensors"
	"github.com/peftmerge/peftmerge/types/errtypes"
)

// Config carries the explicit per-merge settings. There is no implicit
// process-global state, so multiple engines can run concurrently in
// one process.
type Config struct {
	// Workers caps parallel pair execution; 0 means GOMAXPROCS.
	Workers int

	// OutputDtype re-encodes every tensor to this dtype. Empty keeps
	// each tensor's input encoding, which also preserves untouched
	// tensors byte for byte.
	OutputDtype safetensors.Dtype

	// Progress, when set, is called after each completed pair.
	Progress func(name string, done, total int)
}

// ParseDevice maps a device preference such as "cpu" or "cpu:8" to a
// worker count. Merging is a one-pass offline transform, so device
// preference only selects parallelism.
func ParseDevice(pref string) (int, error) {
	if pref == "" {
		return 0, nil
	}

	name, count, found := strings.Cut(pref, ":")
	if name != "cpu" {
		return 0, &errtypes.UnsupportedSchemeError{Scheme: pref, Name: "device"}
	}
	if !found {
		return 0, nil
	}

	n, err := strconv.Atoi(count)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid device preference %q", pref)
	}
	return n, nil
}

// Engine executes merge plans.
type Engine struct {
	config Config
}

func New(config Config) *Engine {
	return &Engine{config: config}
}

type result struct {
	name    string
	tensors []safetensors.OutTensor
}

// Merge runs every pair of the plan and returns the staged result set.
// Pairs run in parallel with no ordering guarantees; the first failure
// cancels the run and nothing is committed. In-flight pairs finish,
// but their results are discarded with the rest.
func (e *Engine) Merge(ctx context.Context, plan *Plan) (*Checkpoint, error) {
	pairs := plan.Pairs()

	workers := e.config.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	slog.Info("merging", "tensors", len(pairs), "workers", workers)
	start := time.Now()

	results := make([]result, len(pairs))
	var done int

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	// capacity covers every pair, so workers never block on the pump
	progress := make(chan string, len(pairs))
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		for name := range progress {
			done++
			if e.config.Progress != nil {
				e.config.Progress(name, done, len(pairs))
			}
		}
	}()

	for i, pair := range pairs {
		i, pair := i, pair
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			tensors, err := e.mergePair(pair)
			if err != nil {
				return err
			}

			results[i] = result{name: pair.Name, tensors: tensors}
			progress <- pair.Name
			return nil
		})
	}

	err := g.Wait()
	close(progress)
	<-progressDone
	if err != nil {
		return nil, err
	}

	merged := &Checkpoint{
		backbone: plan.Backbone,
		byName:   make(map[string][]safetensors.OutTensor, len(results)),
	}

	if plan.Adapter != nil {
		merged.provenance = map[string]string{
			"peftmerge.adapter": plan.Adapter.Dir,
			"peftmerge.variant": plan.Adapter.Variant.String(),
		}
	}

	for _, r := range results {
		if _, ok := merged.byName[r.name]; ok {
			// plan construction guarantees unique names
			return nil, &errtypes.CorruptDataError{Name: r.name, Reason: "duplicate result"}
		}
		merged.byName[r.name] = r.tensors
	}

	slog.Info("merge complete", "tensors", len(pairs), "elapsed", time.Since(start).Round(time.Millisecond))
	return merged, nil
}

// mergePair produces the output entries for one logical tensor, one
// per stored partition.
func (e *Engine) mergePair(pair *Pair) ([]safetensors.OutTensor, error) {
	outDtype := e.config.OutputDtype
	if outDtype == "" {
		outDtype = pair.Info.Dtype
	}

	// untouched tensors keep their stored bytes
	if pair.Delta == nil && outDtype == pair.Info.Dtype {
		out := make([]safetensors.OutTensor, 0, len(pair.Stored))
		for _, st := range pair.Stored {
			raw, err := st.File.Bytes(pair.Name)
			if err != nil {
				return nil, err
			}
			out = append(out, safetensors.OutTensor{Info: st.Info, Data: raw})
		}
		return out, nil
	}

	inScheme, err := quant.ForDtype(pair.Info.Dtype)
	if err != nil {
		return nil, err
	}
	outScheme, err := quant.ForDtype(outDtype)
	if err != nil {
		return nil, err
	}

	parts := make([][]float32, len(pair.Stored))
	shapes := make([][]uint64, len(pair.Stored))
	spans := make([]uint64, len(pair.Stored))
	axis := 0
	for i, st := range pair.Stored {
		raw, err := st.File.Bytes(pair.Name)
		if err != nil {
			return nil, err
		}
		parts[i], err = inScheme.Dequantize(raw, st.Info.Elements())
		if err != nil {
			return nil, &errtypes.CorruptDataError{Name: pair.Name, Reason: err.Error()}
		}
		shapes[i] = st.Info.Shape
		if st.Info.Shard != nil {
			axis = st.Info.Shard.Axis
			spans[i] = st.Info.Shape[st.Info.Shard.Axis]
		}
	}

	data, shape, err := safetensors.Assemble(parts, shapes, axis)
	if err != nil {
		return nil, &errtypes.CorruptDataError{Name: pair.Name, Reason: err.Error()}
	}

	if pair.Delta != nil {
		delta, err := peft.Reconstruct(pair.Delta, shape)
		if err != nil {
			return nil, err
		}

		// sum in float64, round once on re-encode
		for i := range data {
			data[i] = float32(float64(data[i]) + delta[i])
		}

		slog.Debug("applied delta", "tensor", pair.Name, "variant", pair.Delta.Variant.String(), "scale", pair.Delta.Scale)
	}

	outParts := [][]float32{data}
	if len(pair.Stored) > 1 {
		if outParts, err = safetensors.Split(data, shape, axis, spans); err != nil {
			return nil, &errtypes.CorruptDataError{Name: pair.Name, Reason: err.Error()}
		}
	}

	out := make([]safetensors.OutTensor, 0, len(pair.Stored))
	for i, st := range pair.Stored {
		encoded, err := outScheme.Quantize(outParts[i])
		if err != nil {
			return nil, &errtypes.UnsupportedSchemeError{Scheme: string(outDtype), Name: pair.Name}
		}
		info := st.Info
		info.Dtype = outDtype
		out = append(out, safetensors.OutTensor{Info: info, Data: encoded})
	}

	return out, nil
}
