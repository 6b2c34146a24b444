package merge

import (
	"path/filepath"

	"github.com/peftmerge/peftmerge/safetensors"
	"github.com/peftmerge/peftmerge/types/errtypes"
)

// Checkpoint owns the full merged tensor set. It keeps the backbone's
// file layout so the written artifact is loadable by the same
// inference path as the unmerged model.
type Checkpoint struct {
	backbone   *safetensors.Checkpoint
	byName     map[string][]safetensors.OutTensor
	provenance map[string]string
}

// Tensors returns the output entries for one logical tensor in
// partition order.
func (c *Checkpoint) Tensors(name string) ([]safetensors.OutTensor, error) {
	ts, ok := c.byName[name]
	if !ok {
		return nil, &errtypes.NotFoundError{Name: name, Where: "merged checkpoint"}
	}
	return ts, nil
}

// Write persists the checkpoint to dest atomically, reproducing the
// backbone's file split, tensor order, index sidecar and non-tensor
// sidecar files.
func (c *Checkpoint) Write(dest string) error {
	// partition position of each (file, tensor) occurrence
	position := make(map[*safetensors.File]map[string]int)
	for _, name := range c.backbone.Names() {
		stored, err := c.backbone.Stored(name)
		if err != nil {
			return err
		}
		for i, st := range stored {
			if position[st.File] == nil {
				position[st.File] = make(map[string]int)
			}
			position[st.File][name] = i
		}
	}

	var totalSize int64
	files := make([]safetensors.OutFile, 0, len(c.backbone.Files))
	for _, f := range c.backbone.Files {
		of := safetensors.OutFile{
			Name:     filepath.Base(f.Path),
			Metadata: make(map[string]string, len(f.Metadata)+len(c.provenance)),
		}
		for k, v := range f.Metadata {
			of.Metadata[k] = v
		}
		for k, v := range c.provenance {
			of.Metadata[k] = v
		}

		for _, name := range f.Names() {
			ts, err := c.Tensors(name)
			if err != nil {
				return err
			}
			t := ts[position[f][name]]
			of.Tensors = append(of.Tensors, t)
			totalSize += int64(len(t.Data))
		}

		files = append(files, of)
	}

	var index *safetensors.Index
	if c.backbone.Index != nil {
		index = &safetensors.Index{
			Metadata:  map[string]any{"total_size": totalSize},
			WeightMap: c.backbone.Index.WeightMap,
		}
	}

	sidecars, err := safetensors.Sidecars(c.backbone.Dir)
	if err != nil {
		return &errtypes.IOCommitError{Destination: dest, Err: err}
	}

	return safetensors.WriteCheckpoint(dest, files, index, sidecars)
}
