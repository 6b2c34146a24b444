package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/peftmerge/peftmerge/types/errtypes"
)

// OutTensor is one tensor entry to serialize. Info.Shard, when set, is
// re-emitted as shard metadata so the written checkpoint keeps the
// partition layout of its source.
type OutTensor struct {
	Info TensorInfo
	Data []byte
}

// OutFile is one safetensors file to produce, with tensors in header
// order.
type OutFile struct {
	Name     string
	Metadata map[string]string
	Tensors  []OutTensor
}

// WriteCheckpoint serializes a checkpoint to dest atomically: all files
// are staged in a temporary sibling directory and published with a
// single rename. On any failure the staging directory is removed and
// dest is left untouched. dest must not already exist.
func WriteCheckpoint(dest string, files []OutFile, index *Index, sidecars []string) (err error) {
	if _, serr := os.Stat(dest); serr == nil {
		return &errtypes.IOCommitError{Destination: dest, Err: fmt.Errorf("destination already exists")}
	}

	staging := fmt.Sprintf("%s.tmp-%s", dest, uuid.New().String()[:8])
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return &errtypes.IOCommitError{Destination: dest, Err: err}
	}

	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(staging); rmErr != nil {
				slog.Warn("failed to clean up staging directory", "dir", staging, "error", rmErr)
			}
		}
	}()

	for _, of := range files {
		if err = writeFile(filepath.Join(staging, of.Name), of); err != nil {
			return &errtypes.IOCommitError{Destination: dest, Err: err}
		}
		slog.Debug("staged tensor file", "file", of.Name, "tensors", len(of.Tensors))
	}

	if index != nil {
		var raw []byte
		raw, err = json.MarshalIndent(index, "", "  ")
		if err != nil {
			return &errtypes.IOCommitError{Destination: dest, Err: err}
		}
		if err = os.WriteFile(filepath.Join(staging, indexName), raw, 0o644); err != nil {
			return &errtypes.IOCommitError{Destination: dest, Err: err}
		}
	}

	for _, src := range sidecars {
		if err = copyFile(src, filepath.Join(staging, filepath.Base(src))); err != nil {
			return &errtypes.IOCommitError{Destination: dest, Err: err}
		}
	}

	if err = os.Rename(staging, dest); err != nil {
		return &errtypes.IOCommitError{Destination: dest, Err: err}
	}

	return nil
}

func writeFile(path string, of OutFile) error {
	header := make(map[string]any, len(of.Tensors)+1)

	meta := make(map[string]string, len(of.Metadata))
	for k, v := range of.Metadata {
		meta[k] = v
	}

	var offset int64
	for _, t := range of.Tensors {
		want, err := t.Info.Dtype.BytesFor(t.Info.Elements())
		if err != nil {
			return err
		}
		if uint64(len(t.Data)) != want {
			return fmt.Errorf("tensor %q: %d bytes staged, shape×dtype needs %d", t.Info.Name, len(t.Data), want)
		}

		header[t.Info.Name] = tensorHeader{
			Dtype:       string(t.Info.Dtype),
			Shape:       t.Info.Shape,
			DataOffsets: []int64{offset, offset + int64(len(t.Data))},
		}
		offset += int64(len(t.Data))

		if t.Info.Shard != nil {
			meta["shard."+t.Info.Name] = fmt.Sprintf("%d/%d/%d", t.Info.Shard.Axis, t.Info.Shard.Index, t.Info.Shard.Total)
		}
	}

	if len(meta) > 0 {
		header["__metadata__"] = meta
	}

	raw, err := json.Marshal(header)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, uint64(len(raw))); err != nil {
		return err
	}

	if _, err := f.Write(raw); err != nil {
		return err
	}

	for _, t := range of.Tensors {
		if _, err := f.Write(t.Data); err != nil {
			return err
		}
	}

	return f.Sync()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	return out.Sync()
}

// Sidecars lists the non-tensor files of a checkpoint directory
// (configs, tokenizer assets) that a merged copy should carry along so
// it stays loadable by the same inference path.
func Sidecars(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".safetensors" || name == indexName {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}

	return out, nil
}
