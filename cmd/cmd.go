// Package cmd implements the peftmerge command line interface.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/peftmerge/peftmerge/format"
	"github.com/peftmerge/peftmerge/logutil"
	"github.com/peftmerge/peftmerge/merge"
	"github.com/peftmerge/peftmerge/peft"
	"github.com/peftmerge/peftmerge/progress"
	"github.com/peftmerge/peftmerge/safetensors"
	"github.com/peftmerge/peftmerge/version"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "peftmerge",
		Short:   "Merge parameter-efficient adapters into dense model weights",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true

			level := slog.LevelInfo
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose || os.Getenv("PEFTMERGE_DEBUG") != "" {
				level = slog.LevelDebug
			}
			slog.SetDefault(logutil.NewLogger(os.Stderr, level))
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	mergeCmd := &cobra.Command{
		Use:   "merge",
		Short: "Compose a base model with a trained adapter into a dense checkpoint",
		Args:  cobra.ExactArgs(0),
		RunE:  MergeHandler,
	}

	mergeCmd.Flags().String("model", "", "Base model checkpoint directory")
	mergeCmd.Flags().String("adapter", "", "Adapter checkpoint directory")
	mergeCmd.Flags().String("output", "", "Destination directory for the merged checkpoint")
	mergeCmd.Flags().String("target", "", "Pattern restricting which tensors receive deltas (default: all adapter targets)")
	mergeCmd.Flags().String("dtype", "", "Re-encode output tensors (F32, F16, BF16, Q8_0, Q4_0; default: keep input encoding)")
	mergeCmd.Flags().String("device", "", "Device preference, e.g. cpu or cpu:8")

	for _, f := range []string{"model", "adapter", "output"} {
		_ = mergeCmd.MarkFlagRequired(f)
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect DIR",
		Short: "List the tensors of a checkpoint or adapter directory",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}

	rootCmd.AddCommand(mergeCmd, inspectCmd)

	return rootCmd
}

func MergeHandler(cmd *cobra.Command, args []string) error {
	modelDir, _ := cmd.Flags().GetString("model")
	adapterDir, _ := cmd.Flags().GetString("adapter")
	output, _ := cmd.Flags().GetString("output")
	target, _ := cmd.Flags().GetString("target")
	dtype, _ := cmd.Flags().GetString("dtype")
	device, _ := cmd.Flags().GetString("device")

	var outDtype safetensors.Dtype
	if dtype != "" {
		outDtype = safetensors.Dtype(strings.ToUpper(dtype))
		if !outDtype.Valid() {
			return fmt.Errorf("unknown dtype %q", dtype)
		}
	}

	workers, err := merge.ParseDevice(device)
	if err != nil {
		return err
	}

	backbone, err := safetensors.OpenCheckpoint(modelDir)
	if err != nil {
		return err
	}
	slog.Info("loaded backbone", "dir", modelDir, "tensors", len(backbone.Names()), "files", len(backbone.Files))

	adapter, err := peft.Load(adapterDir)
	if err != nil {
		return err
	}
	slog.Info("loaded adapter", "dir", adapterDir, "variant", adapter.Variant.String(), "targets", len(adapter.Targets()))

	plan, err := merge.BuildPlan(backbone, adapter, target)
	if err != nil {
		return err
	}

	bar := progress.NewBar(os.Stderr, "merging", plan.Len())
	engine := merge.New(merge.Config{
		Workers:     workers,
		OutputDtype: outDtype,
		Progress:    bar.Set,
	})

	merged, err := engine.Merge(cmd.Context(), plan)
	if err != nil {
		return err
	}
	bar.Done()

	if err := merged.Write(output); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "merged %d tensors into %s\n", plan.Len(), output)
	return nil
}

func InspectHandler(cmd *cobra.Command, args []string) error {
	ckpt, err := safetensors.OpenCheckpoint(args[0])
	if err != nil {
		return err
	}

	var data [][]string
	var totalBytes int64
	var totalParams uint64

	for _, name := range ckpt.Names() {
		info, err := ckpt.Info(name)
		if err != nil {
			return err
		}
		stored, err := ckpt.Stored(name)
		if err != nil {
			return err
		}

		var size uint64
		for _, st := range stored {
			n, err := st.Info.Dtype.BytesFor(st.Info.Elements())
			if err != nil {
				return err
			}
			size += n
		}

		shape := make([]string, len(info.Shape))
		for i, d := range info.Shape {
			shape[i] = fmt.Sprintf("%d", d)
		}

		data = append(data, []string{
			name,
			string(info.Dtype),
			fmt.Sprintf("[%s]", strings.Join(shape, " ")),
			fmt.Sprintf("%d", len(stored)),
			format.HumanBytes(int64(size)),
		})

		totalBytes += int64(size)
		totalParams += info.Elements()
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAME", "DTYPE", "SHAPE", "SHARDS", "SIZE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Printf("\n%s parameters, %s\n", format.Parameters(totalParams), format.HumanBytes(totalBytes))
	return nil
}
