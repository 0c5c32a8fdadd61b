package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vtonlabs/tryon/convert"
	"github.com/vtonlabs/tryon/format"
)

func NewConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert CHECKPOINT",
		Short: "Convert a training checkpoint to a model file",
		Long: `Convert a training checkpoint to a model file.

CHECKPOINT names a pickled or safetensors checkpoint, or a directory
holding one; a config.json beside it overrides the architecture
defaults.`,
		Args: cobra.ExactArgs(1),
		RunE: convertHandler,
	}

	cmd.Flags().StringP("output", "o", "", "Output model file")
	cmd.MarkFlagRequired("output")

	return cmd
}

func convertHandler(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := convert.ConvertModel(args[0], f); err != nil {
		os.Remove(output)
		return err
	}

	size := "unknown size"
	if fi, err := f.Stat(); err == nil {
		size = format.HumanBytes(fi.Size())
	}

	fmt.Fprintf(os.Stderr, "converted %s to %s (%s)\n", args[0], output, size)
	return nil
}
