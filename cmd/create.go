package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vtonlabs/tryon/convert"
	"github.com/vtonlabs/tryon/server"
)

func NewCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create MODEL",
		Short: "Create a freshly initialized model in the models directory",
		Args:  cobra.ExactArgs(1),
		RunE:  createHandler,
	}

	cmd.Flags().StringP("file", "f", "", "JSON model configuration (architecture defaults when omitted)")
	cmd.Flags().Uint64("seed", 0, "Weight initialization seed")

	return cmd
}

func createHandler(cmd *cobra.Command, args []string) error {
	var config []byte
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		var err error
		config, err = os.ReadFile(file)
		if err != nil {
			return err
		}
	}

	seed, _ := cmd.Flags().GetUint64("seed")

	p, err := server.ModelPath(args[0])
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	f, err := os.Create(p)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := convert.CreateModel(config, seed, f); err != nil {
		os.Remove(p)
		return err
	}

	fmt.Fprintln(os.Stderr, "created", p)
	return nil
}
