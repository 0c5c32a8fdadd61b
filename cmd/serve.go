package cmd

import (
	"net"

	"github.com/spf13/cobra"

	"github.com/vtonlabs/tryon/envconfig"
	"github.com/vtonlabs/tryon/server"
)

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the tryon server",
		Args:    cobra.ExactArgs(0),
		RunE:    serveHandler,
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + `
Environment Variables:

    TRYON_HOST           The host:port to bind to (default "127.0.0.1:11500")
    TRYON_ORIGINS        A comma separated list of allowed origins
    TRYON_MODELS         The path to the models directory (default "~/.tryon/models")
    TRYON_BACKEND        Tensor backend used for inference (default "cpu")
    TRYON_NUM_PARALLEL   Number of worker goroutines for tensor kernels
`)

	return cmd
}

func serveHandler(cmd *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host)
	if err != nil {
		return err
	}

	return server.Serve(ln)
}
