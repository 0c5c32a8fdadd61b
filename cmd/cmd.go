package cmd

import (
	"errors"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vtonlabs/tryon/api"
	"github.com/vtonlabs/tryon/envconfig"
	"github.com/vtonlabs/tryon/logutil"
	"github.com/vtonlabs/tryon/version"
)

// checkServerHeartbeat fails early when no server is listening on the
// configured host.
func checkServerHeartbeat(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	if err := client.Heartbeat(cmd.Context()); err != nil {
		if strings.Contains(err.Error(), " refused") || strings.Contains(err.Error(), "could not connect") {
			return errors.New("could not connect to a running tryon server, start one with `tryon serve`")
		}

		return err
	}

	return nil
}

func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:     "tryon",
		Short:   "Video virtual try-on engine",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	rootCmd.AddCommand(
		NewServeCmd(),
		NewCreateCmd(),
		NewConvertCmd(),
		NewShowCmd(),
		NewSynthesizeCmd(),
	)

	return rootCmd
}
