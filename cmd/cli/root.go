// Package cli holds the cobra commands: start runs the workers, sweep does a
// one-shot maintenance pass, status prints queue health.
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var debug bool

func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "zapflow",
		Short: "WhatsApp conversation automation workers",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(newStartCommand())
	root.AddCommand(newSweepCommand())
	root.AddCommand(newStatusCommand())
	return root
}

func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
