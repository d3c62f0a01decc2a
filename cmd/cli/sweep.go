package cli

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zapflowhq/zapflow/internal/config"
)

// sweep is the one-shot maintenance pass: fire due wait timeouts and run the
// dead-letter healer once. Useful when the long-running workers are down or
// from an external scheduler.
func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one timeout and dead-letter sweep, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c, err := buildContainer(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := context.Background()
			if err := c.flowEngine.SweepTimeouts(ctx); err != nil {
				return err
			}
			c.healer.SweepOnce(ctx)
			log.Info().Msg("sweep completed")
			return nil
		},
	}
}
