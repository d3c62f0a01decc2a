package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zapflowhq/zapflow/internal/config"
	"github.com/zapflowhq/zapflow/internal/messaging"
	"github.com/zapflowhq/zapflow/internal/store"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queue depths and workspace count",
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

			ids, err := c.workspaces.ListIDs(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("workspaces: %d\n\n", len(ids))

			fmt.Printf("%-12s %8s %8s %8s\n", "QUEUE", "PENDING", "DELAYED", "DEAD")
			for _, q := range c.queues() {
				pending, delayed, dead, err := q.Depth(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%-12s %8d %8d %8d\n", q.Name(), pending, delayed, dead)
			}

			fmt.Printf("\n%-12s %8s %8s\n", "PROVIDER", "EVENTS", "SUCCESS")
			providers := []string{messaging.DriverCloudAPI, messaging.DriverWebSession, messaging.DriverTurbo}
			for _, p := range providers {
				events, successes, err := mirroredHealth(ctx, c.store, p)
				if err != nil {
					return err
				}
				if events == 0 {
					fmt.Printf("%-12s %8d %8s\n", p, 0, "-")
					continue
				}
				fmt.Printf("%-12s %8d %7.0f%%\n", p, events, 100*float64(successes)/float64(events))
			}
			return nil
		},
	}
}

// mirroredHealth reads the bounded health-event list the monitor pushes for
// cross-process visibility.
func mirroredHealth(ctx context.Context, s *store.Store, provider string) (events, successes int, err error) {
	raws, err := s.ListRange(ctx, "health:"+provider, 0, -1)
	if err != nil {
		return 0, 0, err
	}
	for _, raw := range raws {
		var evt struct {
			Success bool `json:"success"`
		}
		if json.Unmarshal([]byte(raw), &evt) != nil {
			continue
		}
		events++
		if evt.Success {
			successes++
		}
	}
	return events, successes, nil
}
