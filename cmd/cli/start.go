package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zapflowhq/zapflow/internal/config"
	"github.com/zapflowhq/zapflow/internal/domain"
	"github.com/zapflowhq/zapflow/internal/flow"
	"github.com/zapflowhq/zapflow/internal/queue"
)

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the worker pools, timeout sweeper and autopilot cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runStart(cfg)
		},
	}
}

func runStart(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := buildContainer(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	mux := c.mux()
	pools := []*queue.Pool{
		queue.NewPool(c.flowQueue, mux, cfg.FlowWorkers),
		queue.NewPool(c.sendQueue, mux, cfg.SendWorkers),
		queue.NewPool(c.autopilotQueue, mux, cfg.AutopilotWorkers),
		queue.NewPool(c.followupQueue, mux, 2),
	}

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *queue.Pool) {
			defer wg.Done()
			p.Run(ctx)
		}(p)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		flow.NewSweeper(c.flowEngine).Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.healer.Run(ctx)
	}()

	schedule := cron.New()
	if err := schedule.AddFunc("@hourly", func() {
		if _, err := c.autopilotQueue.Enqueue(ctx, domain.JobCycleAll, domain.CycleAllJob{}); err != nil {
			log.Warn().Err(err).Msg("enqueueing hourly cycle failed")
		}
	}); err != nil {
		return err
	}
	schedule.Start()
	defer schedule.Stop()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("redis", cfg.RedisAddr).
		Str("metrics", cfg.MetricsAddr).
		Int("flow_workers", cfg.FlowWorkers).
		Int("send_workers", cfg.SendWorkers).
		Msg("zapflow workers started")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics server shutdown failed")
	}

	wg.Wait()
	log.Info().Msg("workers stopped")
	return nil
}
