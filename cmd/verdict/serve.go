package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/verdict/pkg/api"
	"github.com/pario-ai/verdict/pkg/cache"
	"github.com/pario-ai/verdict/pkg/cache/durable"
	"github.com/pario-ai/verdict/pkg/metrics"
	"github.com/pario-ai/verdict/pkg/ratelimit"
	"github.com/pario-ai/verdict/pkg/session"
	"github.com/pario-ai/verdict/pkg/webhook"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the verdict API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			ds, err := durable.New(ctx, db)
			if err != nil {
				return fmt.Errorf("init durable cache: %w", err)
			}
			fast, err := openFast(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = fast.Close() }()

			var (
				prom     *metrics.Collector
				recorder cache.Recorder
				observer webhook.Observer
			)
			if cfg.Metrics.Enabled {
				prom = metrics.New()
				recorder, observer = prom, prom
			}

			c := cache.New(fast, ds, cacheOptions(cfg, recorder))
			defer c.Close()
			if cfg.Cache.CleanupInterval > 0 {
				c.StartCleanup(cfg.Cache.CleanupInterval)
			}

			hooks, err := webhook.NewStore(ctx, db)
			if err != nil {
				return fmt.Errorf("init webhook store: %w", err)
			}
			dispatcher := webhook.NewDispatcher(hooks, webhook.DispatcherOptions{
				Workers:       cfg.Webhooks.Workers,
				QueueSize:     cfg.Webhooks.QueueSize,
				Timeout:       cfg.Webhooks.Timeout,
				MaxBackoff:    cfg.Webhooks.MaxBackoff,
				SweepInterval: cfg.Webhooks.SweepInterval,
				RetentionDays: cfg.Webhooks.RetentionDays,
				Observer:      observer,
			})
			dispatcher.Start()
			defer dispatcher.Close()

			sessions, err := session.New(ctx, db)
			if err != nil {
				return fmt.Errorf("init sessions: %w", err)
			}

			var limiter *ratelimit.Limiter
			if cfg.RateLimit.Enabled {
				limiter = ratelimit.New(cfg.RateLimit.Policies,
					ratelimit.WithMaxKeys(cfg.RateLimit.MaxKeys),
					ratelimit.WithKeyTTL(cfg.RateLimit.KeyTTL))
			}

			srv := api.New(cfg, api.Deps{
				Cache:    c,
				Webhooks: webhook.NewService(hooks, dispatcher, cfg.Webhooks.DefaultRetry),
				Sessions: sessions,
				Limiter:  limiter,
				Metrics:  prom,
			})

			log.Printf("starting verdict with config: %s (db=%s, redis=%t)", configPath, cfg.Database.Driver, cfg.Redis.Enabled)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "verdict.yaml", "path to config file")
	return cmd
}
