package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hessamz/docuchat/config"
	"github.com/hessamz/docuchat/internal/embedder"
	"github.com/hessamz/docuchat/internal/queue"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var worker = &cobra.Command{
		Use:   "worker",
		Short: "Run the ingestion worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}

			pipeline, err := embedder.FromConfig(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rdb := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr, Password: cfg.Queue.RedisPassword})
			if err := queue.EnsureGroup(ctx, rdb, cfg.Queue.Stream, cfg.Queue.Group); err != nil {
				return err
			}
			consumer := queue.NewConsumer(rdb, cfg.Queue.Stream, cfg.Queue.Group, cfg.Queue.Consumer)

			if cfg.Ingestion.ReprocessCron != "" {
				sched := embedder.NewScheduler(pipeline, rdb, cfg.Ingestion.ReprocessCron)
				sched.Start()
				defer close(sched.Stop)
			}

			err = queue.NewWorker(consumer, pipeline).Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	worker.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return worker
}
