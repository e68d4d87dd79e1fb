package main

import (
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/client"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/tool"
	"github.com/loomworks/loom/worker"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker pool against a server",
		RunE:  runWorker,
	}
	fs := cmd.Flags()
	fs.String("server", "http://localhost:8080", "API base URL")
	fs.String("name", "", "pool name (default hostname)")
	fs.Int("capacity", 8, "max jobs in flight")
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath(cmd), config.WithFlags(cmd.Flags(), map[string]string{
		"worker.server_url": "server",
		"worker.name":       "name",
		"worker.capacity":   "capacity",
	}))
	if err != nil {
		return err
	}

	log, err := cfg.Log.Build()
	if err != nil {
		return err
	}
	defer log.Sync()

	api, err := client.New(cfg.Worker.ServerURL, client.Options{
		Timeout: cfg.Worker.RequestTimeout,
		Logger:  log.Named("client"),
	})
	if err != nil {
		return err
	}

	pool := worker.New(api, tool.DefaultRegistry(), worker.Config{
		Name:              cfg.Worker.Name,
		URI:               cfg.Worker.URI,
		Capacity:          cfg.Worker.Capacity,
		Kinds:             cfg.Worker.Kinds,
		LeaseDuration:     cfg.Worker.LeaseDuration,
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		MetricsInterval:   cfg.Worker.MetricsInterval,
		CancelGrace:       cfg.Worker.CancelGrace,
	}, log.Named("worker"))

	ctx, stop := notifyShutdown(cmd.Context())
	defer stop()
	return pool.Run(ctx)
}
