package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/dsl"
	"github.com/loomworks/loom/emit"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/server"
	"github.com/loomworks/loom/store"
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the API server and maintenance jobs",
		RunE:  runServer,
	}
	fs := cmd.Flags()
	fs.String("addr", ":8080", "listen address")
	fs.String("driver", "memory", "store driver: memory, sqlite, postgres, mysql")
	fs.String("dsn", "", "store connection string")
	fs.String("playbooks", "./playbooks", "playbook directory")
	return cmd
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath(cmd), config.WithFlags(cmd.Flags(), map[string]string{
		"server.addr":   "addr",
		"store.driver":  "driver",
		"store.dsn":     "dsn",
		"playbooks.dir": "playbooks",
	}))
	if err != nil {
		return err
	}

	log, err := cfg.Log.Build()
	if err != nil {
		return err
	}
	defer log.Sync()

	ids, err := newIdentSource(cfg.Ident)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN, ids)
	if err != nil {
		return err
	}
	defer st.Close()

	eng := engine.New(st, dsl.NewDirSource(cfg.Playbooks.Dir), ids, engine.Options{
		Logger:  log.Named("engine"),
		Metrics: engine.NewMetrics(prometheus.DefaultRegisterer),
		Emitter: emit.NewLogEmitter(log.Named("decision")),
	})

	srv := server.New(st, eng, server.Options{
		Logger:   log.Named("api"),
		Name:     cfg.Server.Name,
		URI:      advertiseURI(cfg.Server),
		LeaseCap: cfg.Server.LeaseCap,
	})

	maint, err := srv.StartMaintenance(server.MaintenanceConfig{
		LeaseSweepEvery:   cfg.Sweeper.LeaseSweepEvery,
		RuntimeSweepEvery: cfg.Sweeper.RuntimeSweepEvery,
		OfflineAfter:      cfg.Sweeper.OfflineAfter,
		DepthEvery:        cfg.Sweeper.DepthEvery,
		PruneEvery:        cfg.Sweeper.PruneEvery,
		Retention:         cfg.Sweeper.Retention,
		ReconcileEvery:    cfg.Sweeper.ReconcileEvery,
	})
	if err != nil {
		return err
	}
	defer maint.Stop()

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Handler(),
	}

	ctx, stop := notifyShutdown(cmd.Context())
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("driver", cfg.Store.Driver),
			zap.String("playbooks", cfg.Playbooks.Dir))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})
	return g.Wait()
}
