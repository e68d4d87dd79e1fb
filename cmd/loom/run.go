package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/dsl"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/ident"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/server"
	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/tool"
	"github.com/loomworks/loom/worker"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <path>",
		Short: "Execute one playbook to completion in-process",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlaybook,
	}
	fs := cmd.Flags()
	fs.String("playbooks", "./playbooks", "playbook directory")
	fs.String("workload", "", "workload overrides as a JSON object")
	fs.Duration("timeout", 10*time.Minute, "give up if the execution is still running after this long")
	return cmd
}

func runPlaybook(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath(cmd), config.WithFlags(cmd.Flags(), map[string]string{
		"playbooks.dir": "playbooks",
	}))
	if err != nil {
		return err
	}

	var workload map[string]any
	if raw, _ := cmd.Flags().GetString("workload"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &workload); err != nil {
			return fmt.Errorf("parse --workload: %w", err)
		}
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

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
		Logger: log.Named("engine"),
	})
	srv := server.New(st, eng, server.Options{
		Logger: log.Named("api"),
		Name:   "loom-run",
	})

	ctx, stop := notifyShutdown(cmd.Context())
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poolCtx, stopPool := context.WithCancel(ctx)
	defer stopPool()
	pool := worker.New(srv.Local(), tool.DefaultRegistry(), worker.Config{
		Name:            "loom-run",
		Capacity:        cfg.Worker.Capacity,
		LeaseDuration:   cfg.Worker.LeaseDuration,
		PollInterval:    50 * time.Millisecond,
		MetricsInterval: -1,
		CancelGrace:     cfg.Worker.CancelGrace,
	}, log.Named("worker"))
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(poolCtx) }()

	exec, err := eng.StartExecution(ctx, engine.StartRequest{
		Path:     args[0],
		Workload: workload,
	})
	if err != nil {
		return err
	}

	final, err := waitTerminal(ctx, st, exec.ExecutionID)
	if err != nil {
		return err
	}

	stopPool()
	<-poolDone

	printSummary(cmd, st, eng, final)
	if final.Status != model.ExecutionCompleted {
		return fmt.Errorf("execution %s finished %s", final.ExecutionID, final.Status)
	}
	return nil
}

// waitTerminal polls the execution row until it reaches a final status.
func waitTerminal(ctx context.Context, st store.Store, id ident.ID) (*model.Execution, error) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		exec, err := st.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("execution %s still %s: %w", exec.ExecutionID, exec.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printSummary(cmd *cobra.Command, st store.Store, eng *engine.Engine, exec *model.Execution) {
	out := cmd.OutOrStdout()

	elapsed := ""
	if exec.EndTime != nil {
		elapsed = " in " + exec.EndTime.Sub(exec.StartTime).Round(time.Millisecond).String()
	}
	fmt.Fprintf(out, "execution %s %s%s\n", exec.ExecutionID, exec.Status, elapsed)

	ctx := cmd.Context()
	if phases, err := eng.StepPhases(ctx, exec.ExecutionID); err == nil {
		names := make([]string, 0, len(phases))
		for name := range phases {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "  %-20s %s\n", name, phases[name])
		}
	}

	if jobs, err := st.JobsByExecution(ctx, exec.ExecutionID); err == nil && len(jobs) > 0 {
		counts := map[model.JobStatus]int{}
		for _, j := range jobs {
			counts[j.Status]++
		}
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, string(k))
		}
		sort.Strings(keys)
		line := "queue:"
		for _, k := range keys {
			line += fmt.Sprintf(" %s=%d", k, counts[model.JobStatus(k)])
		}
		fmt.Fprintln(out, line)
	}
}
