// Command loom is the workflow engine binary: an API server, a worker
// pool, and a one-shot playbook runner behind one CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/ident"
)

// version is stamped by the linker on release builds.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "loom:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "loom",
		Short:         "Event-sourced playbook orchestration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (default searches ./loom.yaml, /etc/loom/loom.yaml)")
	root.AddCommand(newServerCmd(), newWorkerCmd(), newRunCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the loom version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// configPath reads the persistent --config flag.
func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}

// notifyShutdown cancels the returned context on SIGINT or SIGTERM.
func notifyShutdown(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// newIdentSource builds the process ID minter. A negative configured
// instance derives one from the host.
func newIdentSource(cfg config.Ident) (ident.Source, error) {
	instance := cfg.Instance
	if instance < 0 {
		instance = ident.HostInstance()
	}
	return ident.NewNode(instance)
}

// advertiseURI is the address written to this server's runtime row.
func advertiseURI(cfg config.Server) string {
	if cfg.URI != "" {
		return cfg.URI
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	if strings.HasPrefix(cfg.Addr, ":") {
		return fmt.Sprintf("http://%s%s", host, cfg.Addr)
	}
	return "http://" + cfg.Addr
}
