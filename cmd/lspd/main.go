// Command lspd is the daemon entrypoint: a persistent process that
// multiplexes LSP sessions for one working directory.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/lspd/lspd/internal/catalog"
	"github.com/lspd/lspd/internal/config"
	"github.com/lspd/lspd/internal/daemonserver"
	"github.com/lspd/lspd/internal/instance"
	"github.com/lspd/lspd/internal/logging"
	"github.com/lspd/lspd/internal/manager"
	"github.com/lspd/lspd/internal/registry"
	"github.com/spf13/cobra"
)

var debug bool

func main() {
	root := &cobra.Command{
		Use:   "lspd",
		Short: "lspd multiplexes LSP sessions for short-lived CLI invocations",
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "run the daemon in the foreground for the current working directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(ctx context.Context) error {
	workingDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	cfg, err := config.Load(workingDir, debug)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	paths := instance.For(workingDir)
	if err := logging.Init(paths.Log, debug); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	cat := catalog.Load(cfg)
	reg := registry.New()
	mgr := manager.New(cat, cfg, reg)
	srv := daemonserver.New(cfg, mgr, paths.Log)

	logging.Info("lspd daemon starting", "workingDir", workingDir, "socket", paths.Socket)
	if err := srv.ListenAndServe(ctx); err != nil {
		logging.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
	return nil
}
