package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kjulin/opennova/internal/config"
	"github.com/kjulin/opennova/internal/daemon"
	"github.com/kjulin/opennova/internal/logging"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the workspace daemon (the default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon()
		},
	}
}

func runDaemon() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := logging.Setup(verbose, cfg.Log.File, cfg.Log.MaxBytes); err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to start daemon", "error", err)
		os.Exit(1)
	}
	if err := d.Run(ctx); err != nil {
		slog.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}
