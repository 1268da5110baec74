package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codeck-dev/codeck/internal/config"
	"github.com/codeck-dev/codeck/internal/gateway"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the edge proxy in front of a runtime daemon",
		Long:  "Forwards HTTP to the runtime daemon and bridges WebSocket connections, authenticating with the shared internal secret. Deploy this on the public host and keep the runtime private.",
		Run: func(cmd *cobra.Command, args []string) {
			runEdge()
		},
	}
}

func runEdge() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	proxy, err := gateway.NewProxy(cfg)
	if err != nil {
		slog.Error("edge init failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := proxy.Start(ctx); err != nil {
		slog.Error("edge exited", "error", err)
		os.Exit(1)
	}
}
