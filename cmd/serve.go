package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"crosspost/pkg/config"
	"crosspost/pkg/gateway"
	"crosspost/pkg/logger"
	"crosspost/pkg/platform"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"gateway"},
	Short:   "Run the publish HTTP gateway",
	Long:    "Runs the publish API with health, readiness and metrics endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, log, ok := loadRuntimeConfig("cmd.serve")
		if !ok {
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(runCtx, cfg, log)
		if err != nil {
			log.Error("Failed to initialize runtime", "error", err)
			return
		}
		defer rt.Close()

		svc, err := gateway.NewService(cfg.Gateway, rt.gatewayDeps(), log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started", "platforms", platformNames(rt.registry.Platforms()), "store", cfg.Store.Driver, "channel_cache", cfg.ChannelCache.Backend)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// loadRuntimeConfig loads configuration and installs the default logger.
func loadRuntimeConfig(component string) (*config.Config, *slog.Logger, bool) {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		return nil, nil, false
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		return nil, nil, false
	}
	slog.SetDefault(appLogger)
	return cfg, slog.Default().With("component", component), true
}

func platformNames(platforms []platform.Platform) string {
	names := make([]string, 0, len(platforms))
	for _, p := range platforms {
		names = append(names, p.String())
	}
	return strings.Join(names, ",")
}
