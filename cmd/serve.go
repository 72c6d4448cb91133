package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pouw-captcha/apiconfig"
	"pouw-captcha/logging"
)

func ServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load models and ground truth, then run the admin server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := loadConfig()
			if err != nil {
				return err
			}
			cfg := manager.GetConfig()
			logging.Setup(cfg.Logging.Level, cfg.Logging.Json)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, manager.GetConfig())
		},
	}
}

func serve(ctx context.Context, cfg apiconfig.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return err
	}
	logging.Info("pouw-captcha started", logging.System,
		"models", len(a.shards.AvailableModels()),
		"ground_truth_entries", a.cache.Len(),
		"admin_port", cfg.Api.AdminPort)

	<-ctx.Done()
	logging.Info("Shutting down", logging.System)
	return nil
}
