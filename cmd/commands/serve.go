package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forest-watch/config"
	"forest-watch/internal/api/telegram"
	"forest-watch/internal/container"
	"forest-watch/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the stream pipelines, HTTP API and Telegram bot",
	Example: `  # Start with settings from the environment and .env
  forest-watch serve

  # Custom address and debug logging
  forest-watch serve --http-addr :9090 --log-level debug

  # Start with a config file
  forest-watch serve --config /etc/forest-watch.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log := logger.WithComponent("main")

	if cfg.TelegramToken == "" {
		log.Warn().Msg("TELEGRAM_TOKEN is not set, telegram bot is disabled")
	}

	c, err := container.New(cfg, telegram.NewBot, logger.Logger)
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("detector", cfg.DetectorKind).
		Int("streams", len(cfg.Streams)).
		Msg("forest-watch is running")

	if err := c.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("stopped")
	return nil
}
