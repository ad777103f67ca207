package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bingosuite/bingo-ocd/config"
	"github.com/bingosuite/bingo-ocd/internal/logger"
	"github.com/bingosuite/bingo-ocd/internal/ws"
)

func newRootCmd(log *logger.Logger) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "bingo",
		Short:        "bingo - OpenOCD debug session server",
		Long:         `bingo exposes OpenOCD debug sessions to WebSocket clients. Each session owns one connection to the OpenOCD TCL server.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("verbosity") {
				if err := log.SetLevelString(cfg.Logging.Level); err != nil {
					return fmt.Errorf("logging.level: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("Using OpenOCD", "host", cfg.OpenOCD.Host, "port", cfg.OpenOCD.Port)
			server := ws.NewServer(cfg.Server.Addr, cfg, log.Logger)
			if err := server.Serve(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("WebSocket server error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "config/config.yml", "path to the YAML configuration")
	log.AddLevelFlag(cmd.PersistentFlags())
	return cmd
}

func main() {
	log := logger.New("bingo")
	defer log.Flush()

	if err := newRootCmd(log).ExecuteContext(context.Background()); err != nil {
		log.Error(err, "Server failed")
		log.Flush()
		os.Exit(1)
	}
}
