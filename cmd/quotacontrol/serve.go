package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/quotacontrol/pkg/config"
	"github.com/pario-ai/quotacontrol/pkg/logging"
	"github.com/pario-ai/quotacontrol/pkg/server"
)

func newServeCmd(g *globals) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the QuotaControl server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g.configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			log := logging.New(cfg.LogLevel, cfg.LogFormat)

			a, err := openApp(cfg, log, true)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Error().Err(err).Msg("shutdown")
				}
			}()

			if err := a.outbox.Start(); err != nil {
				return err
			}
			defer a.outbox.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if g.configPath != "" {
				w, err := config.NewWatcher(g.configPath, log, a.reload)
				if err != nil {
					return err
				}
				go w.Run(ctx)
				defer w.Close()
			}

			log.Info().Str("db", cfg.DBPath).Str("cycle", cfg.Cycle.Mode).Msg("starting quotacontrol")
			return server.New(cfg.Listen, a.handler, log).ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	return cmd
}
