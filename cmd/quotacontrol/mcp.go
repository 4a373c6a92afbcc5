package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/quotacontrol/pkg/logging"
	"github.com/pario-ai/quotacontrol/pkg/mcp"
)

func newMCPCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only quota tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			qc, done, err := connect(g)
			if err != nil {
				return err
			}
			defer done()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := logging.NewWithWriter(os.Stderr, "warn", "console")
			return mcp.New(qc, version, log).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
