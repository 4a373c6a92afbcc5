package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globals are the flags shared by every subcommand.
type globals struct {
	configPath string
	serverURL  string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "quotacontrol",
		Short:         "QuotaControl: access keys, rate limits and compute quotas",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to config file (defaults when empty)")
	root.PersistentFlags().StringVar(&g.serverURL, "server", "", "call a running server at this URL instead of opening the database")

	root.AddCommand(
		newServeCmd(g),
		newKeysCmd(g),
		newLimitCmd(g),
		newUsageCmd(g),
		newCacheCmd(g),
		newEventsCmd(g),
		newMCPCmd(g),
	)
	return root
}
