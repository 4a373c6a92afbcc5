package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the quota cache",
	}

	var projectID uint64
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop the cached quotas of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.serverURL == "" {
				return fmt.Errorf("cache clear needs --server: the cache lives in the server process")
			}
			qc, done, err := connect(g)
			if err != nil {
				return err
			}
			defer done()

			if _, err := qc.ClearAccessQuotaCache(context.Background(), projectID); err != nil {
				return err
			}
			fmt.Printf("Cleared quota cache for project %d.\n", projectID)
			return nil
		},
	}
	clearCmd.Flags().Uint64Var(&projectID, "project", 0, "project id")
	_ = clearCmd.MarkFlagRequired("project")

	cmd.AddCommand(clearCmd)
	return cmd
}
