package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/quotacontrol/pkg/logging"
	"github.com/pario-ai/quotacontrol/pkg/models"
)

func newLimitCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limit",
		Short: "Show or change project limits",
	}
	cmd.AddCommand(newLimitGetCmd(g), newLimitSetCmd(g))
	return cmd
}

func openLocal(g *globals) (*app, error) {
	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	return openApp(cfg, logging.NewWithWriter(os.Stderr, "warn", "console"), false)
}

func printLimit(projectID uint64, l models.Limit) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROJECT\tMAX KEYS\tRATE LIMIT\tFREE WARN\tFREE MAX\tOVER WARN\tOVER MAX\tBLOCK")
	fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%t\n",
		projectID, l.MaxKeys, l.RateLimit, l.FreeWarn, l.FreeMax, l.OverWarn, l.OverMax, l.BlockTransactions)
	return w.Flush()
}

func newLimitGetCmd(g *globals) *cobra.Command {
	var projectID uint64
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show the limit in effect for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openLocal(g)
			if err != nil {
				return err
			}
			defer a.Close()

			l, err := a.limits.Resolve(context.Background(), projectID)
			if err != nil {
				return err
			}
			return printLimit(projectID, l)
		},
	}
	cmd.Flags().Uint64Var(&projectID, "project", 0, "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newLimitSetCmd(g *globals) *cobra.Command {
	var projectID uint64
	var l models.Limit
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set the limit of a project",
		Long: "Set the limit of a project in the database. Unset flags keep the\n" +
			"value currently in effect. With --server the running server's quota\n" +
			"cache for the project is cleared afterwards.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openLocal(g)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			cur, err := a.limits.Resolve(ctx, projectID)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("max-keys") {
				cur.MaxKeys = l.MaxKeys
			}
			if f.Changed("rate-limit") {
				cur.RateLimit = l.RateLimit
			}
			if f.Changed("free-warn") {
				cur.FreeWarn = l.FreeWarn
			}
			if f.Changed("free-max") {
				cur.FreeMax = l.FreeMax
			}
			if f.Changed("over-warn") {
				cur.OverWarn = l.OverWarn
			}
			if f.Changed("over-max") {
				cur.OverMax = l.OverMax
			}
			if f.Changed("block") {
				cur.BlockTransactions = l.BlockTransactions
			}
			if err := a.limits.Set(ctx, projectID, cur); err != nil {
				return err
			}
			if g.serverURL != "" {
				if _, err := remote(g).ClearAccessQuotaCache(ctx, projectID); err != nil {
					return fmt.Errorf("limit saved, clearing server cache failed: %w", err)
				}
			}
			return printLimit(projectID, cur)
		},
	}
	cmd.Flags().Uint64Var(&projectID, "project", 0, "project id")
	cmd.Flags().Int64Var(&l.MaxKeys, "max-keys", 0, "maximum active keys (0 = unlimited)")
	cmd.Flags().Int64Var(&l.RateLimit, "rate-limit", 0, "requests per window (0 = unlimited)")
	cmd.Flags().Int64Var(&l.FreeWarn, "free-warn", 0, "free tier warning threshold")
	cmd.Flags().Int64Var(&l.FreeMax, "free-max", 0, "free tier compute")
	cmd.Flags().Int64Var(&l.OverWarn, "over-warn", 0, "overage warning threshold")
	cmd.Flags().Int64Var(&l.OverMax, "over-max", 0, "hard compute cap")
	cmd.Flags().BoolVar(&l.BlockTransactions, "block", false, "reject compute above the free tier")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
