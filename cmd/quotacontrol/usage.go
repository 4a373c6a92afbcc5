package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/quotacontrol/pkg/models"
)

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q (want YYYY-MM-DD or RFC 3339)", s)
}

func newUsageCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect compute usage",
	}
	cmd.AddCommand(newUsageShowCmd(g))
	return cmd
}

func newUsageShowCmd(g *globals) *cobra.Command {
	var (
		projectID uint64
		accessKey string
		service   string
		from, to  string
		async     bool
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show usage of a project or access key",
		Long:  "Show usage over [from, to). Missing bounds default to the current cycle.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == 0 && accessKey == "" {
				return fmt.Errorf("one of --project or --key is required")
			}
			var svc *models.Service
			if service != "" {
				s, err := models.ParseService(service)
				if err != nil {
					return err
				}
				svc = &s
			}
			start, err := parseDate(from)
			if err != nil {
				return err
			}
			end, err := parseDate(to)
			if err != nil {
				return err
			}

			qc, done, err := connect(g)
			if err != nil {
				return err
			}
			defer done()

			ctx := context.Background()
			var u *models.AccessUsage
			switch {
			case accessKey != "":
				u, err = qc.GetAccessKeyUsage(ctx, accessKey, svc, start, end)
			case async:
				u, err = qc.GetAsyncUsage(ctx, projectID, svc, start, end)
			default:
				u, err = qc.GetAccountUsage(ctx, projectID, svc, start, end)
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VALID\tOVER\tLIMITED\tCONSUMED")
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", u.ValidCompute, u.OverCompute, u.LimitedCompute, u.Consumed())
			return w.Flush()
		},
	}
	cmd.Flags().Uint64Var(&projectID, "project", 0, "project id")
	cmd.Flags().StringVar(&accessKey, "key", "", "access key")
	cmd.Flags().StringVar(&service, "service", "", "filter by service")
	cmd.Flags().StringVar(&from, "from", "", "start date (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "end date (exclusive)")
	cmd.Flags().BoolVar(&async, "async", false, "include usage not yet flushed by the server")
	return cmd
}
