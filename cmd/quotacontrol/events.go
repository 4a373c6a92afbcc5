package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/quotacontrol/pkg/events"
)

func newEventsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect threshold events",
	}

	var (
		projectID uint64
		pending   bool
		limit     int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List events in the outbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openLocal(g)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := events.ListOptions{ProjectID: projectID, Limit: limit}
			if cmd.Flags().Changed("pending") {
				opts.Pending = &pending
			}
			list, err := a.outbox.List(context.Background(), opts)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No events found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROJECT\tTYPE\tCREATED\tATTEMPTS\tSTATUS")
			for _, ev := range list {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n",
					ev.ID, ev.ProjectID, ev.Type, ev.CreatedAt.Format(time.RFC3339), ev.Attempts, status(ev))
			}
			return w.Flush()
		},
	}
	listCmd.Flags().Uint64Var(&projectID, "project", 0, "filter by project id")
	listCmd.Flags().BoolVar(&pending, "pending", false, "only undelivered events (false: only finished ones)")
	listCmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")

	cmd.AddCommand(listCmd)
	return cmd
}

func status(ev events.Event) string {
	switch {
	case ev.Dead:
		return "dead: " + ev.LastError
	case ev.DeliveredAt != nil:
		return "delivered"
	case ev.LastError != "":
		return "retrying: " + ev.LastError
	}
	return "pending"
}
