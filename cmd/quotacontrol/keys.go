package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/quotacontrol/pkg/models"
)

func newKeysCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage access keys",
	}
	cmd.AddCommand(newKeysCreateCmd(g), newKeysListCmd(g), newKeysRotateCmd(g), newKeysDisableCmd(g))
	return cmd
}

func parseServices(names []string) ([]models.Service, error) {
	out := make([]models.Service, 0, len(names))
	for _, n := range names {
		s, err := models.ParseService(n)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func newKeysCreateCmd(g *globals) *cobra.Command {
	var (
		projectID     uint64
		name          string
		requireOrigin bool
		origins       []string
		services      []string
		chains        []uint
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an access key for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := parseServices(services)
			if err != nil {
				return err
			}
			chainIDs := make([]uint64, len(chains))
			for i, c := range chains {
				chainIDs[i] = uint64(c)
			}
			qc, done, err := connect(g)
			if err != nil {
				return err
			}
			defer done()

			k, err := qc.CreateAccessKey(context.Background(), projectID, name, requireOrigin, origins, svcs, chainIDs)
			if err != nil {
				return err
			}
			fmt.Println(k.AccessKey)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&projectID, "project", 0, "project id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().BoolVar(&requireOrigin, "require-origin", false, "reject requests without an Origin")
	cmd.Flags().StringSliceVar(&origins, "origin", nil, "allowed origin (repeatable)")
	cmd.Flags().StringSliceVar(&services, "service", nil, "allowed service (repeatable)")
	cmd.Flags().UintSliceVar(&chains, "chain", nil, "allowed chain id (repeatable)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newKeysListCmd(g *globals) *cobra.Command {
	var (
		projectID uint64
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the access keys of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			qc, done, err := connect(g)
			if err != nil {
				return err
			}
			defer done()

			var active *bool
			if !all {
				t := true
				active = &t
			}
			list, err := qc.ListAccessKeys(context.Background(), projectID, active, nil)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No access keys found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACCESS KEY\tNAME\tACTIVE\tDEFAULT\tSERVICES\tORIGINS")
			for _, k := range list {
				svcs := make([]string, len(k.AllowedServices))
				for i, s := range k.AllowedServices {
					svcs[i] = s.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\t%s\n",
					k.AccessKey, k.DisplayName, k.Active, k.Default,
					orAll(strings.Join(svcs, ",")), orAll(strings.Join(k.AllowedOrigins, ",")))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Uint64Var(&projectID, "project", 0, "project id")
	cmd.Flags().BoolVar(&all, "all", false, "include disabled keys")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func orAll(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

func newKeysRotateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <access-key>",
		Short: "Replace the secret of an access key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qc, done, err := connect(g)
			if err != nil {
				return err
			}
			defer done()

			k, err := qc.RotateAccessKey(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(k.AccessKey)
			return nil
		},
	}
}

func newKeysDisableCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <access-key>",
		Short: "Disable an access key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qc, done, err := connect(g)
			if err != nil {
				return err
			}
			defer done()

			if _, err := qc.DisableAccessKey(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Println("disabled")
			return nil
		},
	}
}
