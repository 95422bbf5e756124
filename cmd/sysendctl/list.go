package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the peers currently in scope",
		Long:  "list joins the scope for one collection window, prints every peer that answered and leaves again.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			if err := s.start(cmd.Context()); err != nil {
				return err
			}
			defer s.close()

			roster, err := s.peer.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(roster) == 0 {
				_, _ = fmt.Fprintln(out, "no peers")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tROLE")
			for _, e := range roster {
				role := "secondary"
				if e.Primary {
					role = "primary"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\n", e.ID, role)
			}
			return tw.Flush()
		},
	}
}
