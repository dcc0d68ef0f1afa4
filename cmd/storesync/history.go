package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/openmined/storesync/internal/journal"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		filter journal.Filter
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished uploads and downloads, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(s *session) error {
				entries, err := s.journal.List(filter)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(entries)
				}

				if len(entries) == 0 {
					_, err := fmt.Fprintln(out, "no operations recorded")
					return err
				}

				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tKIND\tDOCUMENT\tCLIENT\tSTATE\tFINISHED\tTOOK\tERROR")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						e.ID, e.Kind, e.DocumentID, e.ClientID, e.State,
						humanize.Time(e.FinishedAt),
						e.Took().Round(time.Millisecond), e.ErrorKind,
					)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringVarP(&filter.DocumentID, "document", "d", "", "only this document")
	cmd.Flags().StringVar(&filter.Kind, "kind", "", "upload or download")
	cmd.Flags().StringVar(&filter.State, "state", "", "Succeeded, Failed or Cancelled")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "at most this many entries, 0 for all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
