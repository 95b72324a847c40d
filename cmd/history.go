// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/qcollector/fieldmigration/pkg/journal"
)

func historyCmd() *cobra.Command {
	var limit, offset int
	var status string

	cmd := &cobra.Command{
		Use:   "history <form-id>",
		Short: "List a form's migration history, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c, closer, err := newController(ctx)
			if err != nil {
				return err
			}
			defer closer()

			filter := journal.FilterAny
			switch status {
			case "success":
				filter = journal.FilterOnlySuccess
			case "failed":
				filter = journal.FilterOnlyFailed
			}

			entries, total, err := c.ListHistory(ctx, args[0], journal.ListOptions{
				Limit:  limit,
				Offset: offset,
				Filter: filter,
			})
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"migrations": entries, "total": total})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	cmd.Flags().StringVar(&status, "status", "any", "filter by outcome: any, success, failed")
	return cmd
}
