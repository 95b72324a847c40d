// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"
)

func backupsCmd() *cobra.Command {
	var limit, offset int
	var includeExpired bool

	cmd := &cobra.Command{
		Use:   "backups <form-id>",
		Short: "List a form's column backups, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c, closer, err := newController(ctx)
			if err != nil {
				return err
			}
			defer closer()

			backups, total, err := c.ListBackups(ctx, args[0], includeExpired, limit, offset)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"backups": backups, "total": total})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum backups to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "backups to skip")
	cmd.Flags().BoolVar(&includeExpired, "include-expired", false, "include backups past their retention deadline")
	return cmd
}
