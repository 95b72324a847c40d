// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"
)

func cleanupCmd() *cobra.Command {
	var days int
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired column backups older than the cleanup window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			c, closer, err := newController(ctx)
			if err != nil {
				return err
			}
			defer closer()

			result, err := c.Cleanup(ctx, days, dryRun)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().IntVar(&days, "days", 90, "cleanup window in days, between 30 and 365")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	return cmd
}
