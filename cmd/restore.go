// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Queue a restore of a column backup onto its form's queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		c, closer, err := newController(ctx)
		if err != nil {
			return err
		}
		defer closer()

		result, err := c.Restore(ctx, args[0], actor())
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}
