// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <migration-id>",
	Short: "Execute a journal entry's stored rollback SQL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		c, closer, err := newController(ctx)
		if err != nil {
			return err
		}
		defer closer()

		result, err := c.Rollback(ctx, args[0], actor())
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}
