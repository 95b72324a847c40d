// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var formID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration queue status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			c, closer, err := newController(ctx)
			if err != nil {
				return err
			}
			defer closer()

			status, err := c.QueueStatus(ctx, formID)
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}

	cmd.Flags().StringVar(&formID, "form", "", "restrict status to one form")
	return cmd
}
