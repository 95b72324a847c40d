// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"
)

var executeCmd = &cobra.Command{
	Use:   "execute <form-id> <changes-file>",
	Short: "Enqueue a plan for execution on the form's migration queue",
	Long: `Enqueue a plan for execution on the form's migration queue.

Jobs are durable: they are processed by a running serve instance, or by the
next one to start.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		changes, err := readChanges(args[1])
		if err != nil {
			return err
		}

		c, closer, err := newController(ctx)
		if err != nil {
			return err
		}
		defer closer()

		jobs, err := c.ExecutePlan(ctx, args[0], changes, actor())
		if err != nil {
			return err
		}
		return printJSON(jobs)
	},
}
