// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qcollector/fieldmigration/pkg/api"
	"github.com/qcollector/fieldmigration/pkg/detector"
	"github.com/qcollector/fieldmigration/schema"
)

// readChanges loads and schema-validates a changes file: a JSON array of
// change objects in the same wire format the HTTP API accepts.
func readChanges(path string) ([]detector.Change, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("changes file must be a JSON array: %w", err)
	}

	changes := make([]detector.Change, 0, len(raws))
	for i, raw := range raws {
		if err := schema.ValidateChange(raw); err != nil {
			return nil, fmt.Errorf("change %d does not match the change schema: %w", i, err)
		}
		var dto api.ChangeDTO
		if err := json.Unmarshal(raw, &dto); err != nil {
			return nil, fmt.Errorf("change %d cannot be decoded: %w", i, err)
		}
		changes = append(changes, dto.ToChange())
	}
	return changes, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var previewCmd = &cobra.Command{
	Use:   "preview <form-id> <changes-file>",
	Short: "Preview the SQL a plan would execute, without running it",
	Args:  cobra.ExactArgs(2),
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

		result, err := c.PreviewPlan(ctx, args[0], changes)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}
