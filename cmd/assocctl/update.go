package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	updateType  string
	updateStart string
	updateEnd   string
)

var updateCmd = &cobra.Command{
	Use:   "update ASSOCIATION_ID",
	Short: "Update the type or window of a delegate association",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpdate,
}

func init() {
	updateCmd.Flags().StringVar(&updateType, "type", "", "New delegation type (DRIVER, FAMILY, WORKSHOP, FLEET)")
	updateCmd.Flags().StringVar(&updateStart, "start", "", "New window start, RFC 3339")
	updateCmd.Flags().StringVar(&updateEnd, "end", "", "New window end, RFC 3339")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	body := map[string]any{}
	if updateType != "" {
		body["type"] = updateType
	}
	for flag, value := range map[string]string{"start": updateStart, "end": updateEnd} {
		if value == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return fmt.Errorf("invalid --%s value %q: %w", flag, value, err)
		}
		body[flag] = ts
	}
	if len(body) == 0 {
		return fmt.Errorf("nothing to update: set --type, --start or --end")
	}

	var result operationResult
	if err := newClient().patchJSON("/associations/"+args[0], body, &result); err != nil {
		return err
	}
	return printResult(result)
}
