package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	replaceCurrentSerial string
	replaceNewSerial     string
)

var replaceCmd = &cobra.Command{
	Use:   "replace",
	Short: "Replace a defective device with a provisioned spare",
	RunE:  runReplace,
}

func init() {
	replaceCmd.Flags().StringVar(&replaceCurrentSerial, "current", "", "Serial number of the device being replaced")
	replaceCmd.Flags().StringVar(&replaceNewSerial, "replacement", "", "Serial number of the replacement device")
	_ = replaceCmd.MarkFlagRequired("current")
	_ = replaceCmd.MarkFlagRequired("replacement")
}

func runReplace(cmd *cobra.Command, args []string) error {
	if replaceCurrentSerial == replaceNewSerial {
		return fmt.Errorf("current and replacement serial numbers must differ")
	}
	body := map[string]any{
		"current":     map[string]any{"serialNumber": replaceCurrentSerial},
		"replacement": map[string]any{"serialNumber": replaceNewSerial},
	}

	var result operationResult
	if err := newClient().postJSON("/associations/replace", body, &result); err != nil {
		return err
	}
	return printResult(result)
}
