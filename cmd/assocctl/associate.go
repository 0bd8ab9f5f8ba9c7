package main

import (
	"github.com/spf13/cobra"
)

var associateSel selectorFlags
var associateUser string

var associateCmd = &cobra.Command{
	Use:   "associate",
	Short: "Associate a device with a user",
	RunE:  runAssociate,
}

var activateSel selectorFlags

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Complete an initiated association and activate the device",
	RunE:  runActivate,
}

func init() {
	associateSel.register(associateCmd.Flags())
	associateCmd.Flags().StringVar(&associateUser, "user", "", "Target user id (admin only; defaults to the caller)")
	activateSel.register(activateCmd.Flags())
}

func runAssociate(cmd *cobra.Command, args []string) error {
	if err := associateSel.validate(); err != nil {
		return err
	}
	body := map[string]any{"selector": associateSel.body()}
	if associateUser != "" {
		body["userId"] = associateUser
	}

	var result operationResult
	if err := newClient().postJSON("/associations", body, &result); err != nil {
		return err
	}
	return printResult(result)
}

func runActivate(cmd *cobra.Command, args []string) error {
	if err := activateSel.validate(); err != nil {
		return err
	}
	body := map[string]any{"selector": activateSel.body()}

	var result operationResult
	if err := newClient().postJSON("/associations/activate", body, &result); err != nil {
		return err
	}
	return printResult(result)
}
