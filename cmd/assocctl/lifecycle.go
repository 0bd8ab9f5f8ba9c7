package main

import (
	"github.com/spf13/cobra"
)

var (
	terminateSel    selectorFlags
	terminateTarget string
	terminateReason string
	suspendSel      selectorFlags
	restoreSel      selectorFlags
)

var terminateCmd = &cobra.Command{
	Use:   "terminate",
	Short: "Terminate an association",
	RunE:  runTerminate,
}

var suspendCmd = &cobra.Command{
	Use:   "suspend",
	Short: "Suspend the owner association of a device",
	RunE:  runSuspend,
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a suspended association",
	RunE:  runRestore,
}

func init() {
	terminateSel.register(terminateCmd.Flags())
	terminateCmd.Flags().StringVar(&terminateTarget, "target-user", "", "User whose row to terminate (owner/admin only; defaults to the caller)")
	terminateCmd.Flags().StringVar(&terminateReason, "reason", "", "Reason recorded in the lifecycle history")
	suspendSel.register(suspendCmd.Flags())
	restoreSel.register(restoreCmd.Flags())
}

func runTerminate(cmd *cobra.Command, args []string) error {
	if err := terminateSel.validate(); err != nil {
		return err
	}
	body := map[string]any{"selector": terminateSel.body()}
	if terminateTarget != "" {
		body["targetUser"] = terminateTarget
	}
	if terminateReason != "" {
		body["reason"] = terminateReason
	}

	var result operationResult
	if err := newClient().postJSON("/associations/terminate", body, &result); err != nil {
		return err
	}
	return printResult(result)
}

func runSuspend(cmd *cobra.Command, args []string) error {
	if err := suspendSel.validate(); err != nil {
		return err
	}
	var result operationResult
	if err := newClient().postJSON("/associations/suspend", map[string]any{"selector": suspendSel.body()}, &result); err != nil {
		return err
	}
	return printResult(result)
}

func runRestore(cmd *cobra.Command, args []string) error {
	if err := restoreSel.validate(); err != nil {
		return err
	}
	var result operationResult
	if err := newClient().postJSON("/associations/restore", map[string]any{"selector": restoreSel.body()}, &result); err != nil {
		return err
	}
	return printResult(result)
}
