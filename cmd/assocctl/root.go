package main

import (
	"github.com/spf13/cobra"
)

var (
	serverURL string
	outputFmt string
	authToken string
)

var rootCmd = &cobra.Command{
	Use:   "assocctl",
	Short: "CLI for the device association registry",
	Long: `assocctl drives the association lifecycle of connected devices:
associate, activate, suspend, restore, terminate, delegate, replace,
and wipe-data, plus read-only listing of associations and their history.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Association registry URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token for authenticated calls")

	rootCmd.AddCommand(associateCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(delegateCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(replaceCmd)
	rootCmd.AddCommand(wipeCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(historyCmd)
}
