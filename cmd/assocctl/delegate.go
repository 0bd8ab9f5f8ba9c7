package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	delegateSel   selectorFlags
	delegateUser  string
	delegateOwner string
	delegateType  string
	delegateStart string
	delegateEnd   string
)

var delegateCmd = &cobra.Command{
	Use:   "delegate",
	Short: "Grant a delegate association on a device",
	RunE:  runDelegate,
}

func init() {
	delegateSel.register(delegateCmd.Flags())
	delegateCmd.Flags().StringVar(&delegateUser, "user", "", "User receiving the delegation")
	delegateCmd.Flags().StringVar(&delegateOwner, "owner", "", "Owner on whose behalf to delegate (admin only; defaults to the caller)")
	delegateCmd.Flags().StringVar(&delegateType, "type", "DRIVER", "Delegation type (DRIVER, FAMILY, WORKSHOP, FLEET)")
	delegateCmd.Flags().StringVar(&delegateStart, "start", "", "Window start, RFC 3339 (defaults to now)")
	delegateCmd.Flags().StringVar(&delegateEnd, "end", "", "Window end, RFC 3339 (empty for open-ended)")
	_ = delegateCmd.MarkFlagRequired("user")
}

func runDelegate(cmd *cobra.Command, args []string) error {
	if err := delegateSel.validate(); err != nil {
		return err
	}
	body := map[string]any{
		"selector":   delegateSel.body(),
		"targetUser": delegateUser,
		"type":       delegateType,
	}
	if delegateOwner != "" {
		body["ownerUser"] = delegateOwner
	}
	for flag, value := range map[string]string{"start": delegateStart, "end": delegateEnd} {
		if value == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return fmt.Errorf("invalid --%s value %q: %w", flag, value, err)
		}
		body[flag] = ts
	}

	var result operationResult
	if err := newClient().postJSON("/associations/delegate", body, &result); err != nil {
		return err
	}
	return printResult(result)
}
