package main

import (
	"fmt"

	"github.com/spf13/pflag"
)

// selectorFlags holds the device selector flags shared by most commands.
type selectorFlags struct {
	serial string
	imei   string
	bssid  string
}

func (s *selectorFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&s.serial, "serial", "", "Device serial number")
	flags.StringVar(&s.imei, "imei", "", "Device IMEI")
	flags.StringVar(&s.bssid, "bssid", "", "Device BSSID")
}

func (s *selectorFlags) validate() error {
	if s.serial == "" && s.imei == "" && s.bssid == "" {
		return fmt.Errorf("at least one of --serial, --imei, --bssid is required")
	}
	return nil
}

func (s *selectorFlags) body() map[string]any {
	sel := map[string]any{}
	if s.serial != "" {
		sel["serialNumber"] = s.serial
	}
	if s.imei != "" {
		sel["imei"] = s.imei
	}
	if s.bssid != "" {
		sel["bssid"] = s.bssid
	}
	return sel
}

// operationResult mirrors the server's success payload.
type operationResult struct {
	AssociationID string `json:"associationId"`
	Status        string `json:"status"`
}

func printResult(result operationResult) error {
	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(result)
	}
	printTable([]string{"Association", "Status"}, [][]string{{result.AssociationID, result.Status}})
	return nil
}
