package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

var historyEvents bool

var listCmd = &cobra.Command{
	Use:   "list USER_ID",
	Short: "List a user's associations",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

var historyCmd = &cobra.Command{
	Use:   "history SERIAL_NUMBER",
	Short: "Show the association history of a device",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().BoolVar(&historyEvents, "events", false, "Show the lifecycle event log instead of association rows")
}

type associationView struct {
	ID           string     `json:"id"`
	SerialNumber string     `json:"serialNumber"`
	UserID       string     `json:"userId"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	StartsAt     *time.Time `json:"startsAt,omitempty"`
	EndsAt       *time.Time `json:"endsAt,omitempty"`
	DeviceState  string     `json:"deviceState,omitempty"`
}

type associationList struct {
	Associations []associationView `json:"associations"`
}

func runList(cmd *cobra.Command, args []string) error {
	var list associationList
	path := fmt.Sprintf("/users/%s/associations", url.PathEscape(args[0]))
	if err := newClient().getJSON(path, &list); err != nil {
		return err
	}
	return printAssociations(list.Associations)
}

func runHistory(cmd *cobra.Command, args []string) error {
	serial := url.PathEscape(args[0])
	if historyEvents {
		return printDeviceEvents(serial)
	}
	var list associationList
	if err := newClient().getJSON(fmt.Sprintf("/devices/%s/associations", serial), &list); err != nil {
		return err
	}
	return printAssociations(list.Associations)
}

func printAssociations(views []associationView) error {
	if outputFmt != "table" {
		return printOutput(associationList{Associations: views})
	}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			v.ID, v.SerialNumber, v.UserID, v.Type, v.Status,
			formatTime(v.StartsAt), formatTime(v.EndsAt), v.DeviceState,
		})
	}
	printTable([]string{"id", "serial", "user", "type", "status", "starts", "ends", "device"}, rows)
	return nil
}

func printDeviceEvents(serial string) error {
	var page struct {
		Events []struct {
			EventType    string    `json:"EventType"`
			Actor        string    `json:"Actor"`
			UserID       string    `json:"UserID"`
			Outcome      string    `json:"Outcome"`
			Reason       string    `json:"Reason"`
			CreatedAt    time.Time `json:"CreatedAt"`
			SerialNumber string    `json:"SerialNumber"`
		} `json:"events"`
		NextPageToken string `json:"nextPageToken"`
	}
	if err := newClient().getJSON(fmt.Sprintf("/devices/%s/events", serial), &page); err != nil {
		return err
	}
	if outputFmt != "table" {
		return printOutput(page)
	}
	rows := make([][]string, 0, len(page.Events))
	for _, e := range page.Events {
		rows = append(rows, []string{
			e.CreatedAt.Format(time.RFC3339), e.EventType, e.Actor, e.UserID, e.Outcome, e.Reason,
		})
	}
	printTable([]string{"time", "event", "actor", "user", "outcome", "reason"}, rows)
	if page.NextPageToken != "" {
		fmt.Printf("\nNext page token: %s\n", page.NextPageToken)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
