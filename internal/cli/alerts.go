package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/store"
)

func init() {
	alerts := &cobra.Command{
		Use:   "alerts",
		Short: "List alerts and their delivery status",
		Run:   runAlerts,
	}
	alerts.Flags().StringP("patient", "p", "", "Filter by patient")
	alerts.Flags().String("status", "", "Filter by status: pending, sent, failed, suppressed")
	alerts.Flags().IntP("limit", "l", 50, "Max results")

	escalations := &cobra.Command{
		Use:   "escalations",
		Short: "Show the escalation log",
		Long:  "Failed deliveries, escalated cases and alerts that had no recipients.",
		Run:   runEscalations,
	}
	escalations.Flags().StringP("patient", "p", "", "Filter by patient")
	escalations.Flags().IntP("limit", "l", 50, "Max results")

	inbox := &cobra.Command{
		Use:   "inbox [recipient-id]",
		Short: "Show in-app inbox messages for a caregiver or patient",
		Args:  cobra.ExactArgs(1),
		Run:   runInbox,
	}
	inbox.Flags().IntP("limit", "l", 20, "Max results")

	cases := &cobra.Command{
		Use:   "cases [patient-id]",
		Short: "List a patient's emergency cases",
		Args:  cobra.ExactArgs(1),
		Run:   runCases,
	}
	cases.Flags().IntP("limit", "l", 20, "Max results")

	RootCmd.AddCommand(alerts, escalations, inbox, cases)
}

func runAlerts(cmd *cobra.Command, args []string) {
	patient, _ := cmd.Flags().GetString("patient")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	alerts, err := s.ListAlerts(cmd.Context(), store.ListAlertsParams{
		PatientID: patient,
		Status:    model.AlertStatus(status),
		Limit:     limit,
	})
	if err != nil {
		exitErr("alerts", err)
	}
	if len(alerts) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(alerts)
}

func runEscalations(cmd *cobra.Command, args []string) {
	patient, _ := cmd.Flags().GetString("patient")
	limit, _ := cmd.Flags().GetInt("limit")

	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	entries, err := s.ListEscalations(cmd.Context(), patient, limit)
	if err != nil {
		exitErr("escalations", err)
	}
	if len(entries) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(entries)
}

func runInbox(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	msgs, err := s.ListInbox(cmd.Context(), args[0], limit)
	if err != nil {
		exitErr("inbox", err)
	}
	if len(msgs) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(msgs)
}

func runCases(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	cases, err := s.ListCases(cmd.Context(), args[0], limit)
	if err != nil {
		exitErr("cases", err)
	}
	if len(cases) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(cases)
}
