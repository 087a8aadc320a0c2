package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/store"
)

func init() {
	medCmd := &cobra.Command{
		Use:   "med",
		Short: "Manage medications and dose logs",
	}

	add := &cobra.Command{
		Use:   "add [patient-id]",
		Short: "Add a medication with daily dose times",
		Args:  cobra.ExactArgs(1),
		Run:   runMedAdd,
	}
	add.Flags().String("name", "", "Medication name (required)")
	add.Flags().String("dosage", "", "Dosage, e.g. 500mg")
	add.Flags().String("frequency", "", "Free-form frequency, e.g. twice daily")
	add.Flags().StringSlice("times", nil, "Dose times as HH:MM (comma-separated)")
	add.Flags().String("instructions", "", "Instructions read with each reminder")
	add.MarkFlagRequired("name")

	logCmd := &cobra.Command{
		Use:   "log [medication-id]",
		Short: "Record the outcome of a scheduled dose",
		Args:  cobra.ExactArgs(1),
		Run:   runMedLog,
	}
	logCmd.Flags().String("status", string(model.DoseTaken), "taken, missed, skipped or pending")
	logCmd.Flags().String("scheduled", "", "Scheduled time, RFC 3339 (default now)")
	logCmd.Flags().String("notes", "", "Notes")

	list := &cobra.Command{
		Use:   "list [patient-id]",
		Short: "List a patient's medications",
		Args:  cobra.ExactArgs(1),
		Run:   runMedList,
	}
	list.Flags().Bool("all", false, "Include inactive medications")

	rm := &cobra.Command{
		Use:   "rm [medication-id]",
		Short: "Deactivate a medication",
		Args:  cobra.ExactArgs(1),
		Run:   runMedRm,
	}

	medCmd.AddCommand(add, logCmd, list, rm)

	eventCmd := &cobra.Command{
		Use:   "event",
		Short: "Manage personal events",
	}
	evAdd := &cobra.Command{
		Use:   "add [patient-id]",
		Short: "Add a personal event such as a birthday or appointment",
		Args:  cobra.ExactArgs(1),
		Run:   runEventAdd,
	}
	evAdd.Flags().String("title", "", "Title (required)")
	evAdd.Flags().String("type", "other", "Event type, e.g. birthday, appointment")
	evAdd.Flags().String("date", "", "Date, YYYY-MM-DD or RFC 3339 (required)")
	evAdd.Flags().String("description", "", "Description")
	evAdd.Flags().Bool("recurring", false, "Repeats yearly")
	evAdd.Flags().Int("importance", 3, "Importance 1-5")
	evAdd.MarkFlagRequired("title")
	evAdd.MarkFlagRequired("date")
	eventCmd.AddCommand(evAdd)

	RootCmd.AddCommand(medCmd, eventCmd)
}

func runMedAdd(cmd *cobra.Command, args []string) {
	name, _ := cmd.Flags().GetString("name")
	dosage, _ := cmd.Flags().GetString("dosage")
	frequency, _ := cmd.Flags().GetString("frequency")
	times, _ := cmd.Flags().GetStringSlice("times")
	instructions, _ := cmd.Flags().GetString("instructions")

	for _, t := range times {
		if _, _, err := model.ParseClock(t); err != nil {
			exitErr("med add", err)
		}
	}

	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	med, err := s.PutMedication(cmd.Context(), store.PutMedicationParams{
		PatientID:     args[0],
		Name:          name,
		Dosage:        dosage,
		Frequency:     frequency,
		ScheduleTimes: times,
		Instructions:  instructions,
	})
	if err != nil {
		exitErr("med add", err)
	}
	printJSON(med)
}

func runMedLog(cmd *cobra.Command, args []string) {
	status, _ := cmd.Flags().GetString("status")
	scheduled, _ := cmd.Flags().GetString("scheduled")
	notes, _ := cmd.Flags().GetString("notes")

	at := time.Now()
	if scheduled != "" {
		var err error
		if at, err = time.Parse(time.RFC3339, scheduled); err != nil {
			exitErr("med log", fmt.Errorf("invalid --scheduled: %w", err))
		}
	}
	st := model.MedicationStatus(status)
	if !model.ValidDoseStatuses[st] {
		exitErr("med log", fmt.Errorf("invalid status %q", status))
	}
	var takenAt *time.Time
	if st == model.DoseTaken {
		now := time.Now()
		takenAt = &now
	}

	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	entry, err := s.LogDose(cmd.Context(), store.LogDoseParams{
		MedicationID: args[0],
		ScheduledAt:  at,
		Status:       st,
		TakenAt:      takenAt,
		Notes:        notes,
	})
	if err != nil {
		exitErr("med log", err)
	}
	printJSON(entry)
}

func runMedList(cmd *cobra.Command, args []string) {
	all, _ := cmd.Flags().GetBool("all")

	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	meds, err := s.ListMedications(cmd.Context(), args[0], !all)
	if err != nil {
		exitErr("med list", err)
	}
	if len(meds) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(meds)
}

func runMedRm(cmd *cobra.Command, args []string) {
	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if err := s.DeactivateMedication(cmd.Context(), args[0]); err != nil {
		exitErr("med rm", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"medication_id":%q}`+"\n", args[0])
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, v, time.Local)
}

func runEventAdd(cmd *cobra.Command, args []string) {
	title, _ := cmd.Flags().GetString("title")
	typ, _ := cmd.Flags().GetString("type")
	date, _ := cmd.Flags().GetString("date")
	description, _ := cmd.Flags().GetString("description")
	recurring, _ := cmd.Flags().GetBool("recurring")
	importance, _ := cmd.Flags().GetInt("importance")

	when, err := parseDate(date)
	if err != nil {
		exitErr("event add", fmt.Errorf("invalid --date: %w", err))
	}

	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	ev, err := s.PutEvent(cmd.Context(), store.PutEventParams{
		PatientID:   args[0],
		Type:        typ,
		Title:       title,
		Description: description,
		EventDate:   when,
		Recurring:   recurring,
		Importance:  importance,
	})
	if err != nil {
		exitErr("event add", err)
	}
	printJSON(ev)
}
