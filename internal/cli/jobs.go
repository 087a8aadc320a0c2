package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage reminder jobs",
	}

	list := &cobra.Command{
		Use:   "list [patient-id]",
		Short: "List a patient's reminder jobs",
		Args:  cobra.ExactArgs(1),
		Run:   runJobsList,
	}

	add := &cobra.Command{
		Use:   "add [patient-id]",
		Short: "Schedule a one-off custom reminder",
		Args:  cobra.ExactArgs(1),
		Run:   runJobsAdd,
	}
	add.Flags().String("title", "", "Title (required)")
	add.Flags().String("message", "", "Message sent to the patient")
	add.Flags().String("at", "", "When, RFC 3339 (required)")
	add.MarkFlagRequired("title")
	add.MarkFlagRequired("at")

	rm := &cobra.Command{
		Use:   "rm [job-id]",
		Short: "Delete a reminder job",
		Args:  cobra.ExactArgs(1),
		Run:   runJobsRm,
	}

	sync := &cobra.Command{
		Use:   "sync [patient-id]",
		Short: "Register default check-ins, medication reminders and reports",
		Long:  "Without a patient id every patient is synced. Existing jobs keep their next firing.",
		Args:  cobra.MaximumNArgs(1),
		Run:   runJobsSync,
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Fire every due job once and exit",
		Run:   runJobsRun,
	}

	jobsCmd.AddCommand(list, add, rm, sync, run)
	RootCmd.AddCommand(jobsCmd)
}

func runJobsList(cmd *cobra.Command, args []string) {
	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	jobs, err := s.ListJobs(cmd.Context(), args[0])
	if err != nil {
		exitErr("jobs list", err)
	}
	if len(jobs) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(jobs)
}

func runJobsAdd(cmd *cobra.Command, args []string) {
	title, _ := cmd.Flags().GetString("title")
	message, _ := cmd.Flags().GetString("message")
	at, _ := cmd.Flags().GetString("at")

	when, err := time.Parse(time.RFC3339, at)
	if err != nil {
		exitErr("jobs add", fmt.Errorf("invalid --at: %w", err))
	}

	a := mustApp(cmd.Context(), true)
	defer a.close()

	j, err := a.scheduler.AddCustom(cmd.Context(), args[0], title, message, when)
	if err != nil {
		exitErr("jobs add", err)
	}
	printJSON(j)
}

func runJobsRm(cmd *cobra.Command, args []string) {
	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if err := s.DeleteJob(cmd.Context(), args[0]); err != nil {
		exitErr("jobs rm", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"job_id":%q}`+"\n", args[0])
}

func runJobsSync(cmd *cobra.Command, args []string) {
	a := mustApp(cmd.Context(), true)
	defer a.close()

	var n int
	var err error
	if len(args) == 1 {
		n, err = a.scheduler.SyncPatient(cmd.Context(), args[0])
	} else {
		n, err = a.scheduler.SyncAll(cmd.Context())
	}
	if err != nil {
		exitErr("jobs sync", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"written":%d}`+"\n", n)
}

func runJobsRun(cmd *cobra.Command, args []string) {
	a := mustApp(cmd.Context(), true)
	defer a.close()

	n, err := a.scheduler.Tick(cmd.Context())
	if err != nil {
		exitErr("jobs run", err)
	}
	a.scheduler.Wait()
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"fired":%d}`+"\n", n)
}
