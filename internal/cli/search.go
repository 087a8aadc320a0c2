package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search conversation history by keyword",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().StringP("patient", "p", "", "Filter by patient")
	cmd.Flags().String("speaker", "", "Filter by speaker")
	cmd.Flags().String("severity", "", "Filter by classified severity")
	cmd.Flags().IntP("limit", "l", 20, "Max results")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	patient, _ := cmd.Flags().GetString("patient")
	speaker, _ := cmd.Flags().GetString("speaker")
	severity, _ := cmd.Flags().GetString("severity")
	limit, _ := cmd.Flags().GetInt("limit")

	var sev model.Severity
	if severity != "" {
		var err error
		if sev, err = model.ParseSeverity(severity); err != nil {
			exitErr("search", err)
		}
	}

	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	results, err := s.SearchTurns(cmd.Context(), store.SearchParams{
		PatientID: patient,
		Query:     strings.Join(args, " "),
		Speaker:   model.Speaker(speaker),
		Severity:  sev,
		Limit:     limit,
	})
	if err != nil {
		exitErr("search", err)
	}

	if len(results) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(results)
}
