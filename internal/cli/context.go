package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/care-companion/internal/aggregator"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context [patient-id]",
		Short: "Assemble the context a turn would be classified with",
		Long:  "Recent turns packed into a character budget, plus medications, upcoming reminders and personal events.",
		Args:  cobra.ExactArgs(1),
		Run:   runContext,
	}

	cmd.Flags().IntP("turns", "t", 0, "Max turns (default from config)")
	cmd.Flags().IntP("chars", "b", 0, "Max characters of turn text (default from config)")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	turns, _ := cmd.Flags().GetInt("turns")
	chars, _ := cmd.Flags().GetInt("chars")

	s, cfg, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	agg := aggregator.New(aggregator.Sources{
		Patients: s, Turns: s, Medications: s, Reminders: s, Events: s,
	}, contextOptions(cfg), newLogger(cfg, true))

	c, err := agg.BuildContext(cmd.Context(), args[0], turns, chars)
	if err != nil {
		exitErr("context", err)
	}
	printJSON(c)
}
