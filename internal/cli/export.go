package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export [patient-id]",
		Short: "Export a patient's history as JSON",
		Long:  "Export conversation turns with their classifications, medications, events and cases.",
		Args:  cobra.ExactArgs(1),
		Run:   runExport,
	}

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	exp, err := s.ExportPatient(cmd.Context(), args[0])
	if err != nil {
		exitErr("export", err)
	}
	printJSON(exp)
}
