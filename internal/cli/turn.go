package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/pipeline"
)

func init() {
	cmd := &cobra.Command{
		Use:   "turn [patient-id] [text]",
		Short: "Record and classify a conversation turn",
		Long: "Store one utterance, classify it against the patient's context and run the emergency check. " +
			"A detected emergency opens a case awaiting the patient's response (see respond).",
		Args: cobra.MinimumNArgs(2),
		Run:  runTurn,
	}

	cmd.Flags().StringP("speaker", "s", string(model.SpeakerPatient), "Speaker: patient or agent")

	RootCmd.AddCommand(cmd)
}

func runTurn(cmd *cobra.Command, args []string) {
	speaker, _ := cmd.Flags().GetString("speaker")

	a := mustApp(cmd.Context(), true)
	defer a.close()

	res, err := a.pipeline.ProcessSync(cmd.Context(), pipeline.Turn{
		PatientID: args[0],
		Speaker:   model.Speaker(speaker),
		Text:      strings.Join(args[1:], " "),
	})
	if err != nil && res.Turn.ID == "" {
		exitErr("turn", err)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	printJSON(res)
}
