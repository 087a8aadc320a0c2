package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/care-companion/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "respond [case-id] [self_resolve|contact_caregiver]",
		Short: "Answer the safety check of an open emergency case",
		Args:  cobra.ExactArgs(2),
		Run:   runRespond,
	}

	RootCmd.AddCommand(cmd)
}

func runRespond(cmd *cobra.Command, args []string) {
	a := mustApp(cmd.Context(), true)
	defer a.close()

	c, err := a.emergency.Respond(cmd.Context(), args[0], model.PatientChoice(args[1]))
	if err != nil {
		exitErr("respond", err)
	}
	// Contacting a caregiver escalates in the background; wait for the
	// alert so the printed case carries its final resolution.
	a.emergency.Wait()
	if final, err := a.store.GetCase(cmd.Context(), c.ID); err == nil {
		c = *final
	}
	printJSON(c)
}
