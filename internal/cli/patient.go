package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/store"
)

func init() {
	patientCmd := &cobra.Command{
		Use:   "patient",
		Short: "Manage patients",
	}

	add := &cobra.Command{
		Use:   "add [id]",
		Short: "Create or update a patient",
		Args:  cobra.MaximumNArgs(1),
		Run:   runPatientAdd,
	}
	add.Flags().String("name", "", "Display name (required)")
	add.Flags().String("tz", "", "IANA timezone for reminders, e.g. America/Los_Angeles")
	add.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List patients",
		Run:   runPatientList,
	}

	patientCmd.AddCommand(add, list)

	caregiverCmd := &cobra.Command{
		Use:   "caregiver",
		Short: "Manage caregivers",
	}
	cgAdd := &cobra.Command{
		Use:   "add [id]",
		Short: "Create or update a caregiver and their alert channels",
		Args:  cobra.MaximumNArgs(1),
		Run:   runCaregiverAdd,
	}
	cgAdd.Flags().String("name", "", "Display name (required)")
	cgAdd.Flags().String("telegram", "", "Telegram chat id")
	cgAdd.Flags().Bool("app", true, "Deliver to the in-app inbox")
	cgAdd.MarkFlagRequired("name")
	caregiverCmd.AddCommand(cgAdd)

	assign := &cobra.Command{
		Use:   "assign [caregiver-id] [patient-id]",
		Short: "Make a caregiver an alert recipient for a patient",
		Args:  cobra.ExactArgs(2),
		Run:   runAssign,
	}
	assign.Flags().StringP("relationship", "r", "", "e.g. daughter, nurse")

	RootCmd.AddCommand(patientCmd, caregiverCmd, assign)
}

func runPatientAdd(cmd *cobra.Command, args []string) {
	name, _ := cmd.Flags().GetString("name")
	tz, _ := cmd.Flags().GetString("tz")
	var id string
	if len(args) > 0 {
		id = args[0]
	}

	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	p, err := s.PutPatient(cmd.Context(), store.PutPatientParams{ID: id, Name: name, Timezone: tz})
	if err != nil {
		exitErr("patient add", err)
	}
	printJSON(p)
}

func runPatientList(cmd *cobra.Command, args []string) {
	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	patients, err := s.ListPatients(cmd.Context())
	if err != nil {
		exitErr("patient list", err)
	}
	if len(patients) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(patients)
}

func runCaregiverAdd(cmd *cobra.Command, args []string) {
	name, _ := cmd.Flags().GetString("name")
	telegram, _ := cmd.Flags().GetString("telegram")
	inApp, _ := cmd.Flags().GetBool("app")

	var id string
	if len(args) > 0 {
		id = args[0]
	}

	var channels []model.ChannelAddress
	if chat := strings.TrimSpace(telegram); chat != "" {
		channels = append(channels, model.ChannelAddress{Channel: model.ChannelTelegram, Address: chat})
	}

	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	cg, err := s.PutCaregiver(cmd.Context(), store.PutCaregiverParams{ID: id, Name: name, Channels: channels})
	if err != nil {
		exitErr("caregiver add", err)
	}
	if inApp {
		// The inbox is addressed by caregiver id, known only after insert.
		cg, err = s.PutCaregiver(cmd.Context(), store.PutCaregiverParams{
			ID:       cg.ID,
			Name:     name,
			Channels: append(channels, model.ChannelAddress{Channel: model.ChannelApp, Address: cg.ID}),
		})
		if err != nil {
			exitErr("caregiver add", err)
		}
	}
	printJSON(cg)
}

func runAssign(cmd *cobra.Command, args []string) {
	relationship, _ := cmd.Flags().GetString("relationship")

	s, _, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if err := s.Assign(cmd.Context(), args[0], args[1], relationship); err != nil {
		exitErr("assign", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"caregiver_id":%q,"patient_id":%q}`+"\n", args[0], args[1])
}
