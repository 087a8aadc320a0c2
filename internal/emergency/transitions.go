package emergency

import (
	"slices"

	"github.com/rcliao/care-companion/internal/model"
)

// transitions lists the valid next states for each case state. Idle is
// implicit: a machine with no current case is idle.
var transitions = map[model.CaseState][]model.CaseState{
	model.StateIdle:                  {model.StateDetected},
	model.StateDetected:              {model.StateAwaitingPatientAction},
	model.StateAwaitingPatientAction: {model.StateResolved, model.StateEscalated},
	model.StateEscalated:             {model.StateResolved},
	model.StateResolved:              {model.StateIdle},
}

// CanTransition reports whether a case may move from one state to another.
func CanTransition(from, to model.CaseState) bool {
	return slices.Contains(transitions[from], to)
}

// IsTerminal reports whether a case in state s is finished.
func IsTerminal(s model.CaseState) bool {
	return s == model.StateResolved
}

// awaitingAction reports whether a case still waits on the patient.
func awaitingAction(s model.CaseState) bool {
	return s == model.StateDetected || s == model.StateAwaitingPatientAction
}
