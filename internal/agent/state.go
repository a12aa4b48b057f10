package agent

// State is a run's position in the agent state machine:
//
//	Idle → AwaitingModel → DispatchingTools → AwaitingModel … → Finalizing → Done
//
// with Errored as the failure terminal.
type State int32

// Run states.
const (
	StateIdle State = iota
	StateAwaitingModel
	StateDispatchingTools
	StateFinalizing
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateDispatchingTools:
		return "dispatching_tools"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored
}

// validTransition lists the edges of the state machine.
func validTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateAwaitingModel || to == StateErrored
	case StateAwaitingModel:
		return to == StateDispatchingTools || to == StateFinalizing || to == StateErrored
	case StateDispatchingTools:
		return to == StateAwaitingModel || to == StateFinalizing || to == StateErrored
	case StateFinalizing:
		return to == StateDone || to == StateErrored
	}
	return false
}
