package agent

import "testing"

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		valid    bool
	}{
		{StateIdle, StateAwaitingModel, true},
		{StateAwaitingModel, StateDispatchingTools, true},
		{StateDispatchingTools, StateAwaitingModel, true},
		{StateAwaitingModel, StateFinalizing, true},
		{StateDispatchingTools, StateFinalizing, true},
		{StateFinalizing, StateDone, true},
		{StateAwaitingModel, StateErrored, true},
		{StateIdle, StateDispatchingTools, false},
		{StateIdle, StateDone, false},
		{StateDone, StateAwaitingModel, false},
		{StateErrored, StateDone, false},
		{StateFinalizing, StateAwaitingModel, false},
	}
	for _, tt := range tests {
		if got := validTransition(tt.from, tt.to); got != tt.valid {
			t.Errorf("validTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:             "idle",
		StateAwaitingModel:    "awaiting_model",
		StateDispatchingTools: "dispatching_tools",
		StateFinalizing:       "finalizing",
		StateDone:             "done",
		StateErrored:          "errored",
		State(42):             "unknown",
	} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
	if !StateDone.Terminal() || !StateErrored.Terminal() || StateFinalizing.Terminal() {
		t.Error("Terminal misreports")
	}
}
