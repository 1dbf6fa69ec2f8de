package graph

// AgentStatus is the lifecycle state of an Agent node.
//
// The status machine:
//
//	Active <-> Idle <-> Busy
//	any -> Paused -> Active | Idle
//	any -> Terminated (terminal)
//
// Illegal transitions fail with InvalidTransitionError and leave the agent
// unchanged.
type AgentStatus string

const (
	AgentActive     AgentStatus = "Active"
	AgentIdle       AgentStatus = "Idle"
	AgentBusy       AgentStatus = "Busy"
	AgentPaused     AgentStatus = "Paused"
	AgentTerminated AgentStatus = "Terminated"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentIdle, AgentBusy, AgentPaused, AgentTerminated:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s AgentStatus) Terminal() bool { return s == AgentTerminated }

var agentTransitions = map[AgentStatus]map[AgentStatus]struct{}{
	AgentActive: {
		AgentIdle:       {},
		AgentPaused:     {},
		AgentTerminated: {},
	},
	AgentIdle: {
		AgentActive:     {},
		AgentBusy:       {},
		AgentPaused:     {},
		AgentTerminated: {},
	},
	AgentBusy: {
		AgentIdle:       {},
		AgentPaused:     {},
		AgentTerminated: {},
	},
	AgentPaused: {
		AgentActive:     {},
		AgentIdle:       {},
		AgentTerminated: {},
	},
	AgentTerminated: {},
}

// CheckTransition validates an agent status transition. Returns a
// *InvalidTransitionError when the move is not allowed.
func CheckTransition(from, to AgentStatus) error {
	allowed, ok := agentTransitions[from]
	if !ok {
		return &InvalidTransitionError{From: from, To: to}
	}
	if _, ok := allowed[to]; !ok {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
