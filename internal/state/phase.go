package state

// Phase is one of the five consensus phases from §3/§4.2.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseProposing  Phase = "PROPOSING"
	PhaseVoting     Phase = "VOTING"
	PhaseCommitting Phase = "COMMITTING"
	PhaseRecovering Phase = "RECOVERING"
)

// adjacency encodes the fixed transition diagram from §4.2. A transition not
// listed here is illegal and rejected by Store.TransitionPhase.
var adjacency = map[Phase]map[Phase]bool{
	PhaseRecovering: {PhaseIdle: true},
	PhaseIdle:       {PhaseProposing: true, PhaseVoting: true, PhaseRecovering: true},
	PhaseProposing:  {PhaseCommitting: true, PhaseIdle: true, PhaseRecovering: true},
	PhaseVoting:     {PhaseIdle: true, PhaseRecovering: true},
	PhaseCommitting: {PhaseIdle: true, PhaseRecovering: true},
}

func (p Phase) canTransitionTo(to Phase) bool {
	allowed, ok := adjacency[p]
	if !ok {
		return false
	}
	return allowed[to]
}
