package pipeline

// State is a step of the per-query state machine.
type State int

const (
	Retrieving State = iota
	Restoring
	Generating
	Verifying
	Feedback
	Done
	Failed
)

var stateNames = [...]string{"retrieving", "restoring", "generating", "verifying", "feedback", "done", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == Done || s == Failed }

// Action is the side effect the orchestrator performs on a transition.
type Action int

const (
	// Continue runs the next stage.
	Continue Action = iota
	// Retry feeds the failing claims back as restoration seeds.
	Retry
	// Accept finishes with the verified answer.
	Accept
	// GiveUp finishes with the best attempt, flagged low confidence.
	GiveUp
	// Abort finishes with the stage error.
	Abort
)

var actionNames = [...]string{"continue", "retry", "accept", "give_up", "abort"}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return "unknown"
	}
	return actionNames[a]
}

// outcome is what a stage reports to the state machine.
type outcome struct {
	err    error
	passed bool
	// rounds is the number of feedback rounds already taken; bound the
	// maximum allowed.
	rounds int
	bound  int
}

// next is the transition function. It has no side effects.
func next(s State, o outcome) (State, Action) {
	if o.err != nil {
		return Failed, Abort
	}
	switch s {
	case Retrieving:
		return Restoring, Continue
	case Restoring:
		return Generating, Continue
	case Generating:
		return Verifying, Continue
	case Verifying:
		switch {
		case o.passed:
			return Done, Accept
		case o.rounds < o.bound:
			return Feedback, Retry
		default:
			return Done, GiveUp
		}
	case Feedback:
		return Restoring, Continue
	}
	return s, Abort
}
