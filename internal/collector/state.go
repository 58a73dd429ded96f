package collector

// State is a step of a collection attempt.
type State string

// Collection attempt states. CLEANED is terminal and always reached.
const (
	StateInit          State = "INIT"
	StateFetching      State = "FETCHING"
	StateSkipped       State = "SKIPPED"
	StateFetched       State = "FETCHED"
	StatePostProcessed State = "POSTPROCESSED"
	StateStored        State = "STORED"
	StatePublished     State = "PUBLISHED"
	StateCleaned       State = "CLEANED"
)

var transitions = map[State][]State{
	StateInit:          {StateFetching},
	StateFetching:      {StateSkipped, StateFetched},
	StateFetched:       {StatePostProcessed},
	StatePostProcessed: {StateStored},
	StateStored:        {StatePublished},
}

// CanTransition reports whether from → to is a legal step. Every non-terminal state may move
// to CLEANED.
func CanTransition(from, to State) bool {
	if from == StateCleaned {
		return false
	}
	if to == StateCleaned {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
