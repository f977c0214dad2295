package scrape

var transitions = map[JobState][]JobState{
	StateQueued:            {StateProcessing, StateFailed},
	StateProcessing:        {StateCompleted, StateFailed, StateWaitingForCaptcha, StateQueued},
	StateWaitingForCaptcha: {StateProcessing, StateFailed},
}

// CanTransition reports whether from -> to is an edge of the job state graph.
// Terminal states have no outgoing edges.
func CanTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidPath reports whether states forms a walk through the graph starting at Queued.
func ValidPath(states []JobState) bool {
	if len(states) == 0 || states[0] != StateQueued {
		return false
	}
	for i := 1; i < len(states); i++ {
		if !CanTransition(states[i-1], states[i]) {
			return false
		}
	}
	return true
}
