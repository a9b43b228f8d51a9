package runner

// state enumerates the phases of one pass over a feed item. The loop is
// a plain state machine so every transition has a single place to live.
type state int

const (
	stateTabbing state = iota
	stateItemDetected
	stateDedupSkip
	stateDeciding
	stateActing
	stateCooling
	stateAdvancing
)

func (s state) String() string {
	switch s {
	case stateTabbing:
		return "tabbing"
	case stateItemDetected:
		return "item-detected"
	case stateDedupSkip:
		return "deduplicated-skip"
	case stateDeciding:
		return "deciding"
	case stateActing:
		return "acting"
	case stateCooling:
		return "cooling-down"
	case stateAdvancing:
		return "advancing"
	default:
		return "unknown"
	}
}

// afterDetection routes a freshly detected item. Items already in the
// dedup set are skipped without re-deciding; a negative verdict from an
// earlier pass stays final because the item stays in the set.
func afterDetection(alreadySeen, optimizeMode bool) state {
	if alreadySeen {
		return stateDedupSkip
	}
	if optimizeMode {
		return stateDeciding
	}
	return stateActing
}

func afterDecision(act bool) state {
	if act {
		return stateActing
	}
	return stateAdvancing
}

// afterAct skips the cool-down when the act failed so a broken item does
// not inherit the full engagement pacing.
func afterAct(succeeded bool) state {
	if succeeded {
		return stateCooling
	}
	return stateAdvancing
}
