package session

// activityState is the coarse conversational state surfaced to the client UI.
type activityState int

const (
	activityIdle activityState = iota
	activityListening
	activityThinking
	activitySpeaking
)

func (s activityState) String() string {
	switch s {
	case activityListening:
		return "listening"
	case activityThinking:
		return "thinking"
	case activitySpeaking:
		return "speaking"
	default:
		return "idle"
	}
}

// activityTracker collapses upstream events into state transitions. Only
// transitions are reported so the client is not flooded with repeats.
type activityTracker struct {
	state activityState
}

func (t *activityTracker) observe(next activityState) (activityState, bool) {
	if next == t.state {
		return t.state, false
	}
	t.state = next
	return next, true
}

func (t *activityTracker) current() activityState {
	return t.state
}
