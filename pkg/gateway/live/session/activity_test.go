package session

import "testing"

func TestActivityTracker_ReportsOnlyTransitions(t *testing.T) {
	var tr activityTracker
	if tr.current() != activityIdle {
		t.Fatalf("tracker must start idle")
	}

	state, changed := tr.observe(activityListening)
	if !changed || state != activityListening {
		t.Fatalf("idle -> listening must report a transition")
	}
	if _, changed := tr.observe(activityListening); changed {
		t.Fatalf("repeated state must not report")
	}
	if state, changed := tr.observe(activitySpeaking); !changed || state != activitySpeaking {
		t.Fatalf("listening -> speaking must report")
	}
}

func TestActivityState_Strings(t *testing.T) {
	cases := map[activityState]string{
		activityIdle:      "idle",
		activityListening: "listening",
		activityThinking:  "thinking",
		activitySpeaking:  "speaking",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("String(%d) = %q, want %q", state, got, want)
		}
	}
}
