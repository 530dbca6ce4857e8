package session

import (
	"testing"
	"time"
)

func newTestTranscriptTracker(now *time.Time) *transcriptTracker {
	return newTranscriptTracker(0, 0, func() time.Time { return *now })
}

func TestTranscriptTracker_AccumulatesTurn(t *testing.T) {
	now := time.Now()
	tr := newTestTranscriptTracker(&now)

	tr.onInputTranscript("remind me to ")
	tr.onInputTranscript(" call mom")
	tr.onOutputTranscript("Done, I created")
	tr.onOutputTranscript("the task.")

	user, assistant, suppressed := tr.onTurnComplete()
	if user != "remind me to call mom" {
		t.Fatalf("user transcript = %q", user)
	}
	if assistant != "Done, I created the task." {
		t.Fatalf("assistant transcript = %q", assistant)
	}
	if suppressed {
		t.Fatalf("normal turn must not be suppressed")
	}
	if tr.lastUserUtterance() != "remind me to call mom" {
		t.Fatalf("last utterance not retained: %q", tr.lastUserUtterance())
	}
}

func TestTranscriptTracker_SuppressesImmediateRepeat(t *testing.T) {
	now := time.Now()
	tr := newTestTranscriptTracker(&now)

	tr.onOutputTranscript("I added call mom to your task list for tomorrow morning")
	tr.onTurnComplete()

	// Same opening again, half a second later.
	now = now.Add(500 * time.Millisecond)
	tr.onOutputTranscript("I added call mom to your task list for tomorrow")
	if !tr.suppressAudio() {
		t.Fatalf("near-identical turn inside the cooldown must be suppressed")
	}

	_, _, suppressed := tr.onTurnComplete()
	if !suppressed {
		t.Fatalf("turn completion must report the suppression")
	}
	if tr.suppressTurn() {
		t.Fatalf("turn suppression must clear at turn boundary")
	}
}

func TestTranscriptTracker_CooldownDropsEarlyAudio(t *testing.T) {
	now := time.Now()
	tr := newTestTranscriptTracker(&now)

	tr.onOutputTranscript("I added call mom to your task list")
	tr.onTurnComplete()

	// Audio often leads its transcription; inside the cooldown it is
	// dropped even before any transcript fragment arrives.
	now = now.Add(500 * time.Millisecond)
	if !tr.suppressAudio() {
		t.Fatalf("audio inside the cooldown must be dropped")
	}

	now = now.Add(2 * time.Second)
	if tr.suppressAudio() {
		t.Fatalf("audio after the cooldown must play")
	}
}

func TestTranscriptTracker_NoSuppressionAfterCooldown(t *testing.T) {
	now := time.Now()
	tr := newTestTranscriptTracker(&now)

	tr.onOutputTranscript("I added call mom to your task list")
	tr.onTurnComplete()

	now = now.Add(3 * time.Second)
	tr.onOutputTranscript("I added call mom to your task list")
	if tr.suppressAudio() {
		t.Fatalf("repeat outside the cooldown is a legitimate answer")
	}
}

func TestTranscriptTracker_DistinctAnswerNotSuppressed(t *testing.T) {
	now := time.Now()
	tr := newTestTranscriptTracker(&now)

	tr.onOutputTranscript("I added call mom to your task list")
	tr.onTurnComplete()

	// A different answer inside the cooldown still loses its earliest
	// audio, but the turn itself is not a repeat: transcripts flow and
	// audio resumes once the cooldown expires.
	now = now.Add(200 * time.Millisecond)
	tr.onOutputTranscript("Your next event is standup at nine tomorrow")
	if tr.suppressTurn() {
		t.Fatalf("different answer must not be treated as a repeat")
	}
	if !tr.suppressAudio() {
		t.Fatalf("audio inside the cooldown is still dropped")
	}

	now = now.Add(2 * time.Second)
	if tr.suppressAudio() {
		t.Fatalf("audio must resume after the cooldown")
	}
}

func TestTranscriptTracker_InterruptDropsAssistantTurn(t *testing.T) {
	now := time.Now()
	tr := newTestTranscriptTracker(&now)

	tr.onInputTranscript("what's on my calendar")
	tr.onOutputTranscript("You have three events")
	tr.onInterrupted()

	user, assistant, _ := tr.onTurnComplete()
	if assistant != "" {
		t.Fatalf("interrupted assistant speech must be dropped, got %q", assistant)
	}
	if user != "what's on my calendar" {
		t.Fatalf("user transcript must survive the interrupt, got %q", user)
	}
}

func TestTokenOverlap(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"call mom tomorrow", "call mom tomorrow", 1.0},
		{"call mom", "email dad", 0.0},
		{"add call mom to list", "please add call mom to list", 1.0},
	}
	for _, tc := range cases {
		got := tokenOverlap(startTokens(tc.a), startTokens(tc.b))
		if got != tc.want {
			t.Fatalf("tokenOverlap(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
	if tokenOverlap(nil, startTokens("x")) != 0 {
		t.Fatalf("empty set overlap must be zero")
	}
}

func TestNormalizeSpace(t *testing.T) {
	if got := normalizeSpace("  a \t b\n c "); got != "a b c" {
		t.Fatalf("normalizeSpace = %q", got)
	}
}
