package session

import (
	"strings"
	"time"
)

// transcriptPrefixTokens bounds how much of a turn's opening is compared
// when checking whether the model is repeating its previous answer.
const transcriptPrefixTokens = 12

// transcriptTracker accumulates per-turn transcripts and detects the
// immediate-repeat failure mode where the model re-speaks the answer it just
// finished. A repeat is only suspected inside a short cooldown after a turn
// completes and is confirmed by token overlap of the turn openings; while a
// repeated turn is in flight its audio is suppressed.
type transcriptTracker struct {
	cooldown         time.Duration
	overlapThreshold float64
	now              func() time.Time

	user      string
	assistant string

	lastUser        string
	lastAssistant   string
	lastCompletedAt time.Time

	suppressing bool
}

func newTranscriptTracker(cooldown time.Duration, overlapThreshold float64, now func() time.Time) *transcriptTracker {
	if cooldown <= 0 {
		cooldown = 1500 * time.Millisecond
	}
	if overlapThreshold <= 0 || overlapThreshold > 1 {
		overlapThreshold = 0.70
	}
	if now == nil {
		now = time.Now
	}
	return &transcriptTracker{
		cooldown:         cooldown,
		overlapThreshold: overlapThreshold,
		now:              now,
	}
}

func (t *transcriptTracker) onInputTranscript(text string) {
	t.user = appendFragment(t.user, text)
}

func (t *transcriptTracker) onOutputTranscript(text string) {
	first := t.assistant == ""
	t.assistant = appendFragment(t.assistant, text)
	if !first || t.assistant == "" || t.lastAssistant == "" {
		return
	}
	if t.now().Sub(t.lastCompletedAt) > t.cooldown {
		return
	}
	overlap := tokenOverlap(startTokens(t.assistant), startTokens(t.lastAssistant))
	if overlap >= t.overlapThreshold {
		t.suppressing = true
	}
}

// suppressAudio reports whether the current audio frame must be dropped.
// Any audio inside the post-turn cooldown is dropped: a legitimate next
// answer needs fresh user speech first, so audio that fast is a replay of
// the turn that just finished. A turn confirmed as a repeat by transcript
// overlap stays muted past the cooldown.
func (t *transcriptTracker) suppressAudio() bool {
	if t.suppressing {
		return true
	}
	return !t.lastCompletedAt.IsZero() && t.now().Sub(t.lastCompletedAt) < t.cooldown
}

// suppressTurn reports whether the in-flight assistant turn was confirmed as
// a repeat of the previous answer; its transcripts are dropped too.
func (t *transcriptTracker) suppressTurn() bool {
	return t.suppressing
}

// onTurnComplete closes the current turn and returns its transcripts.
// Suppressed turns are reported so callers can skip archiving them; the
// previous completed answer stays the comparison baseline in that case.
func (t *transcriptTracker) onTurnComplete() (user, assistant string, suppressed bool) {
	user, assistant, suppressed = t.user, t.assistant, t.suppressing
	if user != "" {
		t.lastUser = user
	}
	if assistant != "" && !suppressed {
		t.lastAssistant = assistant
	}
	t.lastCompletedAt = t.now()
	t.user = ""
	t.assistant = ""
	t.suppressing = false
	return user, assistant, suppressed
}

// onInterrupted discards the cut-off assistant turn. User speech already
// transcribed is kept; it belongs to the turn now being formed.
func (t *transcriptTracker) onInterrupted() {
	t.assistant = ""
	t.suppressing = false
}

// lastUserUtterance is the most recent thing the user said, preferring the
// in-flight turn. Used to rebuild context as text when a tool call arrives
// uncorrelatable.
func (t *transcriptTracker) lastUserUtterance() string {
	if t.user != "" {
		return t.user
	}
	return t.lastUser
}

func appendFragment(acc, fragment string) string {
	fragment = normalizeSpace(fragment)
	if fragment == "" {
		return acc
	}
	if acc == "" {
		return fragment
	}
	return acc + " " + fragment
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func startTokens(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) > transcriptPrefixTokens {
		fields = fields[:transcriptPrefixTokens]
	}
	return fields
}

// tokenOverlap is the share of the smaller token set also present in the
// larger one. Sets, not sequences: word order and repetition do not matter.
func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, tok := range a {
		setA[tok] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, tok := range b {
		setB[tok] = struct{}{}
	}
	small, large := setA, setB
	if len(setB) < len(setA) {
		small, large = setB, setA
	}
	shared := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}
