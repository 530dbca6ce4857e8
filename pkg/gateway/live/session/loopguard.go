package session

// loopGuard counts byte-identical tool-call payloads within one upstream
// session. Fingerprint dedup keeps a looping model from re-executing a tool,
// but it cannot stop the model from burning the turn re-emitting the same
// call forever; once the threshold is crossed the session proxy replaces the
// upstream session entirely.
type loopGuard struct {
	threshold int
	counts    map[string]int
}

func newLoopGuard(threshold int) *loopGuard {
	if threshold <= 0 {
		threshold = 3
	}
	return &loopGuard{
		threshold: threshold,
		counts:    make(map[string]int),
	}
}

// observe records one payload and reports whether the loop threshold was
// crossed. With threshold 3 the fourth identical payload trips.
func (g *loopGuard) observe(key string) bool {
	g.counts[key]++
	return g.counts[key] > g.threshold
}

// reset clears all counters. Called after a recovery reconnect; the fresh
// upstream session starts with a clean slate.
func (g *loopGuard) reset() {
	g.counts = make(map[string]int)
}
