package latency

import "time"

// Hint is a latency figure known before any probe runs, such as one
// reported by the platform's network information.
type Hint struct {
	RTT time.Duration
}

// HintProvider reports a latency hint, if the platform supports one.
type HintProvider interface {
	Hint() (Hint, bool)
}

// Unsupported is a HintProvider for platforms without latency hints.
type Unsupported struct{}

// Hint always reports false.
func (Unsupported) Hint() (Hint, bool) {
	return Hint{}, false
}

// StaticHint reports a fixed RTT. A non-positive RTT is unsupported.
type StaticHint struct {
	RTT time.Duration
}

// Hint returns the configured RTT.
func (s StaticHint) Hint() (Hint, bool) {
	if s.RTT <= 0 {
		return Hint{}, false
	}
	return Hint{RTT: s.RTT}, true
}
