package transcript

import (
	"fmt"
	"slices"
)

// State is the lifecycle position of one open transcript.
type State string

const (
	// Idle: constructed, nothing fetched yet.
	Idle State = "IDLE"
	// Loading: bulk fetch in flight; live events buffer meanwhile.
	Loading State = "LOADING"
	// Live: bulk load applied, change feed being merged.
	Live State = "LIVE"
	// Closed: feed unsubscribed, local state discarded. Terminal.
	Closed State = "CLOSED"
)

var validTransitions = map[State][]State{
	Idle:    {Loading, Closed},
	Loading: {Live, Closed},
	Live:    {Closed},
	Closed:  {},
}

// transition moves the transcript to a new state. Callers hold t.mu.
func (t *Transcript) transition(to State) error {
	if !slices.Contains(validTransitions[t.state], to) {
		return fmt.Errorf("invalid transcript transition from %s to %s", t.state, to)
	}
	from := t.state
	t.state = to
	t.publishState(string(from), string(to))
	return nil
}
