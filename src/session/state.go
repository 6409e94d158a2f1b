package session

import "sync/atomic"

type State int32

const (
	Uninitialized State = iota
	Initializing
	Ready
	Predicting
	Propagating
)

var stateNames = [...]string{"UNINITIALIZED", "INITIALIZING", "READY", "PREDICTING", "PROPAGATING"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// stateCell mirrors the session state so it can be read without
// waiting for an in-flight mutation.
type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) load() State {
	return State(c.v.Load())
}

func (c *stateCell) store(s State) {
	c.v.Store(int32(s))
	observeState(s)
}
