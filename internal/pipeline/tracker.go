package pipeline

import (
	"fmt"
	"sync"
)

type State int

const (
	StatePending State = iota
	StateFetching
	StateTransforming
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFetching:
		return "fetching"
	case StateTransforming:
		return "transforming"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool { return s == StateReady || s == StateFailed }

// Tracker follows one request through Pending, Fetching, Transforming and
// then Ready or Failed. States only move forward. A nil Tracker ignores
// every call.
type Tracker struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

func NewTracker(onChange func(from, to State)) *Tracker {
	return &Tracker{onChange: onChange}
}

func (t *Tracker) State() State {
	if t == nil {
		return StatePending
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Advance moves to a later state. Skipping ahead is allowed; going back or
// leaving a terminal state is not.
func (t *Tracker) Advance(to State) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	from := t.state
	switch {
	case from == to:
		t.mu.Unlock()
		return nil
	case from.Terminal():
		t.mu.Unlock()
		return fmt.Errorf("stage state %s is terminal, cannot move to %s", from, to)
	case to < from:
		t.mu.Unlock()
		return fmt.Errorf("stage state cannot move back from %s to %s", from, to)
	case to == StateReady && from != StateTransforming:
		t.mu.Unlock()
		return fmt.Errorf("stage state cannot become ready from %s", from)
	}
	t.state = to
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(from, to)
	}
	return nil
}

// Fail marks the request failed unless it already finished.
func (t *Tracker) Fail() {
	if t == nil {
		return
	}
	_ = t.Advance(StateFailed)
}
