// Package section drives written sections through verification and repair
// until every section is verified or the round budget runs out.
package section

import (
	"errors"
	"fmt"
	"sync"
)

// State is a section's position in the write/verify/repair cycle.
type State int

const (
	Unwritten State = iota
	Written
	RepairPending
	Verified
)

func (s State) String() string {
	switch s {
	case Unwritten:
		return "unwritten"
	case Written:
		return "written"
	case RepairPending:
		return "repair_pending"
	case Verified:
		return "verified"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition is returned for a transition the cycle does not allow.
var ErrInvalidTransition = errors.New("invalid section transition")

var transitions = map[State][]State{
	Unwritten:     {Written},
	Written:       {Verified, RepairPending},
	RepairPending: {Written},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Tracker records the state and latest content of each section. It is safe
// for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	states  map[int]State
	content map[int]string
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: map[int]State{}, content: map[int]string{}}
}

// State returns the state of section id; unknown sections are Unwritten.
func (t *Tracker) State(id int) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[id]
}

// Content returns the latest content recorded for id.
func (t *Tracker) Content(id int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.content[id]
}

// Seed sets a section's state directly, for sections restored from cache.
func (t *Tracker) Seed(id int, s State, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[id] = s
	t.content[id] = content
}

// Transition moves id to the next state. A non-empty content replaces the
// recorded content.
func (t *Tracker) Transition(id int, to State, content string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	from := t.states[id]
	if !allowed(from, to) {
		return fmt.Errorf("%w: section %d %s -> %s", ErrInvalidTransition, id, from, to)
	}
	t.states[id] = to
	if content != "" {
		t.content[id] = content
	}
	return nil
}

// Count returns how many tracked sections are in state s.
func (t *Tracker) Count(s State) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, st := range t.states {
		if st == s {
			n++
		}
	}
	return n
}
