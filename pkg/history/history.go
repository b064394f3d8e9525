// Package history provides a basic transition history tracker for machines,
// along with some utilities to query and export the log.
package history

import (
	"io"
	"slices"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	am "github.com/pancsta/asyncfsm/pkg/machine"
)

// DefaultMaxEntries is the default size of the history log.
const DefaultMaxEntries = 1000

// Entry is a single transition, without any state or event data.
type Entry struct {
	// From is the name of the previous state.
	From string `msgpack:"from"`
	// To is the name of the next state.
	To string `msgpack:"to"`
	// Event type, empty for spontaneous transitions.
	Event string `msgpack:"event,omitempty"`
	// Kind of the rule, see [am.KindEnum].
	Kind string `msgpack:"kind"`
	// Spontaneous is true for "always" rules.
	Spontaneous bool `msgpack:"spontaneous,omitempty"`
	// Time is the real time of the transition.
	Time time.Time `msgpack:"time"`
}

// NewEntry creates an Entry from a transition.
func NewEntry(tx *am.Transition) Entry {
	e := Entry{
		From:        tx.From.Name,
		To:          tx.To.Name,
		Kind:        tx.Kind.String(),
		Spontaneous: tx.Spontaneous,
		Time:        tx.Start,
	}
	if tx.Event != nil {
		e.Event = tx.Event.Type
	}

	return e
}

// Matches returns true if the entry touches any of [states]. Nil [states]
// match everything.
func (e Entry) Matches(states am.S) bool {
	if states == nil {
		return true
	}

	return slices.Contains(states, e.From) || slices.Contains(states, e.To)
}

type History struct {
	am.NoOpTracer

	// LastEntered is a map of state names to the last time they were entered.
	// Read via [History.EnteredRecently].
	LastEntered map[string]time.Time
	// tracked states, nil means all
	States am.S

	mx         sync.Mutex
	entries    []Entry
	maxEntries int
	mach       *am.Machine
	unsub      func()
}

func (h *History) TransitionEnd(tx *am.Transition) {
	// internal transitions don't change the state
	if !tx.Reenters {
		return
	}
	entry := NewEntry(tx)
	if !entry.Matches(h.States) {
		return
	}

	h.mx.Lock()
	defer h.mx.Unlock()

	// rotate
	if len(h.entries) >= h.maxEntries {
		cutFrom := len(h.entries) - h.maxEntries + 1
		h.entries = slices.Clone(h.entries[cutFrom:])
	}
	h.entries = append(h.entries, entry)
}

// entered is a subscriber marking entered states.
func (h *History) entered(state am.State, _ *am.Event) {
	if h.States != nil && !slices.Contains(h.States, state.Name) {
		return
	}

	h.mx.Lock()
	defer h.mx.Unlock()
	h.LastEntered[state.Name] = time.Now()
}

// Entries returns a copy of all the entries.
func (h *History) Entries() []Entry {
	h.mx.Lock()
	defer h.mx.Unlock()

	return slices.Clone(h.entries)
}

// Last returns up to [n] most recent entries, oldest first.
func (h *History) Last(n int) []Entry {
	h.mx.Lock()
	defer h.mx.Unlock()

	if n > len(h.entries) {
		n = len(h.entries)
	}

	return slices.Clone(h.entries[len(h.entries)-n:])
}

// EnteredRecently returns true if the state was entered within the last
// duration.
func (h *History) EnteredRecently(state string, duration time.Duration) bool {
	h.mx.Lock()
	defer h.mx.Unlock()
	last, ok := h.LastEntered[state]
	if !ok {
		return false
	}
	return time.Since(last) < duration
}

// Dump writes all the entries to [w], encoded with msgpack.
func (h *History) Dump(w io.Writer) error {
	return msgpack.NewEncoder(w).Encode(h.Entries())
}

// Close stops tracking the machine.
func (h *History) Close() {
	h.mach.DetachTracer(h)
	h.unsub()
}

// Load decodes entries written by [History.Dump].
func Load(r io.Reader) ([]Entry, error) {
	var entries []Entry
	if err := msgpack.NewDecoder(r).Decode(&entries); err != nil {
		return nil, err
	}

	return entries, nil
}

// Track creates a new history tracer for the given machine and states. Nil
// [states] tracks all the states.
// maxEntries: the maximum number of entries to keep in the history, 0 for
// default.
func Track(mach *am.Machine, states am.S, maxEntries int) *History {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	history := &History{
		LastEntered: map[string]time.Time{},
		States:      states,
		maxEntries:  maxEntries,
		mach:        mach,
	}
	mach.BindTracer(history)
	// marks the current state right away
	history.unsub = mach.Subscribe(history.entered)

	return history
}
