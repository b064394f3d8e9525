package machine

import (
	"slices"
	"time"
)

// Transition describes a single resolved transition, passed to tracers.
type Transition struct {
	Machine *Machine
	// Kind of the selected rule.
	Kind RuleKind
	// From is the state before the transition.
	From State
	// To is the state after the transition.
	To State
	// Event which caused the transition, nil for spontaneous ones.
	Event *Event
	// Reenters is false for internal transitions, which only run the rule's
	// effect.
	Reenters bool
	// Spontaneous is true for "always" rules.
	Spontaneous bool
	// Start is the time when the transition started.
	Start time.Time
	// QueueLen is the number of events waiting when the transition started.
	QueueLen int
}

// Tracer observes the lifecycle of a machine. Tracers are called
// synchronously, from within a step.
type Tracer interface {
	// MachineInit is called once, when the tracer gets bound.
	MachineInit(mach *Machine)
	MachineStart(mach *Machine)
	MachineStop(mach *Machine)
	EventQueued(mach *Machine, ev Event)
	// EventDropped is called for events discarded by a stopped machine, or
	// without any matching rule.
	EventDropped(mach *Machine, ev Event)
	TransitionStart(tx *Transition)
	TransitionEnd(tx *Transition)
	// QueueEnd is called when the machine becomes idle.
	QueueEnd(mach *Machine)
}

// NoOpTracer is a no-op implementation of Tracer, used for embedding.
type NoOpTracer struct{}

func (t *NoOpTracer) MachineInit(mach *Machine)            {}
func (t *NoOpTracer) MachineStart(mach *Machine)           {}
func (t *NoOpTracer) MachineStop(mach *Machine)            {}
func (t *NoOpTracer) EventQueued(mach *Machine, ev Event)  {}
func (t *NoOpTracer) EventDropped(mach *Machine, ev Event) {}
func (t *NoOpTracer) TransitionStart(tx *Transition)       {}
func (t *NoOpTracer) TransitionEnd(tx *Transition)         {}
func (t *NoOpTracer) QueueEnd(mach *Machine)               {}

var _ Tracer = &NoOpTracer{}

// BindTracer binds a tracer to the machine.
func (m *Machine) BindTracer(tracer Tracer) {
	m.tracersMx.Lock()
	m.tracers = append(m.tracers, tracer)
	m.tracersMx.Unlock()

	tracer.MachineInit(m)
}

// DetachTracer removes a previously bound tracer. Returns false if the tracer
// wasn't bound.
func (m *Machine) DetachTracer(tracer Tracer) bool {
	m.tracersMx.Lock()
	defer m.tracersMx.Unlock()

	idx := slices.Index(m.tracers, tracer)
	if idx == -1 {
		return false
	}
	m.tracers = slices.Delete(slices.Clone(m.tracers), idx, idx+1)

	return true
}

// Tracers returns a copy of the bound tracers.
func (m *Machine) Tracers() []Tracer {
	m.tracersMx.RLock()
	defer m.tracersMx.RUnlock()

	return slices.Clone(m.tracers)
}

func (m *Machine) trace(fn func(t Tracer)) {
	for _, t := range m.Tracers() {
		fn(t)
	}
}
