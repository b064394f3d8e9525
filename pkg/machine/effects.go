package machine

// Effect is passed to every EffectFn.
type Effect struct {
	Machine *Machine
	// Name of the effect, eg "enter", "exit", "transition", "start", "stop".
	Name string
	// State is the state this effect is about. For transition effects it's the
	// next state.
	State State
	// From is the previous state, for transition effects only.
	From *State
	// To is the next state, for transition effects only.
	To *State
	// Event that caused the effect, nil for spontaneous transitions and
	// lifecycle effects.
	Event *Event
}

// Send sends an event from within an effect. Unlike [Machine.Send], it never
// fails: events sent while the machine is stopped or stopping get dropped.
func (e *Effect) Send(ev Event) Result {
	return e.Machine.send(ev, true)
}

// cleanupSlot holds a durable cleanup until its scope closes.
type cleanupSlot struct {
	// scope name, for logs
	scope string
	fn    Cleanup
}

// set stores a new cleanup. Any previous one is expected to be released.
func (s *cleanupSlot) set(fn Cleanup) {
	s.fn = fn
}

// release calls and clears the stored cleanup. Returns false when empty.
func (s *cleanupSlot) release() bool {
	fn := s.fn
	if fn == nil {
		return false
	}
	// clear before calling, so a re-entrant release won't run it twice
	s.fn = nil
	fn()

	return true
}

// runTransient runs an effect and calls its cleanup right away.
func (m *Machine) runTransient(fn EffectFn, e *Effect) {
	if fn == nil {
		return
	}
	m.log(LogEverything, "[effect:%s] %s", e.Name, e.State.Name)

	if cleanup := fn(e); cleanup != nil {
		m.log(LogEverything, "[cleanup:%s] %s", e.Name, e.State.Name)
		cleanup()
	}
}

// runDurable runs an effect and keeps its cleanup in [slot].
func (m *Machine) runDurable(fn EffectFn, e *Effect, slot *cleanupSlot) {
	if fn == nil {
		return
	}
	m.log(LogEverything, "[effect:%s] %s", e.Name, e.State.Name)

	if cleanup := fn(e); cleanup != nil {
		slot.set(cleanup)
	}
}

// releaseSlot runs a durable cleanup, if any.
func (m *Machine) releaseSlot(slot *cleanupSlot) {
	if slot.fn != nil {
		m.log(LogOps, "[cleanup] %s", slot.scope)
	}
	slot.release()
}

func (m *Machine) newEffect(name string, state State, ev *Event) *Effect {
	return &Effect{
		Machine: m,
		Name:    name,
		State:   state,
		Event:   ev,
	}
}
