package machine

import (
	"fmt"
	"time"
)

// step processes a single event, together with all the spontaneous
// transitions it causes. Requires the processing flag.
func (m *Machine) step(ev Event) error {
	cfg := &m.def.cfg
	state := m.State()

	res := Resolve(cfg, state, &ev)
	if res == nil {
		m.log(LogDecisions, "[no-match] %s in %s", ev.Type, state.Name)
		m.trace(func(t Tracer) { t.EventDropped(m, ev) })

		return nil
	}

	if !res.Reenters {
		m.internal(res, state, &ev)
		return nil
	}

	m.transition(res, state, &ev)

	return m.settle()
}

// settle follows spontaneous rules of the current state, until none matches.
func (m *Machine) settle() error {
	cfg := &m.def.cfg
	for i := 0; ; i++ {
		state := m.State()
		res := Resolve(cfg, state, nil)
		if res == nil {
			return nil
		}
		if i >= m.maxSpontaneous {
			return fmt.Errorf("%w: %d transitions, last state %s",
				ErrSpontaneousLoop, i, state.Name)
		}

		m.log(LogDecisions, "[always] %s -> %s", state.Name, res.Next.Name)
		m.transition(res, state, nil)
	}
}

// transition exits [from], runs the rule's effect, commits and enters the
// next state and notifies subscribers.
func (m *Machine) transition(res *Resolution, from State, ev *Event) {
	cfg := &m.def.cfg
	next := res.Next
	tx := m.newTransition(res, from, ev)
	m.trace(func(t Tracer) { t.TransitionStart(tx) })

	// close the scope of the exited state
	m.releaseSlot(&m.enterCleanup)
	m.log(LogOps, "[exit] %s", from.Name)
	m.runTransient(cfg.States[from.Name].OnExit,
		m.newEffect("exit", from.Clone(), ev))

	if res.Rule.Effect != nil {
		e := m.newEffect("transition", next.Clone(), ev)
		prev, to := from.Clone(), next.Clone()
		e.From, e.To = &prev, &to
		m.runTransient(res.Rule.Effect, e)
	}

	m.setState(next)
	m.log(LogChanges, "[state] %s -> %s", from, next)

	m.enterCleanup.scope = next.Name
	m.log(LogOps, "[enter] %s", next.Name)
	m.runDurable(cfg.States[next.Name].OnEnter,
		m.newEffect("enter", next.Clone(), ev), &m.enterCleanup)

	m.notify(next, ev)
	m.trace(func(t Tracer) { t.TransitionEnd(tx) })
}

// internal runs the effect of a rule which doesn't reenter the current state.
func (m *Machine) internal(res *Resolution, state State, ev *Event) {
	tx := m.newTransition(res, state, ev)
	m.trace(func(t Tracer) { t.TransitionStart(tx) })
	m.log(LogOps, "[internal] %s in %s", ev.Type, state.Name)

	if res.Rule.Effect != nil {
		e := m.newEffect("transition", state.Clone(), ev)
		prev, to := state.Clone(), state.Clone()
		e.From, e.To = &prev, &to
		m.runTransient(res.Rule.Effect, e)
	}

	m.trace(func(t Tracer) { t.TransitionEnd(tx) })
}

func (m *Machine) newTransition(
	res *Resolution, from State, ev *Event,
) *Transition {
	tx := &Transition{
		Machine:     m,
		Kind:        res.Kind,
		From:        from,
		To:          res.Next,
		Reenters:    res.Reenters,
		Spontaneous: res.Kind == KindAlways,
		Start:       time.Now(),
		QueueLen:    m.QueueLen(),
	}
	if ev != nil {
		evCopy := *ev
		tx.Event = &evCopy
	}

	return tx
}
