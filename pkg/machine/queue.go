package machine

import (
	"fmt"
)

// queueItem is either an event, or a deferred Stop call.
type queueItem struct {
	ev   Event
	stop bool
}

// Start starts the machine from its current state, which for a new machine is
// the initial one. Spontaneous rules get settled first, then the settled
// state is entered, subscribers notified, and finally OnStart runs.
func (m *Machine) Start() error {
	m.queueMx.Lock()
	if m.running {
		m.queueMx.Unlock()
		return fmt.Errorf("%w: %s", ErrRunning, m.id)
	}
	if m.processing {
		m.queueMx.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, m.id)
	}
	m.running = true
	m.processing = true
	m.queueMx.Unlock()

	return m.process(func() error {
		err := m.start()
		if err != nil {
			m.queueMx.Lock()
			m.running = false
			m.queueMx.Unlock()
		}

		return err
	}, func() {
		// never started
		m.running = false
	})
}

// Stop releases the cleanups of the current state and OnStart, runs OnStop
// and stops accepting events. The current state is kept for the next Start.
//
// When a step is in flight, Stop gets queued after already queued events and
// returns nil. Events sent after Stop are rejected.
func (m *Machine) Stop() error {
	m.queueMx.Lock()
	if !m.running || m.stopping {
		m.queueMx.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, m.id)
	}
	m.stopping = true
	if m.processing {
		m.queue = append(m.queue, queueItem{stop: true})
		m.queueMx.Unlock()
		m.log(LogOps, "[queue] stop")

		return nil
	}
	m.processing = true
	m.queueMx.Unlock()

	return m.process(func() error {
		m.stop()
		return nil
	}, nil)
}

// Send processes an event synchronously, or queues it when another step is
// in flight. Returns ErrNotRunning when the machine isn't running, or an error
// of the executed step.
func (m *Machine) Send(ev Event) error {
	res, err := m.dispatch(ev, false)
	if res == Dropped {
		return fmt.Errorf("%w: can't send %s", ErrNotRunning, ev.Type)
	}

	return err
}

// send is Send for effects, which silently drops events when stopped.
func (m *Machine) send(ev Event, internal bool) Result {
	res, _ := m.dispatch(ev, internal)
	return res
}

func (m *Machine) dispatch(ev Event, internal bool) (Result, error) {
	m.queueMx.Lock()

	// not running, or tearing down
	if !m.running || m.stopping {
		m.queueMx.Unlock()
		if internal {
			m.log(LogOps, "[drop] %s", ev)
		} else {
			m.log(LogDecisions, "[drop] %s, not running", ev)
		}
		m.trace(func(t Tracer) { t.EventDropped(m, ev) })

		return Dropped, nil
	}

	// step in flight
	if m.processing {
		m.queue = append(m.queue, queueItem{ev: ev})
		qLen := len(m.queue)
		m.queueMx.Unlock()
		m.log(LogOps, "[queue] %s (%d)", ev, qLen)
		m.trace(func(t Tracer) { t.EventQueued(m, ev) })

		return Queued, nil
	}

	m.processing = true
	m.queueMx.Unlock()
	m.log(LogOps, "[send] %s", ev)

	return Executed, m.process(func() error {
		return m.step(ev)
	}, nil)
}

// process runs [first] and then the queue, until it's empty. Requires the
// processing flag, which gets cleared at the end. Panics from effects,
// guards and mappers reset the queue and propagate. [onPanic] runs under the
// queue lock before that and can be nil.
func (m *Machine) process(first func() error, onPanic func()) error {
	defer func() {
		if r := recover(); r != nil {
			m.queueMx.Lock()
			m.processing = false
			m.queue = nil
			if onPanic != nil {
				onPanic()
			}
			// a started or queued stop won't finish, the machine ends up stopped
			if m.stopping {
				m.running = false
				m.stopping = false
			}
			m.queueMx.Unlock()
			m.log(LogChanges, "[error] panic: %v", r)
			panic(r)
		}
	}()

	err := first()
	if err != nil {
		m.setErr(err)
		m.log(LogChanges, "[error] %s", err)
	}

	for {
		m.queueMx.Lock()
		if len(m.queue) == 0 {
			m.queueMx.Unlock()
			m.trace(func(t Tracer) { t.QueueEnd(m) })

			// re-check, as tracers may send
			m.queueMx.Lock()
			if len(m.queue) == 0 {
				m.processing = false
				m.queueMx.Unlock()

				return err
			}
		}
		item := m.queue[0]
		m.queue = m.queue[1:]
		running := m.running
		m.queueMx.Unlock()

		switch {
		case item.stop:
			m.stop()
		case !running:
			m.log(LogOps, "[drop] %s", item.ev)
			m.trace(func(t Tracer) { t.EventDropped(m, item.ev) })
		default:
			if stepErr := m.step(item.ev); stepErr != nil {
				m.setErr(stepErr)
				m.log(LogChanges, "[error] %s", stepErr)
			}
		}
	}
}

// start settles the initial state and runs the start effects.
func (m *Machine) start() error {
	cfg := &m.def.cfg
	state := m.State()
	m.log(LogOps, "[start] %s", state.Name)
	m.trace(func(t Tracer) { t.MachineStart(m) })

	// leftovers of a start or stop interrupted by a panic
	m.releaseSlot(&m.enterCleanup)
	m.releaseSlot(&m.startCleanup)

	// settle without entering the intermediate states
	for i := 0; ; i++ {
		res := Resolve(cfg, state, nil)
		if res == nil {
			break
		}
		if i >= m.maxSpontaneous {
			return fmt.Errorf("%w: %d transitions on start, last state %s",
				ErrSpontaneousLoop, i, state.Name)
		}

		m.log(LogDecisions, "[always] %s -> %s", state.Name, res.Next.Name)
		tx := m.newTransition(res, state, nil)
		m.trace(func(t Tracer) { t.TransitionStart(tx) })
		if res.Rule.Effect != nil {
			e := m.newEffect("transition", res.Next.Clone(), nil)
			prev, to := state.Clone(), res.Next.Clone()
			e.From, e.To = &prev, &to
			m.runTransient(res.Rule.Effect, e)
		}
		state = res.Next
		m.trace(func(t Tracer) { t.TransitionEnd(tx) })
	}

	m.setState(state)
	m.log(LogChanges, "[state] %s", state)

	m.enterCleanup.scope = state.Name
	m.log(LogOps, "[enter] %s", state.Name)
	m.runDurable(cfg.States[state.Name].OnEnter,
		m.newEffect("enter", state.Clone(), nil), &m.enterCleanup)
	m.notify(state, nil)

	m.runDurable(cfg.OnStart, m.newEffect("start", state.Clone(), nil),
		&m.startCleanup)

	return nil
}

// stop releases durable cleanups, runs OnStop and marks the machine as
// stopped.
func (m *Machine) stop() {
	cfg := &m.def.cfg
	state := m.State()
	m.log(LogOps, "[stop] %s", state.Name)

	m.releaseSlot(&m.enterCleanup)
	m.releaseSlot(&m.startCleanup)
	m.runTransient(cfg.OnStop, m.newEffect("stop", state.Clone(), nil))

	m.queueMx.Lock()
	m.running = false
	m.stopping = false
	m.queueMx.Unlock()
	m.trace(func(t Tracer) { t.MachineStop(m) })
}
