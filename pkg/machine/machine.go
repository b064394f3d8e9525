// Package machine is a runtime for finite state machines, where every state
// carries its own data. A Definition holds a declarative Config and creates
// independent Machine instances, which process events one step at a time.
//
// A step resolves a rule for the current state and an event, exits the current
// state, runs the rule's effect, commits and enters the next state, notifies
// subscribers and then follows spontaneous ("always") rules until they settle.
// Events sent while a step is in flight are queued and processed in order,
// after the step completes.
package machine

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/pancsta/asyncfsm/internal/utils"
)

// Machine is a single instance of a Definition. It owns the current state,
// the subscribers, the durable cleanups and the event queue.
type Machine struct {
	def            *Definition
	id             string
	logId          atomic.Bool
	maxSpontaneous int

	// queueMx guards the fields below
	queueMx    sync.Mutex
	queue      []queueItem
	processing bool
	running    bool
	stopping   bool

	stateMx sync.RWMutex
	state   State

	subsMx sync.Mutex
	subs   []*subscriber

	// cleanup of the currently entered state
	enterCleanup cleanupSlot
	// cleanup of the OnStart effect
	startCleanup cleanupSlot

	errMx sync.Mutex
	err   error

	logMx    sync.RWMutex
	logger   LoggerFn
	logLevel atomic.Int32

	tracersMx sync.RWMutex
	tracers   []Tracer
}

type subscriber struct {
	fn func(state State, ev *Event)
}

func newMachine(def *Definition, state State, opts *Opts) *Machine {
	m := &Machine{
		def:            def,
		id:             uuid.New().String(),
		maxSpontaneous: DefaultMaxSpontaneous,
		state:          state,
		startCleanup:   cleanupSlot{scope: "start"},
	}
	m.logId.Store(true)

	if opts == nil {
		return m
	}
	if opts.Id != "" {
		m.id = opts.Id
	}
	if opts.DontLogId {
		m.logId.Store(false)
	}
	if opts.MaxSpontaneous > 0 {
		m.maxSpontaneous = opts.MaxSpontaneous
	}
	if opts.Logger != nil {
		m.logger = opts.Logger
	}
	m.SetLogLevel(opts.LogLevel)
	for _, t := range opts.Tracers {
		m.BindTracer(t)
	}

	return m
}

// Id returns the machine's ID.
func (m *Machine) Id() string {
	return m.id
}

// Definition returns the definition this machine was created from.
func (m *Machine) Definition() *Definition {
	return m.def
}

// State returns the current state. The data is a copy.
func (m *Machine) State() State {
	m.stateMx.RLock()
	defer m.stateMx.RUnlock()

	return m.state.Clone()
}

// Is returns true if the current state has the passed name.
func (m *Machine) Is(name string) bool {
	m.stateMx.RLock()
	defer m.stateMx.RUnlock()

	return m.state.Name == name
}

// IsRunning returns true between Start and Stop.
func (m *Machine) IsRunning() bool {
	m.queueMx.Lock()
	defer m.queueMx.Unlock()

	return m.running
}

// QueueLen returns the number of queued events.
func (m *Machine) QueueLen() int {
	m.queueMx.Lock()
	defer m.queueMx.Unlock()

	return len(m.queue)
}

// Err returns the last error of a step, eg ErrSpontaneousLoop.
func (m *Machine) Err() error {
	m.errMx.Lock()
	defer m.errMx.Unlock()

	return m.err
}

// Subscribe calls [fn] with the current state and a nil event, then on every
// state change. The returned func unsubscribes and can be called many times.
func (m *Machine) Subscribe(fn func(state State, ev *Event)) func() {
	fn(m.State(), nil)

	sub := &subscriber{fn: fn}
	m.subsMx.Lock()
	m.subs = append(m.subs, sub)
	m.subsMx.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMx.Lock()
			defer m.subsMx.Unlock()
			m.subs = utils.SlicesWithout(m.subs, sub)
		})
	}
}

// String returns a one line representation of the machine.
func (m *Machine) String() string {
	status := "stopped"
	if m.IsRunning() {
		status = "running"
	}

	return "(" + m.State().String() + ") " + status
}

func (m *Machine) notify(state State, ev *Event) {
	m.subsMx.Lock()
	subs := slices.Clone(m.subs)
	m.subsMx.Unlock()

	for _, s := range subs {
		s.fn(state.Clone(), ev)
	}
}

func (m *Machine) setState(state State) {
	m.stateMx.Lock()
	defer m.stateMx.Unlock()

	m.state = state
}

func (m *Machine) setErr(err error) {
	if err == nil {
		return
	}
	m.errMx.Lock()
	defer m.errMx.Unlock()

	m.err = err
}
