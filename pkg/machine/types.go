package machine

import (
	"errors"
	"maps"

	"github.com/orsinium-labs/enum"
)

const (
	// EnvAmDebug enables a simple debugging mode (eg long timeouts).
	// "2" logs to stdout (where applicable)
	// "1" | "2" | "" (default)
	EnvAmDebug = "AM_DEBUG"
	// EnvAmLog sets the log level.
	// "1" | "2" | "3" | "4" | "5" | "" (default)
	EnvAmLog = "AM_LOG"
	// EnvAmTestRunner indicates a CI test runner.
	EnvAmTestRunner = "AM_TEST_RUNNER"

	// DefaultMaxSpontaneous is the default limit of spontaneous transitions
	// within a single step.
	DefaultMaxSpontaneous = 100
)

type (
	// S (state names) is a string list of state names.
	S []string
	// A (arguments) is a map of named data fields, used both for state data and
	// event payloads.
	A map[string]any
)

// State is a single, complete value of a machine's state: a discriminant
// Name and the data fields belonging to it.
type State struct {
	Name string `json:"name" msgpack:"name"`
	Data A      `json:"data,omitempty" msgpack:"data,omitempty"`
}

// Clone returns a copy of the state with a shallow copy of its data.
func (s State) Clone() State {
	return State{Name: s.Name, Data: maps.Clone(s.Data)}
}

func (s State) String() string {
	if len(s.Data) == 0 {
		return s.Name
	}

	return s.Name + " " + FormatData(s.Data)
}

// Event is an ephemeral input, consumed by at most one transition step.
type Event struct {
	Type string `json:"type" msgpack:"type"`
	Data A      `json:"data,omitempty" msgpack:"data,omitempty"`
}

func (e Event) String() string {
	if len(e.Data) == 0 {
		return e.Type
	}

	return e.Type + " " + FormatData(e.Data)
}

// Cleanup is an optional teardown returned by an effect.
type Cleanup func()

// EffectFn is a side effect. A returned Cleanup is either kept until its
// scope closes (OnEnter, OnStart) or called right away (the rest).
type EffectFn func(e *Effect) Cleanup

// GuardFn decides if a rule can be taken. [ev] is nil for spontaneous rules.
type GuardFn func(state State, ev *Event) bool

// MapperFn produces the data of the next state. [ev] is nil for spontaneous
// rules.
type MapperFn func(state State, ev *Event) A

// Rule is a single transition rule.
type Rule struct {
	// Target is the name of the next state. Empty means the current name.
	Target string
	// Guard is optional, a rule without a guard always matches.
	Guard GuardFn
	// Data maps the current state and the event into the next state's data.
	Data MapperFn
	// NoReenter skips exiting and entering when the target is the current
	// state. Only valid for event-triggered rules without a [Rule.Data] mapper.
	NoReenter bool
	// Effect runs after the previous state has been exited, and before the next
	// one gets committed.
	Effect EffectFn
}

// Transitions maps event types to rules, which are tried in order.
type Transitions map[string][]Rule

// StateConfig defines the rules and effects of a single state.
type StateConfig struct {
	On      Transitions
	Always  []Rule
	OnEnter EffectFn
	OnExit  EffectFn
}

// Config is a declarative definition of a machine.
type Config struct {
	// Initial state used by the first Start, unless overridden.
	Initial State
	// States is a map of state names to their configs. States without any
	// rules or effects don't need an entry.
	States map[string]StateConfig
	// Any holds rules valid in every state, tried after state rules.
	Any Transitions
	// OnStart runs after the initial state settles. Its cleanup runs on Stop.
	OnStart EffectFn
	// OnStop runs at the end of Stop.
	OnStop EffectFn
	// CopyDataOnTransition copies the current data into the next state for
	// rules without a mapper. Meant for machines where all states share one
	// data shape.
	CopyDataOnTransition bool
}

// Opts struct is used to configure a new Machine.
type Opts struct {
	// Unique ID of this machine. Default: random UUID.
	Id string
	// If true, the machine will NOT prefix its logs with its ID.
	DontLogId bool
	// Log level of the machine. Default: LogNothing.
	LogLevel LogLevel
	// Logger replaces the default stdout logger.
	Logger LoggerFn
	// Tracers for the machine. Default: nil.
	Tracers []Tracer
	// MaxSpontaneous limits spontaneous transitions within one step.
	// Default: DefaultMaxSpontaneous.
	MaxSpontaneous int
}

// ///// ///// /////

// ///// ENUMS

// ///// ///// /////

// RuleKind enum tells which table a resolved rule comes from.
type RuleKind enum.Member[string]

var (
	// KindState is a rule of the current state, triggered by an event.
	KindState = RuleKind{"state"}
	// KindAny is an any-state rule, triggered by an event.
	KindAny = RuleKind{"any"}
	// KindAlways is a spontaneous rule of the current state.
	KindAlways = RuleKind{"always"}
	// KindEnum lists all the rule kinds.
	KindEnum = enum.New(KindState, KindAny, KindAlways)
)

func (k RuleKind) String() string {
	return k.Value
}

// ParseKind returns a RuleKind for its string value, or nil.
func ParseKind(value string) *RuleKind {
	return KindEnum.Parse(value)
}

// Result enum is the result of a Send call.
type Result int

const (
	// Executed means the event has been processed by this call.
	Executed Result = iota
	// Queued means a step was in flight and the event waits in the queue.
	Queued
	// Dropped means the machine wasn't running and the event got discarded.
	Dropped
)

func (r Result) String() string {
	switch r {
	case Executed:
		return "executed"
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	}

	return ""
}

var (
	// ErrConfig indicates an invalid machine config.
	ErrConfig = errors.New("config error")
	// ErrRunning indicates that the machine is already running.
	ErrRunning = errors.New("machine running")
	// ErrNotRunning indicates that the machine isn't running.
	ErrNotRunning = errors.New("machine not running")
	// ErrBusy indicates that the machine is still tearing down.
	ErrBusy = errors.New("machine busy")
	// ErrSpontaneousLoop indicates that spontaneous rules didn't settle within
	// [Opts.MaxSpontaneous] transitions.
	ErrSpontaneousLoop = errors.New("spontaneous transitions loop")
)
