package machine

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// Definition is an immutable machine config and the factory of its
// instances. It's safe to share between goroutines.
type Definition struct {
	cfg   Config
	names S
}

// NewDefinition validates [cfg] and returns a new Definition.
func NewDefinition(cfg Config) (*Definition, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	// shallow copies of the maps, so later changes by the caller don't leak in
	cfg.States = cloneStates(cfg.States)
	cfg.Any = cloneTransitions(cfg.Any)
	cfg.Initial = cfg.Initial.Clone()

	return &Definition{
		cfg:   cfg,
		names: collectNames(cfg),
	}, nil
}

// MustDefinition is NewDefinition, which panics on errors.
func MustDefinition(cfg Config) *Definition {
	def, err := NewDefinition(cfg)
	if err != nil {
		panic(err)
	}

	return def
}

// ValidateConfig returns an ErrConfig for configs which can't be run
// unambiguously.
func ValidateConfig(cfg Config) error {
	var errs []error
	if cfg.Initial.Name == "" {
		errs = append(errs, fmt.Errorf("%w: missing initial state", ErrConfig))
	}

	for _, name := range sortedKeys(cfg.States) {
		state := cfg.States[name]
		for _, evType := range sortedKeys(state.On) {
			for i, r := range state.On[evType] {
				target := r.Target
				if target == "" {
					target = name
				}
				if target == name && r.NoReenter && r.Data != nil {
					errs = append(errs, fmt.Errorf(
						"%w: %s.On[%s][%d] can't map data without reentering",
						ErrConfig, name, evType, i))
				}
			}
		}
		for i, r := range state.Always {
			if r.NoReenter {
				errs = append(errs, fmt.Errorf(
					"%w: %s.Always[%d] spontaneous rules always reenter",
					ErrConfig, name, i))
			}
		}
	}

	// any-state rules can target the current state from anywhere
	for _, evType := range sortedKeys(cfg.Any) {
		for i, r := range cfg.Any[evType] {
			if r.NoReenter && r.Data != nil {
				errs = append(errs, fmt.Errorf(
					"%w: Any[%s][%d] can't map data without reentering",
					ErrConfig, evType, i))
			}
		}
	}

	return errors.Join(errs...)
}

// NewMachine creates a new, independent machine. [initial] overrides
// [Config.Initial] when not nil. [opts] are optional.
func (d *Definition) NewMachine(initial *State, opts *Opts) *Machine {
	state := d.cfg.Initial
	if initial != nil {
		state = *initial
	}

	return newMachine(d, state.Clone(), opts)
}

// Config returns the config of this definition. It should not be modified.
func (d *Definition) Config() Config {
	return d.cfg
}

// StateNames returns a sorted list of all state names referenced by the
// config.
func (d *Definition) StateNames() S {
	return slices.Clone(d.names)
}

// Has returns true if the state name is referenced by the config.
func (d *Definition) Has(name string) bool {
	_, ok := slices.BinarySearch(d.names, name)
	return ok
}

// ///// ///// /////

// ///// UTILS

// ///// ///// /////

func collectNames(cfg Config) S {
	names := S{cfg.Initial.Name}
	addTargets := func(rules []Rule) {
		for _, r := range rules {
			if r.Target != "" {
				names = append(names, r.Target)
			}
		}
	}

	for name, state := range cfg.States {
		names = append(names, name)
		for _, rules := range state.On {
			addTargets(rules)
		}
		addTargets(state.Always)
	}
	for _, rules := range cfg.Any {
		addTargets(rules)
	}

	slices.Sort(names)
	return slices.Compact(names)
}

func cloneStates(states map[string]StateConfig) map[string]StateConfig {
	ret := make(map[string]StateConfig, len(states))
	for name, state := range states {
		state.On = cloneTransitions(state.On)
		state.Always = slices.Clone(state.Always)
		ret[name] = state
	}

	return ret
}

func cloneTransitions(t Transitions) Transitions {
	ret := make(Transitions, len(t))
	for evType, rules := range t {
		ret[evType] = slices.Clone(rules)
	}

	return ret
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}
