package machine

import (
	"maps"
)

// Resolution is a rule selected by Resolve, with the next state computed.
type Resolution struct {
	// Kind of the table the rule comes from.
	Kind RuleKind
	// Rule is the selected rule.
	Rule *Rule
	// Next is the complete next state.
	Next State
	// Reenters is false only for event-triggered rules targeting the current
	// state with [Rule.NoReenter].
	Reenters bool
}

// Resolve decides what happens to [state] when [ev] arrives. A nil [ev]
// resolves spontaneous rules only. Returns nil when nothing matches.
//
// Resolve has no side effects on its own, but it calls guards and data
// mappers.
func Resolve(cfg *Config, state State, ev *Event) *Resolution {
	if ev == nil {
		rule := match(cfg.States[state.Name].Always, state, nil)
		if rule == nil {
			return nil
		}

		return newResolution(cfg, KindAlways, rule, state, nil)
	}

	// state rules, then any-state rules
	if rule := match(cfg.States[state.Name].On[ev.Type], state, ev); rule != nil {
		return newResolution(cfg, KindState, rule, state, ev)
	}
	if rule := match(cfg.Any[ev.Type], state, ev); rule != nil {
		return newResolution(cfg, KindAny, rule, state, ev)
	}

	return nil
}

// match returns the first rule with a passing guard.
func match(rules []Rule, state State, ev *Event) *Rule {
	for i := range rules {
		r := &rules[i]
		if r.Guard == nil || r.Guard(state, ev) {
			return r
		}
	}

	return nil
}

func newResolution(
	cfg *Config, kind RuleKind, rule *Rule, state State, ev *Event,
) *Resolution {
	target := rule.Target
	if target == "" {
		target = state.Name
	}
	ret := &Resolution{
		Kind:     kind,
		Rule:     rule,
		Reenters: true,
	}

	// internal rule, the state stays as is
	if ev != nil && target == state.Name && rule.NoReenter {
		ret.Reenters = false
		ret.Next = state

		return ret
	}

	var data A
	if rule.Data != nil {
		data = rule.Data(state, ev)
	} else if cfg.CopyDataOnTransition {
		data = maps.Clone(state.Data)
	}
	ret.Next = State{Name: target, Data: data}

	return ret
}
