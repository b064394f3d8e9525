package utils

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	am "github.com/pancsta/asyncfsm/pkg/machine"
)

const EnvAmTestRunner = "AM_TEST_RUNNER"

// Traffic is a traffic light definition used across tests:
//
//	red -NEXT-> green -NEXT-> yellow -NEXT-> red
//	* -OFF-> off -ON-> red
//	* -BREAK-> broken -always-> off
//
// Each light carries a "cycle" counter, incremented when turning red.
var Traffic = am.MustDefinition(am.Config{
	Initial: am.State{Name: "red", Data: am.A{"cycle": 0}},
	States: map[string]am.StateConfig{
		"red": {On: am.Transitions{"NEXT": {{Target: "green"}}}},
		"green": {On: am.Transitions{"NEXT": {{Target: "yellow"}}}},
		"yellow": {On: am.Transitions{"NEXT": {{
			Target: "red",
			Data: func(state am.State, ev *am.Event) am.A {
				cycle, _ := state.Data["cycle"].(int)
				return am.A{"cycle": cycle + 1}
			},
		}}}},
		"off":    {On: am.Transitions{"ON": {{Target: "red"}}}},
		"broken": {Always: []am.Rule{{Target: "off"}}},
	},
	Any: am.Transitions{
		"OFF":   {{Target: "off"}},
		"BREAK": {{Target: "broken"}},
	},
	CopyDataOnTransition: true,
})

// NewTraffic creates a new traffic light machine, logging to t.Logf. The
// machine isn't started. [initial] is optional.
func NewTraffic(t *testing.T, initial *am.State) *am.Machine {
	mach := Traffic.NewMachine(initial, &am.Opts{Id: "t-" + t.Name()})
	MachDebugEnv(t, mach)

	return mach
}

// NewTrafficStarted is NewTraffic, which also starts the machine.
func NewTrafficStarted(t *testing.T, initial *am.State) *am.Machine {
	mach := NewTraffic(t, initial)
	require.NoError(t, mach.Start())

	return mach
}

// MachDebugEnv redirects the machine's log to t.Logf, with a log level from
// AM_LOG, or LogEverything for AM_DEBUG.
func MachDebugEnv(t *testing.T, mach *am.Machine) {
	lvl := am.EnvLogLevel("")
	if os.Getenv(am.EnvAmDebug) != "" && os.Getenv(EnvAmTestRunner) == "" {
		lvl = am.LogEverything
	}
	mach.SetLoggerSimple(t.Logf, lvl)
}
