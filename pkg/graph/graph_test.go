package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutils "github.com/pancsta/asyncfsm/internal/testing/utils"
	"github.com/pancsta/asyncfsm/internal/utils"
	am "github.com/pancsta/asyncfsm/pkg/machine"
)

func TestGraphTraffic(t *testing.T) {
	// init
	g, err := New(testutils.Traffic)
	require.NoError(t, err)

	// assert
	order, err := g.G().Order()
	require.NoError(t, err)
	assert.Equal(t, 5, order)

	targets, err := g.Targets("red")
	require.NoError(t, err)
	assert.Equal(t, []string{"broken", "green", "off"}, targets)

	reachable, err := g.Reachable("off")
	require.NoError(t, err)
	assert.Equal(t, []string{"broken", "green", "off", "red", "yellow"},
		reachable)

	unreachable, err := g.Unreachable()
	require.NoError(t, err)
	assert.Empty(t, unreachable)

	loops, err := g.UnguardedLoops()
	require.NoError(t, err)
	assert.Empty(t, loops)

	_, err = g.Targets("unknown")
	assert.Error(t, err)
}

func TestGraphConnection(t *testing.T) {
	// init
	g, err := New(testutils.Traffic)
	require.NoError(t, err)

	// test
	conn, err := g.Connection("broken", "off")
	require.NoError(t, err)

	// assert
	assert.Equal(t, "broken", conn.Source.StateName)
	assert.Equal(t, "off", conn.Target.StateName)
	require.Len(t, conn.Edge.Rules, 2)
	assert.Equal(t, am.KindAlways, conn.Edge.Rules[0].Kind)
	assert.Equal(t, "always", conn.Edge.Rules[0].Label())
	assert.Equal(t, "*OFF", conn.Edge.Rules[1].Label())

	initial, err := g.G().Vertex("red")
	require.NoError(t, err)
	assert.True(t, initial.Initial)

	_, err = g.Connection("off", "green")
	assert.Error(t, err)
}

func TestUnguardedLoops(t *testing.T) {
	// init
	guard := func(state am.State, ev *am.Event) bool { return true }
	def := am.MustDefinition(am.Config{
		Initial: am.State{Name: "start"},
		States: map[string]am.StateConfig{
			"start": {On: am.Transitions{"GO": {{Target: "a"}}}},
			"a":     {Always: []am.Rule{{Target: "b"}}},
			"b":     {Always: []am.Rule{{Target: "a"}}},
			"c":     {Always: []am.Rule{{}}},
			"d":     {Always: []am.Rule{{Target: "d", Guard: guard}}},
		},
	})

	// test
	g, err := New(def)
	require.NoError(t, err)
	loops, err := g.UnguardedLoops()
	require.NoError(t, err)
	unreachable, err := g.Unreachable()
	require.NoError(t, err)

	// assert
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, loops)
	assert.Equal(t, []string{"c", "d"}, unreachable)
}

func TestMermaid(t *testing.T) {
	// init
	def := am.MustDefinition(am.Config{
		Initial: am.State{Name: "idle"},
		States: map[string]am.StateConfig{
			"idle": {On: am.Transitions{
				"RUN":  {{Target: "running"}},
				"PING": {{NoReenter: true}},
			}},
			"running": {Always: []am.Rule{{
				Target: "idle",
				Guard:  func(state am.State, ev *am.Event) bool { return true },
			}}},
		},
	})
	g, err := New(def)
	require.NoError(t, err)

	// test
	out, err := g.Mermaid()
	require.NoError(t, err)

	// assert
	assert.Equal(t, utils.Sp(`
		stateDiagram-v2
		    [*] --> idle
		    idle --> idle: PING
		    idle --> running: RUN
		    running --> idle: always [guard]
`)+"\n", out)

	clone, err := g.Clone()
	require.NoError(t, err)
	size, err := clone.G().Size()
	require.NoError(t, err)
	assert.Equal(t, 3, size)
}
