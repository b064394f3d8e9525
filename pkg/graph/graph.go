// Package graph provides a directed graph of a definition's states and the
// rules between them, for reachability checks and diagrams.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dominikbraun/graph"

	am "github.com/pancsta/asyncfsm/pkg/machine"
)

type Vertex struct {
	StateName string
	// Initial is true for the definition's initial state.
	Initial bool
}

type Edge = graph.Edge[string]

// EdgeData holds all the rules between 2 states.
type EdgeData struct {
	Rules []*RuleEdge
}

// RuleEdge is a single rule between 2 states.
type RuleEdge struct {
	// Event type, empty for spontaneous rules.
	Event     string
	Kind      am.RuleKind
	Guarded   bool
	Mapped    bool
	NoReenter bool
	Effect    bool
}

// Label returns a short label of the rule, as used in diagrams.
func (r *RuleEdge) Label() string {
	label := r.Event
	switch r.Kind {
	case am.KindAlways:
		label = "always"
	case am.KindAny:
		label = "*" + label
	}
	if r.Guarded {
		label += " [guard]"
	}

	return label
}

type Connection struct {
	Edge   *EdgeData
	Source *Vertex
	Target *Vertex
}

func hash(v *Vertex) string {
	return v.StateName
}

// ///// ///// /////

// ///// GRAPH

// ///// ///// /////

type Graph struct {
	Def *am.Definition

	// g is a directed graph of states with rules as metadata.
	g graph.Graph[string, *Vertex]
}

// New creates a graph of all the states referenced by [def]. Any-state rules
// get expanded into an edge from every state.
func New(def *am.Definition) (*Graph, error) {
	g := &Graph{
		Def: def,
		g:   graph.New(hash, graph.Directed()),
	}
	cfg := def.Config()

	for _, name := range def.StateNames() {
		err := g.g.AddVertex(&Vertex{
			StateName: name,
			Initial:   name == cfg.Initial.Name,
		})
		if err != nil {
			return nil, err
		}
	}

	for _, from := range def.StateNames() {
		state := cfg.States[from]
		for _, ev := range sortedKeys(state.On) {
			for _, rule := range state.On[ev] {
				if err := g.addRule(from, ev, am.KindState, rule); err != nil {
					return nil, err
				}
			}
		}
		for _, rule := range state.Always {
			if err := g.addRule(from, "", am.KindAlways, rule); err != nil {
				return nil, err
			}
		}
	}

	for _, ev := range sortedKeys(cfg.Any) {
		for _, rule := range cfg.Any[ev] {
			for _, from := range def.StateNames() {
				if err := g.addRule(from, ev, am.KindAny, rule); err != nil {
					return nil, err
				}
			}
		}
	}

	return g, nil
}

func (g *Graph) addRule(
	from, ev string, kind am.RuleKind, rule am.Rule,
) error {
	to := rule.Target
	if to == "" {
		to = from
	}
	r := &RuleEdge{
		Event:     ev,
		Kind:      kind,
		Guarded:   rule.Guard != nil,
		Mapped:    rule.Data != nil,
		NoReenter: rule.NoReenter,
		Effect:    rule.Effect != nil,
	}

	edge, err := g.g.Edge(from, to)
	if errors.Is(err, graph.ErrEdgeNotFound) {
		return g.g.AddEdge(from, to, graph.EdgeData(&EdgeData{
			Rules: []*RuleEdge{r},
		}))
	} else if err != nil {
		return err
	}

	data := edge.Properties.Data.(*EdgeData)
	data.Rules = append(data.Rules, r)

	return g.g.UpdateEdge(from, to, graph.EdgeData(data))
}

// Clone returns a deep clone of the graph.
func (g *Graph) Clone() (*Graph, error) {
	c, err := g.g.Clone()
	if err != nil {
		return nil, err
	}

	return &Graph{Def: g.Def, g: c}, nil
}

func (g *Graph) G() graph.Graph[string, *Vertex] {
	return g.g
}

// Connection returns a Connection for the given source-target.
func (g *Graph) Connection(source, target string) (*Connection, error) {
	edge, err := g.g.Edge(source, target)
	if err != nil {
		return nil, err
	}
	data := edge.Properties.Data.(*EdgeData)
	targetVert, err := g.g.Vertex(target)
	if err != nil {
		return nil, err
	}
	sourceVert, err := g.g.Vertex(source)
	if err != nil {
		return nil, err
	}

	return &Connection{
		Edge:   data,
		Source: sourceVert,
		Target: targetVert,
	}, nil
}

// Targets returns sorted names of states directly reachable from [state].
func (g *Graph) Targets(state string) ([]string, error) {
	adj, err := g.g.AdjacencyMap()
	if err != nil {
		return nil, err
	}
	edges, ok := adj[state]
	if !ok {
		return nil, fmt.Errorf("%w: %s", graph.ErrVertexNotFound, state)
	}

	return sortedKeys(edges), nil
}

// Reachable returns sorted names of all the states reachable from [state],
// including itself.
func (g *Graph) Reachable(state string) ([]string, error) {
	var ret []string
	err := graph.BFS(g.g, state, func(name string) bool {
		ret = append(ret, name)
		return false
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(ret)

	return ret, nil
}

// Unreachable returns sorted names of states which can't be reached from the
// initial state.
func (g *Graph) Unreachable() ([]string, error) {
	reachable, err := g.Reachable(g.Def.Config().Initial.Name)
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(g.Def.StateNames(), func(name string) bool {
		return slices.Contains(reachable, name)
	}), nil
}

// UnguardedLoops returns cycles made only of unguarded spontaneous rules.
// Entering any of those states always results in [am.ErrSpontaneousLoop].
func (g *Graph) UnguardedLoops() ([][]string, error) {
	edges, err := g.g.Edges()
	if err != nil {
		return nil, err
	}

	// subgraph of unconditional "always" edges
	sub := graph.New(hash, graph.Directed())
	for _, name := range g.Def.StateNames() {
		if err := sub.AddVertex(&Vertex{StateName: name}); err != nil {
			return nil, err
		}
	}
	var selfLoops []string
	for _, e := range edges {
		data := e.Properties.Data.(*EdgeData)
		// only the first always rule of a state matters, when unguarded
		first := firstAlways(g.Def.Config().States[e.Source].Always)
		if first == nil || first.Guard != nil {
			continue
		}
		target := first.Target
		if target == "" {
			target = e.Source
		}
		if target != e.Target || !hasKind(data, am.KindAlways) {
			continue
		}
		if e.Source == e.Target {
			selfLoops = append(selfLoops, e.Source)
			continue
		}
		if err := sub.AddEdge(e.Source, e.Target); err != nil {
			return nil, err
		}
	}

	comps, err := graph.StronglyConnectedComponents(sub)
	if err != nil {
		return nil, err
	}
	var ret [][]string
	for _, c := range comps {
		if len(c) < 2 {
			continue
		}
		slices.Sort(c)
		ret = append(ret, c)
	}
	for _, name := range selfLoops {
		ret = append(ret, []string{name})
	}
	slices.SortFunc(ret, func(a, b []string) int {
		return strings.Compare(a[0], b[0])
	})

	return ret, nil
}

// Mermaid returns a mermaid state diagram of the definition.
func (g *Graph) Mermaid() (string, error) {
	edges, err := g.g.Edges()
	if err != nil {
		return "", err
	}
	slices.SortFunc(edges, func(a, b Edge) int {
		if c := strings.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		return strings.Compare(a.Target, b.Target)
	})

	var b strings.Builder
	b.WriteString("stateDiagram-v2\n")
	fmt.Fprintf(&b, "    [*] --> %s\n", g.Def.Config().Initial.Name)
	for _, e := range edges {
		data := e.Properties.Data.(*EdgeData)
		labels := make([]string, len(data.Rules))
		for i, r := range data.Rules {
			labels[i] = r.Label()
		}
		fmt.Fprintf(&b, "    %s --> %s: %s\n", e.Source, e.Target,
			strings.Join(labels, ", "))
	}

	return b.String(), nil
}

func firstAlways(rules []am.Rule) *am.Rule {
	if len(rules) == 0 {
		return nil
	}

	return &rules[0]
}

func hasKind(data *EdgeData, kind am.RuleKind) bool {
	return slices.ContainsFunc(data.Rules, func(r *RuleEdge) bool {
		return r.Kind == kind
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return keys
}
