// Package dagfile loads a trail definition from a YAML document instead
// of hand-built Go structs: steps, tags, success/failure edges, and an
// optional per-step "when" guard. A step's callable can't be expressed in
// YAML, so Run names a key in a caller-supplied registry of step.Funcs
// (e.g. every subcommand a cmd/autotrail binary knows how to run).
//
// Grounded on the CWL Workflow document shape (steps keyed by name, edges
// implied by source references), but AutoTrail's edges are explicit
// success/failure lists rather than CWL's per-input source references,
// since a step here has no typed inputs/outputs to wire.
package dagfile

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/me/autotrail/pkg/dag"
	"github.com/me/autotrail/pkg/step"
)

// Document is the raw YAML shape of a trail definition.
type Document struct {
	Steps        []StepDoc `yaml:"steps"`
	SuccessEdges []EdgeDoc `yaml:"success_edges"`
	FailureEdges []EdgeDoc `yaml:"failure_edges"`
}

// StepDoc is one step entry. Run looks up a step.Func in the registry
// passed to Load; When, if non-empty, is a JavaScript boolean expression
// evaluated each tick against the step's siblings' serialized context
// (see WhenGate) — an extension beyond the closed precondition language,
// gating automatic Run the way a CWL step's "when" gates scheduling.
type StepDoc struct {
	Name string         `yaml:"name"`
	Tags map[string]any `yaml:"tags"`
	Run  string         `yaml:"run"`
	When string         `yaml:"when"`
}

// EdgeDoc names an edge by step name rather than id, since ids aren't
// known until Load assigns them.
type EdgeDoc struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Compiled is the result of loading a Document: steps with assigned ids,
// edges translated to ids, and the auxiliary maps WhenGate needs.
type Compiled struct {
	Steps        []*step.Step
	SuccessEdges []dag.Edge
	FailureEdges []dag.Edge
	WhenExprs    map[int64]string
	Names        map[int64]string
}

// Load parses data as a Document and resolves it against registry, which
// must contain an entry for every StepDoc.Run (an empty Run is an error). Step ids are
// assigned in the order steps appear in the document.
func Load(data []byte, registry map[string]step.Func) (*Compiled, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("dagfile: parse: %w", err)
	}
	return compile(doc, registry)
}

func compile(doc Document, registry map[string]step.Func) (*Compiled, error) {
	b := step.NewBuilder()
	byName := make(map[string]*step.Step, len(doc.Steps))
	whenExprs := make(map[int64]string)
	names := make(map[int64]string, len(doc.Steps))
	steps := make([]*step.Step, 0, len(doc.Steps))

	for _, sd := range doc.Steps {
		if sd.Name == "" {
			return nil, fmt.Errorf("dagfile: step with empty name")
		}
		if _, dup := byName[sd.Name]; dup {
			return nil, fmt.Errorf("dagfile: duplicate step name %q", sd.Name)
		}
		if sd.Run == "" {
			return nil, fmt.Errorf("dagfile: step %q has no run", sd.Name)
		}
		fn, ok := registry[sd.Run]
		if !ok {
			return nil, fmt.Errorf("dagfile: step %q: unknown run %q", sd.Name, sd.Run)
		}

		s := b.New(sd.Name, fn, sd.Tags)
		byName[sd.Name] = s
		names[s.ID] = sd.Name
		if sd.When != "" {
			whenExprs[s.ID] = sd.When
		}
		steps = append(steps, s)
	}

	successEdges, err := resolveEdges(doc.SuccessEdges, byName)
	if err != nil {
		return nil, fmt.Errorf("dagfile: success_edges: %w", err)
	}
	failureEdges, err := resolveEdges(doc.FailureEdges, byName)
	if err != nil {
		return nil, fmt.Errorf("dagfile: failure_edges: %w", err)
	}

	ids := make([]int64, 0, len(steps))
	for _, s := range steps {
		ids = append(ids, s.ID)
	}
	if _, err := dag.TopoOrder(ids, successEdges); err != nil {
		return nil, fmt.Errorf("dagfile: %w", err)
	}

	return &Compiled{
		Steps:        steps,
		SuccessEdges: successEdges,
		FailureEdges: failureEdges,
		WhenExprs:    whenExprs,
		Names:        names,
	}, nil
}

func resolveEdges(docs []EdgeDoc, byName map[string]*step.Step) ([]dag.Edge, error) {
	edges := make([]dag.Edge, 0, len(docs))
	for _, e := range docs {
		from, ok := byName[e.From]
		if !ok {
			return nil, fmt.Errorf("unknown step %q", e.From)
		}
		to, ok := byName[e.To]
		if !ok {
			return nil, fmt.Errorf("unknown step %q", e.To)
		}
		edges = append(edges, dag.Edge{From: from.ID, To: to.ID})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges, nil
}
