// Package dag compiles success/failure edge sets into per-step
// preconditions on the Run and Skip actions, and provides a topological
// order over the success-edge graph (used by next_steps).
package dag

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/me/autotrail/pkg/state"
)

// Edge is a directed edge a -> b: "b may become eligible once a resolves".
type Edge struct {
	From int64
	To   int64
}

// Compile attaches Run/Skip preconditions derived from successEdges and
// failureEdges onto rules, one Rules value per step id. rules must already
// contain the default Waiting->Run and ToSkip->Skip transitions (with no
// preconditions); Compile clones the default table per step and fills in
// the preconditions for that step's incoming edges.
//
// For a target step with success-edge predecessors p1..pn, one conjunctive
// clause {p1: [Succeeded, Skipped], ..., pn: [Succeeded, Skipped]} is
// attached. For failure-edge predecessors q1..qm, a second conjunctive
// clause {q1: [Failed], ..., qm: [Failed]} is attached. The two clauses are
// disjunctive (either fully satisfies the action), matching spec semantics
// that a step with both parentage types may run when either is satisfied.
func Compile(base state.Rules, stepIDs []int64, successEdges, failureEdges []Edge) (map[int64]state.Rules, error) {
	successPreds := make(map[int64][]int64)
	failurePreds := make(map[int64][]int64)

	known := make(map[int64]bool, len(stepIDs))
	for _, id := range stepIDs {
		known[id] = true
	}

	for _, e := range successEdges {
		if !known[e.From] || !known[e.To] {
			return nil, fmt.Errorf("dag: success edge %d->%d references unknown step", e.From, e.To)
		}
		successPreds[e.To] = append(successPreds[e.To], e.From)
	}
	for _, e := range failureEdges {
		if !known[e.From] || !known[e.To] {
			return nil, fmt.Errorf("dag: failure edge %d->%d references unknown step", e.From, e.To)
		}
		failurePreds[e.To] = append(failurePreds[e.To], e.From)
	}

	out := make(map[int64]state.Rules, len(stepIDs))
	for _, id := range stepIDs {
		r := base.Clone()

		var clauses []state.Precondition
		if preds := successPreds[id]; len(preds) > 0 {
			slices.Sort(preds)
			clause := make(state.Precondition, len(preds))
			for _, p := range preds {
				clause[p] = []state.State{state.Succeeded, state.Skipped}
			}
			clauses = append(clauses, clause)
		}
		if preds := failurePreds[id]; len(preds) > 0 {
			slices.Sort(preds)
			clause := make(state.Precondition, len(preds))
			for _, p := range preds {
				clause[p] = []state.State{state.Failed}
			}
			clauses = append(clauses, clause)
		}

		if len(clauses) > 0 {
			if waiting, ok := r[state.Waiting]; ok {
				if run, ok := waiting[state.Run]; ok {
					run.Preconditions = clauses
					waiting[state.Run] = run
				}
			}
			if toSkip, ok := r[state.ToSkip]; ok {
				if skip, ok := toSkip[state.Skip]; ok {
					skip.Preconditions = clauses
					toSkip[state.Skip] = skip
				}
			}
		}

		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("dag: compiled rules for step %d: %w", id, err)
		}
		out[id] = r
	}

	return out, nil
}

// TopoOrder returns a deterministic topological order over stepIDs induced
// by successEdges (Kahn's algorithm), or an error if a cycle is present.
// failureEdges do not constrain ordering: a step reachable only through a
// failure edge is still "after" its origin in wall-clock terms, but does
// not participate in the acyclicity check per spec.md's DAG encoding,
// since a step may legitimately run after a predecessor it has no
// success-path relationship with.
func TopoOrder(stepIDs []int64, successEdges []Edge) ([]int64, error) {
	inDegree := make(map[int64]int, len(stepIDs))
	forward := make(map[int64][]int64)
	known := make(map[int64]bool, len(stepIDs))
	for _, id := range stepIDs {
		inDegree[id] = 0
		known[id] = true
	}
	for _, e := range successEdges {
		if !known[e.From] || !known[e.To] {
			return nil, fmt.Errorf("dag: edge %d->%d references unknown step", e.From, e.To)
		}
		forward[e.From] = append(forward[e.From], e.To)
		inDegree[e.To]++
	}

	var queue []int64
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	slices.Sort(queue)

	var order []int64
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		succ := append([]int64(nil), forward[node]...)
		slices.Sort(succ)
		for _, s := range succ {
			inDegree[s]--
			if inDegree[s] == 0 {
				queue = append(queue, s)
			}
		}
		slices.Sort(queue)
	}

	if len(order) != len(stepIDs) {
		var stuck []int64
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		slices.Sort(stuck)
		return nil, fmt.Errorf("dag: cycle detected among steps %v", stuck)
	}

	return order, nil
}
