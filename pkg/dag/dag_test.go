package dag

import (
	"testing"

	"github.com/me/autotrail/pkg/state"
)

func TestCompileSuccessEdgeANDMerge(t *testing.T) {
	base := state.DefaultRules()
	// steps: 1, 2 -> 3 (both success edges into 3)
	out, err := Compile(base, []int64{1, 2, 3}, []Edge{{From: 1, To: 3}, {From: 2, To: 3}}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	r3 := out[3]
	run := r3[state.Waiting][state.Run]
	if len(run.Preconditions) != 1 {
		t.Fatalf("expected single AND-merged clause, got %d", len(run.Preconditions))
	}
	clause := run.Preconditions[0]
	if len(clause) != 2 {
		t.Fatalf("expected 2 predecessors in clause, got %d", len(clause))
	}

	// not satisfied unless both succeeded/skipped
	if clause.Satisfied(map[int64]state.State{1: state.Succeeded, 2: state.Running}) {
		t.Fatalf("should require both predecessors")
	}
	if !clause.Satisfied(map[int64]state.State{1: state.Succeeded, 2: state.Skipped}) {
		t.Fatalf("should be satisfied when both succeeded/skipped")
	}
}

func TestCompileSuccessAndFailureAreDisjunctive(t *testing.T) {
	base := state.DefaultRules()
	// step 3 has a success-edge parent 1 and a failure-edge parent 2.
	out, err := Compile(base, []int64{1, 2, 3}, []Edge{{From: 1, To: 3}}, []Edge{{From: 2, To: 3}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	run := out[3][state.Waiting][state.Run]
	if len(run.Preconditions) != 2 {
		t.Fatalf("expected 2 disjunctive clauses, got %d", len(run.Preconditions))
	}

	current := map[int64]state.State{1: state.Succeeded, 2: state.Running}
	if !run.Available(current) {
		t.Fatalf("should be available via success clause alone")
	}
	current2 := map[int64]state.State{1: state.Running, 2: state.Failed}
	if !run.Available(current2) {
		t.Fatalf("should be available via failure clause alone")
	}
	current3 := map[int64]state.State{1: state.Running, 2: state.Running}
	if run.Available(current3) {
		t.Fatalf("should not be available when neither clause holds")
	}
}

func TestCompileRootStepHasNoPreconditions(t *testing.T) {
	base := state.DefaultRules()
	out, err := Compile(base, []int64{1}, nil, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	run := out[1][state.Waiting][state.Run]
	if len(run.Preconditions) != 0 {
		t.Fatalf("root step should have no preconditions, got %v", run.Preconditions)
	}
}

func TestTopoOrderLinear(t *testing.T) {
	order, err := TopoOrder([]int64{1, 2, 3}, []Edge{{From: 1, To: 2}, {From: 2, To: 3}})
	if err != nil {
		t.Fatalf("topo order: %v", err)
	}
	want := []int64{1, 2, 3}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v want %v", order, want)
		}
	}
}

func TestTopoOrderDetectsCycle(t *testing.T) {
	_, err := TopoOrder([]int64{1, 2}, []Edge{{From: 1, To: 2}, {From: 2, To: 1}})
	if err == nil {
		t.Fatalf("expected cycle error")
	}
}
