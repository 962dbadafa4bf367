package dagfile

import (
	"context"
	"log/slog"
	"testing"

	"github.com/me/autotrail/pkg/iochan"
	"github.com/me/autotrail/pkg/pipeline"
	"github.com/me/autotrail/pkg/state"
	"github.com/me/autotrail/pkg/step"
	"github.com/me/autotrail/pkg/trailctx"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func noop(ctx context.Context, io *iochan.Channel, out *iochan.OutputChannel) (any, error) {
	return nil, nil
}

func testRegistry() map[string]step.Func {
	return map[string]step.Func{"noop": noop}
}

const twoStepYAML = `
steps:
  - name: build
    tags: {stage: build}
    run: noop
  - name: deploy
    tags: {stage: deploy}
    run: noop
    when: "context.build.return_value == 'ok'"
success_edges:
  - from: build
    to: deploy
`

func TestLoadAssignsIdsAndEdges(t *testing.T) {
	c, err := Load([]byte(twoStepYAML), testRegistry())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(c.Steps))
	}
	if len(c.SuccessEdges) != 1 || c.SuccessEdges[0].From != c.Steps[0].ID || c.SuccessEdges[0].To != c.Steps[1].ID {
		t.Fatalf("unexpected success edges: %+v", c.SuccessEdges)
	}
	if c.WhenExprs[c.Steps[1].ID] == "" {
		t.Fatalf("expected when expression on deploy step")
	}
	if c.Names[c.Steps[0].ID] != "build" {
		t.Fatalf("expected names map to carry build's name")
	}
}

func TestLoadRejectsUnknownRun(t *testing.T) {
	doc := `
steps:
  - name: a
    run: does-not-exist
`
	if _, err := Load([]byte(doc), testRegistry()); err == nil {
		t.Fatalf("expected error for unknown run")
	}
}

func TestLoadRejectsUnknownEdgeStep(t *testing.T) {
	doc := `
steps:
  - name: a
    run: noop
success_edges:
  - from: a
    to: missing
`
	if _, err := Load([]byte(doc), testRegistry()); err == nil {
		t.Fatalf("expected error for edge referencing unknown step")
	}
}

func TestLoadRejectsCycle(t *testing.T) {
	doc := `
steps:
  - name: a
    run: noop
  - name: b
    run: noop
success_edges:
  - from: a
    to: b
  - from: b
    to: a
`
	if _, err := Load([]byte(doc), testRegistry()); err == nil {
		t.Fatalf("expected cycle error")
	}
}

func TestWhenGateSkipsStepWhenExpressionFalse(t *testing.T) {
	exprs := map[int64]string{1: "context.build.return_value == 'ok'"}
	names := map[int64]string{0: "build", 1: "deploy"}
	serialized := map[int64]trailctx.Snapshot{
		0: {ReturnValue: "not-ok"},
	}
	gate := WhenGate(exprs, names, &serialized, testLogger())

	tick := &pipeline.Tick{
		Transitions: map[int64][]state.Action{
			1: {state.MarkToSkip, state.Run},
		},
		Actions: map[int64]state.Action{1: state.Run},
	}
	if err := gate(tick); err != nil {
		t.Fatalf("gate: %v", err)
	}
	if tick.Actions[1] != state.MarkToSkip {
		t.Fatalf("expected gate to override Run with Mark-to-skip, got %v", tick.Actions[1])
	}
}

func TestWhenGateLeavesStepAloneWhenExpressionTrue(t *testing.T) {
	exprs := map[int64]string{1: "context.build.return_value == 'ok'"}
	names := map[int64]string{0: "build", 1: "deploy"}
	serialized := map[int64]trailctx.Snapshot{
		0: {ReturnValue: "ok"},
	}
	gate := WhenGate(exprs, names, &serialized, testLogger())

	tick := &pipeline.Tick{
		Transitions: map[int64][]state.Action{
			1: {state.MarkToSkip, state.Run},
		},
		Actions: map[int64]state.Action{1: state.Run},
	}
	if err := gate(tick); err != nil {
		t.Fatalf("gate: %v", err)
	}
	if tick.Actions[1] != state.Run {
		t.Fatalf("expected Run to survive when guard is true, got %v", tick.Actions[1])
	}
}

func TestWhenGateIgnoresStepsWithoutMarkToSkipAvailable(t *testing.T) {
	exprs := map[int64]string{1: "false"}
	names := map[int64]string{1: "deploy"}
	serialized := map[int64]trailctx.Snapshot{}
	gate := WhenGate(exprs, names, &serialized, testLogger())

	tick := &pipeline.Tick{
		Transitions: map[int64][]state.Action{1: {state.Succeed}},
		Actions:     map[int64]state.Action{},
	}
	if err := gate(tick); err != nil {
		t.Fatalf("gate: %v", err)
	}
	if _, emitted := tick.Actions[1]; emitted {
		t.Fatalf("did not expect an emitted action, got %v", tick.Actions)
	}
}
