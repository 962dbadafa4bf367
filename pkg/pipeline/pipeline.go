// Package pipeline implements the per-tick callback pipeline: an ordered
// list of stages, each free to emit a (possibly partial) step id -> action
// map, folded left-to-right so a later stage's entry for a step id
// overwrites an earlier stage's entry for the same id. This lets the API
// tick stage override an automated decision made earlier in the same
// tick, per spec.
package pipeline

import (
	"time"

	"github.com/me/autotrail/pkg/state"
)

// Tick carries everything a Stage needs to read or write for one
// evaluator tick. Built fresh by the evaluator before each pipeline
// invocation.
type Tick struct {
	States      map[int64]state.State
	Transitions map[int64][]state.Action

	// Actions accumulates the merged action map across stages; each stage
	// mutates it directly (later writes win, which is just a plain map
	// overwrite — no separate merge step is needed).
	Actions map[int64]state.Action

	// Quiescent is set by the evaluator before invoking the pipeline: true
	// when every step's transitions list is empty. FinalCallback only
	// fires on a quiescent tick.
	Quiescent bool

	// StateHistory/TransitionHistory are appended to by StatesRecorder/
	// TransitionsRecorder; the API layer does not read them.
	StateHistory      *[]map[int64]state.State
	TransitionHistory *[]map[int64][]state.Action
}

// Emit records action a for step id, overwriting any earlier entry —
// the single mutation point every stage should use instead of writing to
// t.Actions directly, so the later-wins contract stays obvious at call
// sites.
func (t *Tick) Emit(id int64, a state.Action) {
	if t.Actions == nil {
		t.Actions = make(map[int64]state.Action)
	}
	t.Actions[id] = a
}

// Stage is one step of the pipeline. An error from a stage is fatal to
// the tick and propagates out of Pipeline.Run (and from there out of the
// evaluator, per spec's "logged and re-raised" requirement).
type Stage func(t *Tick) error

// Pipeline is an ordered, immutable list of stages.
type Pipeline struct {
	stages []Stage
}

// New composes stages into a Pipeline, run in the given order.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: append([]Stage(nil), stages...)}
}

// Run invokes every stage in order against t, stopping at the first
// error.
func (p *Pipeline) Run(t *Tick) error {
	for _, s := range p.stages {
		if err := s(t); err != nil {
			return err
		}
	}
	return nil
}

// StatesRecorder appends a copy of t.States to *history, bounding it to
// the given capacity (0 means unbounded) by dropping the oldest entry
// first.
func StatesRecorder(history *[]map[int64]state.State, maxLen int) Stage {
	return func(t *Tick) error {
		cp := make(map[int64]state.State, len(t.States))
		for id, s := range t.States {
			cp[id] = s
		}
		*history = append(*history, cp)
		if maxLen > 0 && len(*history) > maxLen {
			*history = (*history)[len(*history)-maxLen:]
		}
		t.StateHistory = history
		return nil
	}
}

// TransitionsRecorder mirrors StatesRecorder for the transitions map.
func TransitionsRecorder(history *[]map[int64][]state.Action, maxLen int) Stage {
	return func(t *Tick) error {
		cp := make(map[int64][]state.Action, len(t.Transitions))
		for id, actions := range t.Transitions {
			cp[id] = append([]state.Action(nil), actions...)
		}
		*history = append(*history, cp)
		if maxLen > 0 && len(*history) > maxLen {
			*history = (*history)[len(*history)-maxLen:]
		}
		t.TransitionHistory = history
		return nil
	}
}

// Delay sleeps d, implementing the optional tick-pacing stage. A zero d
// is a no-op (no goroutine scheduling point forced).
func Delay(d time.Duration) Stage {
	return func(t *Tick) error {
		if d > 0 {
			time.Sleep(d)
		}
		return nil
	}
}

// FinalCallback invokes fn once a tick is quiescent (no step has any
// available action left), matching the pipeline's "final callback" stage.
func FinalCallback(fn func(states map[int64]state.State)) Stage {
	return func(t *Tick) error {
		if t.Quiescent && fn != nil {
			fn(t.States)
		}
		return nil
	}
}
