// Package persist implements the optional JSON backup/restore document:
// a per-step-name snapshot of state, return value, and I/O/output/input
// message logs, used to resume a trail across process restarts without a
// database. Grounded on internal/store/sqlite.go's
// migrate-then-validate-before-load discipline, adapted from a SQL schema
// gate to a JSON-shape validation gate: restore refuses to apply a
// document whose step set or parent lists don't match the live trail.
package persist

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/me/autotrail/pkg/dag"
	"github.com/me/autotrail/pkg/iochan"
	"github.com/me/autotrail/pkg/state"
	"github.com/me/autotrail/pkg/step"
	"github.com/me/autotrail/pkg/trailctx"
)

// StepDoc is one step's persisted record, keyed by name in Document.
//
// InputMessages (the operator's replies to the step's prompts) round-trips
// through Marshal/Unmarshal but Restore does not replay it: iochan.Channel
// keeps a log of prompts sent, not of replies received, so there is
// nothing live to seed it into.
type StepDoc struct {
	State          string   `json:"State"`
	ReturnValue    any      `json:"ReturnValue"`
	PromptMessages []any    `json:"PromptMessages"`
	OutputMessages []any    `json:"OutputMessages"`
	InputMessages  []any    `json:"InputMessages"`
	Parents        []string `json:"parents"`
}

// Document is the full backup file: step name -> StepDoc.
type Document map[string]StepDoc

// Marshal renders doc as the on-disk JSON form.
func Marshal(doc Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// Unmarshal parses the on-disk JSON form.
func Unmarshal(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("persist: parse: %w", err)
	}
	return doc, nil
}

// DefaultRemap is the default from-state -> to-state restore remap:
// Running and the legacy Blocked state both land on Paused, since neither
// a mid-flight worker nor a blocked step can be trusted to resume exactly
// where it left off.
func DefaultRemap() map[string]string {
	return map[string]string{
		"Running": "Paused",
		"Blocked": "Paused",
	}
}

var validStates = map[state.State]bool{
	state.Ready: true, state.Waiting: true, state.ToSkip: true, state.Skipped: true,
	state.Paused: true, state.Running: true, state.Interrupted: true,
	state.Succeeded: true, state.Failed: true, state.Error: true,
}

// Snapshot captures the live trail's shape (names and parent-by-name
// sets) that a Document is validated against.
type Snapshot struct {
	steps   []*step.Step
	parents map[string][]string // step name -> predecessor names, by success edge
}

// BuildSnapshot derives a Snapshot from the live step set and its
// success-edge predecessors.
func BuildSnapshot(steps []*step.Step, successEdges []dag.Edge) *Snapshot {
	byID := make(map[int64]*step.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	parents := make(map[string][]string, len(steps))
	for _, s := range steps {
		parents[nameOf(s)] = nil
	}
	for _, e := range successEdges {
		from, ok1 := byID[e.From]
		to, ok2 := byID[e.To]
		if !ok1 || !ok2 {
			continue
		}
		parents[nameOf(to)] = append(parents[nameOf(to)], nameOf(from))
	}
	for name := range parents {
		sort.Strings(parents[name])
	}
	return &Snapshot{steps: steps, parents: parents}
}

func nameOf(s *step.Step) string {
	if n, ok := s.Tags["name"].(string); ok {
		return n
	}
	return ""
}

// Validate checks doc against snap: every live step must have an entry,
// and its parent list (order-independent) must match the live
// success-edge predecessors exactly.
func (snap *Snapshot) Validate(doc Document) error {
	for _, s := range snap.steps {
		name := nameOf(s)
		sd, ok := doc[name]
		if !ok {
			return fmt.Errorf("persist: missing step %q in document", name)
		}
		want := append([]string(nil), snap.parents[name]...)
		got := append([]string(nil), sd.Parents...)
		sort.Strings(got)
		if !equalStrings(want, got) {
			return fmt.Errorf("persist: step %q parent list mismatch: have %v, document has %v", name, want, got)
		}
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Restore validates doc against snap, then applies remap (nil means
// DefaultRemap) to each step's persisted state and seeds tctx with its
// persisted return value and message logs (no exception is seeded). It returns the
// restored state for every live step, by id.
func Restore(doc Document, snap *Snapshot, remap map[string]string, tctx *trailctx.Context, ioBuf, outBuf int) (map[int64]state.State, error) {
	if err := snap.Validate(doc); err != nil {
		return nil, err
	}
	if remap == nil {
		remap = DefaultRemap()
	}

	states := make(map[int64]state.State, len(snap.steps))
	for _, s := range snap.steps {
		sd := doc[nameOf(s)]

		raw := sd.State
		if to, ok := remap[raw]; ok {
			raw = to
		}
		st := state.State(raw)
		if !validStates[st] {
			return nil, fmt.Errorf("persist: step %q has unknown state %q", nameOf(s), sd.State)
		}
		states[s.ID] = st

		// The persisted shape carries no separate exception field; a
		// failed step's error is implied by its State, not replayed here.
		tctx.Restore(s.ID, ioBuf, outBuf, sd.ReturnValue, "",
			toMessages(sd.PromptMessages), toMessages(sd.OutputMessages))
	}
	return states, nil
}

func toMessages(values []any) []iochan.Message {
	if len(values) == 0 {
		return nil
	}
	out := make([]iochan.Message, len(values))
	for i, v := range values {
		out[i] = iochan.Message{Value: v}
	}
	return out
}
