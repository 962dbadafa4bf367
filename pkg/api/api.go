// Package api implements the operations table exposed to operators:
// start, pause, resume, rerun, skip, unskip, interrupt, send_message,
// status, list, shutdown, get_serialized_context,
// steps_waiting_for_user_input, next_steps, and a legacy block/unblock/
// pause_branch/resume_branch/set_pause_on_fail/unset_pause_on_fail set.
// Each handler receives a read-only Snapshot of the tick's
// (states, transitions) plus call-specific request fields, and returns an
// Outcome: a reply envelope, an optional actions map to merge into the
// tick, and an optional shutdown signal.
package api

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/me/autotrail/pkg/dag"
	"github.com/me/autotrail/pkg/iochan"
	"github.com/me/autotrail/pkg/state"
	"github.com/me/autotrail/pkg/step"
	"github.com/me/autotrail/pkg/trailctx"
)

// Request is the decoded shape of a control-channel call.
type Request struct {
	Name         string            `json:"name"`
	Tags         map[string]string `json:"tags,omitempty"`
	States       []string          `json:"states,omitempty"`
	StatusFields []string          `json:"status_fields,omitempty"`
	StepCount    int               `json:"step_count,omitempty"`
	Message      any               `json:"message,omitempty"`
	DryRun       bool              `json:"dry_run,omitempty"`
}

// Reply is the response envelope for one call.
type Reply struct {
	Name   string `json:"name"`
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// errorReply builds a Reply carrying a validation/operation error with no
// emitted actions.
func errorReply(name, msg string) Outcome {
	return Outcome{Reply: Reply{Name: name, Error: msg}}
}

func okReply(name string, result any) Reply {
	return Reply{Name: name, Result: result}
}

// Snapshot is the read-only view of evaluator state a Handler may consult.
// Steps, States and Transitions all reflect the state at the start of the
// current tick, per spec: precondition/filter evaluation never sees
// mid-tick action effects.
type Snapshot struct {
	Steps       map[int64]*step.Step
	States      map[int64]state.State
	Transitions map[int64][]state.Action
	Context     *trailctx.Context
	Serialized  map[int64]trailctx.Snapshot
	SuccessEdges []dag.Edge

	// Terminate forcibly ends a step's worker; used by interrupt/shutdown.
	Terminate func(id int64) bool
}

// Outcome is what a Handler hands back to the tick: a reply to send to
// the caller, optionally an action map to merge into this tick's actions,
// and optionally a shutdown signal (only meaningful for the "shutdown"
// operation).
type Outcome struct {
	Reply    Reply
	Actions  map[int64]state.Action
	Shutdown bool
}

// Handler implements one named operation.
type Handler func(req Request, snap Snapshot) Outcome

// Call is one request/reply pair as carried over the control channel's
// in-process side: the API server tick pipeline stage reads at most one
// Call per tick and writes exactly one Reply back before moving on.
type Call struct {
	Req   Request
	Reply chan Reply
}

// Registry maps operation name to Handler.
type Registry map[string]Handler

// Dispatch looks up and invokes the handler for req.Name, or returns an
// "unknown operation" error Outcome.
func (r Registry) Dispatch(req Request, snap Snapshot) Outcome {
	h, ok := r[req.Name]
	if !ok {
		return errorReply(req.Name, "unknown operation: "+req.Name)
	}
	return h(req, snap)
}

func tagQuery(tags map[string]string) map[string]any {
	if len(tags) == 0 {
		return nil
	}
	q := make(map[string]any, len(tags))
	for k, v := range tags {
		q[k] = v
	}
	return q
}

// matchingIDs returns the sorted ids of steps matching the tag query.
func matchingIDs(snap Snapshot, tags map[string]string) []int64 {
	q := tagQuery(tags)
	var ids []int64
	for id, s := range snap.Steps {
		if s.Matches(q) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func hasAction(snap Snapshot, id int64, a state.Action) bool {
	for _, avail := range snap.Transitions[id] {
		if avail == a {
			return true
		}
	}
	return false
}

// filterByActionAndTags returns ids that match the tag query and have
// action available.
func filterByActionAndTags(snap Snapshot, tags map[string]string, a state.Action) []int64 {
	var out []int64
	for _, id := range matchingIDs(snap, tags) {
		if hasAction(snap, id, a) {
			out = append(out, id)
		}
	}
	return out
}

// emitAction builds the standard {matched-ids -> action} Outcome, honoring
// dry_run (no actions emitted, ids still reported).
func emitAction(name string, ids []int64, a state.Action, dryRun bool) Outcome {
	if dryRun {
		return Outcome{Reply: Reply{Name: name, Result: ids}}
	}
	actions := make(map[int64]state.Action, len(ids))
	for _, id := range ids {
		actions[id] = a
	}
	return Outcome{Reply: Reply{Name: name, Result: ids}, Actions: actions}
}

// DefaultRegistry builds the core (non-legacy) operations table.
func DefaultRegistry() Registry {
	r := Registry{}

	r["start"] = func(req Request, snap Snapshot) Outcome {
		var ids []int64
		for id := range snap.Steps {
			if hasAction(snap, id, state.Start) {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		return emitAction("start", ids, state.Start, req.DryRun)
	}

	r["pause"] = func(req Request, snap Snapshot) Outcome {
		ids := filterByActionAndTags(snap, req.Tags, state.Pause)
		return emitAction("pause", ids, state.Pause, req.DryRun)
	}

	r["resume"] = func(req Request, snap Snapshot) Outcome {
		ids := filterByActionAndTags(snap, req.Tags, state.Resume)
		return emitAction("resume", ids, state.Resume, req.DryRun)
	}

	r["rerun"] = func(req Request, snap Snapshot) Outcome {
		ids := filterByActionAndTags(snap, req.Tags, state.Rerun)
		return emitAction("rerun", ids, state.Rerun, req.DryRun)
	}

	r["skip"] = func(req Request, snap Snapshot) Outcome {
		ids := filterByActionAndTags(snap, req.Tags, state.MarkToSkip)
		return emitAction("skip", ids, state.MarkToSkip, req.DryRun)
	}

	r["unskip"] = func(req Request, snap Snapshot) Outcome {
		ids := filterByActionAndTags(snap, req.Tags, state.Unskip)
		return emitAction("unskip", ids, state.Unskip, req.DryRun)
	}

	r["interrupt"] = func(req Request, snap Snapshot) Outcome {
		ids := filterByActionAndTags(snap, req.Tags, state.Interrupt)
		if req.DryRun {
			return Outcome{Reply: Reply{Name: "interrupt", Result: ids}}
		}
		actions := make(map[int64]state.Action, len(ids))
		for _, id := range ids {
			if snap.Terminate != nil {
				snap.Terminate(id)
			}
			actions[id] = state.Interrupt
		}
		return Outcome{Reply: Reply{Name: "interrupt", Result: ids}, Actions: actions}
	}

	r["send_message"] = func(req Request, snap Snapshot) Outcome {
		var delivered, undelivered []int64
		for _, id := range matchingIDs(snap, req.Tags) {
			if snap.States[id] != state.Running {
				continue
			}
			sc, ok := snap.Context.Get(id)
			if !ok || sc.IO == nil {
				undelivered = append(undelivered, id)
				continue
			}
			if req.DryRun {
				delivered = append(delivered, id)
				continue
			}
			if sc.IO.Reply(req.Message) {
				delivered = append(delivered, id)
			} else {
				undelivered = append(undelivered, id)
			}
		}
		return Outcome{Reply: Reply{Name: "send_message", Result: map[string]any{
			"delivered":   delivered,
			"undelivered": undelivered,
		}}}
	}

	r["list"] = func(req Request, snap Snapshot) Outcome {
		ids := matchingIDs(snap, req.Tags)
		tags := make(map[int64]map[string]any, len(ids))
		for _, id := range ids {
			tags[id] = snap.Steps[id].Tags
		}
		return Outcome{Reply: Reply{Name: "list", Result: tags}}
	}

	r["status"] = func(req Request, snap Snapshot) Outcome {
		entries, err := buildStatus(req, snap, matchingIDs(snap, req.Tags))
		if err != nil {
			return errorReply("status", err.Error())
		}
		return Outcome{Reply: okReply("status", entries)}
	}

	r["steps_waiting_for_user_input"] = func(req Request, snap Snapshot) Outcome {
		var ids []int64
		for id, s := range snap.States {
			if s != state.Running {
				continue
			}
			sc, ok := snap.Context.Get(id)
			if !ok || sc.IO == nil || len(sc.IO.Log()) == 0 {
				continue
			}
			ids = append(ids, id)
		}
		slices.Sort(ids)
		entries, err := buildStatus(req, snap, ids)
		if err != nil {
			return errorReply("steps_waiting_for_user_input", err.Error())
		}
		return Outcome{Reply: okReply("steps_waiting_for_user_input", entries)}
	}

	r["get_serialized_context"] = func(req Request, snap Snapshot) Outcome {
		return Outcome{Reply: okReply("get_serialized_context", snap.Serialized)}
	}

	r["next_steps"] = func(req Request, snap Snapshot) Outcome {
		n := req.StepCount
		if n <= 0 {
			n = 1
		}
		ids := make([]int64, 0, len(snap.Steps))
		for id := range snap.Steps {
			ids = append(ids, id)
		}
		order, err := dag.TopoOrder(ids, snap.SuccessEdges)
		if err != nil {
			return errorReply("next_steps", err.Error())
		}
		var candidates []int64
		for _, id := range order {
			s := snap.States[id]
			if s == state.Paused || s == state.ToSkip {
				candidates = append(candidates, id)
				if len(candidates) == n {
					break
				}
			}
		}
		actions := make(map[int64]state.Action, len(candidates))
		for _, id := range candidates {
			if snap.States[id] == state.Paused {
				actions[id] = state.Resume
			} else {
				actions[id] = state.Unskip
			}
		}
		if req.DryRun {
			return Outcome{Reply: Reply{Name: "next_steps", Result: candidates}}
		}
		return Outcome{Reply: Reply{Name: "next_steps", Result: candidates}, Actions: actions}
	}

	r["shutdown"] = func(req Request, snap Snapshot) Outcome {
		actions := make(map[int64]state.Action)
		for id := range snap.Steps {
			if hasAction(snap, id, state.Pause) {
				actions[id] = state.Pause
			}
		}
		for id := range snap.Steps {
			if hasAction(snap, id, state.Interrupt) {
				if snap.Terminate != nil {
					snap.Terminate(id)
				}
				actions[id] = state.Interrupt
			}
		}
		return Outcome{Reply: Reply{Name: "shutdown", Result: "ok"}, Actions: actions, Shutdown: true}
	}

	return r
}

var validStatusFields = map[string]bool{
	"name": true, "tags": true, "state": true, "actions": true,
	"io_log": true, "output_log": true, "return_value": true, "exception": true,
}

var validStateNames = map[string]bool{
	string(state.Ready): true, string(state.Waiting): true, string(state.ToSkip): true,
	string(state.Skipped): true, string(state.Paused): true, string(state.Running): true,
	string(state.Interrupted): true, string(state.Succeeded): true, string(state.Failed): true,
	string(state.Error): true,
}

// StatusEntry is one step's status record.
type StatusEntry struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name,omitempty"`
	Tags        map[string]any   `json:"tags,omitempty"`
	State       string           `json:"state,omitempty"`
	Actions     []string         `json:"actions,omitempty"`
	IOLog       []iochan.Message `json:"io_log,omitempty"`
	OutputLog   []iochan.Message `json:"output_log,omitempty"`
	ReturnValue any              `json:"return_value,omitempty"`
	Exception   string           `json:"exception,omitempty"`
}

func buildStatus(req Request, snap Snapshot, ids []int64) ([]StatusEntry, error) {
	fields := req.StatusFields
	if len(fields) == 0 {
		for f := range validStatusFields {
			fields = append(fields, f)
		}
	} else {
		for _, f := range fields {
			if !validStatusFields[f] {
				return nil, fmt.Errorf("unknown status field: %q", f)
			}
		}
	}

	if len(req.States) > 0 {
		wanted := make(map[state.State]bool, len(req.States))
		for _, s := range req.States {
			if !validStateNames[s] {
				return nil, fmt.Errorf("unknown state name: %q", s)
			}
			wanted[state.State(s)] = true
		}
		filtered := ids[:0:0]
		for _, id := range ids {
			if wanted[snap.States[id]] {
				filtered = append(filtered, id)
			}
		}
		ids = filtered
	}

	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[f] = true
	}

	entries := make([]StatusEntry, 0, len(ids))
	for _, id := range ids {
		s := snap.Steps[id]
		e := StatusEntry{ID: id}
		if want["name"] {
			if name, ok := s.Tags["name"].(string); ok {
				e.Name = name
			}
		}
		if want["tags"] {
			e.Tags = s.Tags
		}
		if want["state"] {
			e.State = string(snap.States[id])
		}
		if want["actions"] {
			for _, a := range snap.Transitions[id] {
				e.Actions = append(e.Actions, string(a))
			}
		}
		if sc, ok := snap.Context.Get(id); ok {
			if want["io_log"] && sc.IO != nil {
				e.IOLog = sc.IO.Log()
			}
			if want["output_log"] && sc.Output != nil {
				e.OutputLog = sc.Output.Log()
			}
			if want["return_value"] {
				e.ReturnValue = sc.ReturnValue
			}
			if want["exception"] && sc.Err != nil {
				e.Exception = sc.Err.Error()
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}
