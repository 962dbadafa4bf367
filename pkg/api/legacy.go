package api

import (
	"sort"
	"strconv"

	"github.com/me/autotrail/pkg/dag"
	"github.com/me/autotrail/pkg/state"
)

// WithLegacyOps adds the pre-DAG-compiler operations — block, unblock,
// pause_branch, resume_branch, set_pause_on_fail, unset_pause_on_fail —
// onto an existing Registry for back-compatible operator tooling. These
// ops predate the DAG compiler's automatic precondition wiring and are
// off by default; new deployments should prefer pause/resume plus DAG
// edges.
func WithLegacyOps(r Registry) Registry {
	r["block"] = func(req Request, snap Snapshot) Outcome {
		ids := filterByActionAndTags(snap, req.Tags, state.Pause)
		return emitAction("block", ids, state.Pause, req.DryRun)
	}

	r["unblock"] = func(req Request, snap Snapshot) Outcome {
		ids := filterByActionAndTags(snap, req.Tags, state.Resume)
		return emitAction("unblock", ids, state.Resume, req.DryRun)
	}

	// pause_branch pauses req matching steps and every step reachable from
	// them via success edges, so an in-flight branch stops as a unit.
	r["pause_branch"] = func(req Request, snap Snapshot) Outcome {
		roots := matchingIDs(snap, req.Tags)
		reachable := reachableFrom(roots, snap.SuccessEdges)
		var ids []int64
		for id := range reachable {
			if hasAction(snap, id, state.Pause) {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		return emitAction("pause_branch", ids, state.Pause, req.DryRun)
	}

	r["resume_branch"] = func(req Request, snap Snapshot) Outcome {
		roots := matchingIDs(snap, req.Tags)
		reachable := reachableFrom(roots, snap.SuccessEdges)
		var ids []int64
		for id := range reachable {
			if hasAction(snap, id, state.Resume) {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		return emitAction("resume_branch", ids, state.Resume, req.DryRun)
	}

	// set_pause_on_fail / unset_pause_on_fail toggle a per-step global flag
	// consulted by pipeline.AutomatedResolver before converting a worker
	// failure into the Fail action; the flag itself lives in the shared
	// Context's globals so the evaluator can read it without a new
	// snapshot field.
	r["set_pause_on_fail"] = func(req Request, snap Snapshot) Outcome {
		for _, id := range matchingIDs(snap, req.Tags) {
			if !req.DryRun {
				snap.Context.SetGlobal(PauseOnFailKey(id), true)
			}
		}
		return Outcome{Reply: Reply{Name: "set_pause_on_fail", Result: matchingIDs(snap, req.Tags)}}
	}

	r["unset_pause_on_fail"] = func(req Request, snap Snapshot) Outcome {
		for _, id := range matchingIDs(snap, req.Tags) {
			if !req.DryRun {
				snap.Context.SetGlobal(PauseOnFailKey(id), false)
			}
		}
		return Outcome{Reply: Reply{Name: "unset_pause_on_fail", Result: matchingIDs(snap, req.Tags)}}
	}

	return r
}

// PauseOnFailKey names the shared Context global flag for a step's
// pause-on-fail setting, read by pipeline.AutomatedResolver.
func PauseOnFailKey(id int64) string {
	return "pause_on_fail:" + strconv.FormatInt(id, 10)
}

func reachableFrom(roots []int64, edges []dag.Edge) map[int64]bool {
	forward := make(map[int64][]int64)
	for _, e := range edges {
		forward[e.From] = append(forward[e.From], e.To)
	}
	seen := make(map[int64]bool, len(roots))
	queue := append([]int64(nil), roots...)
	for _, r := range roots {
		seen[r] = true
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, next := range forward[n] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}
