package pipeline

import (
	"log/slog"

	"github.com/me/autotrail/pkg/api"
	"github.com/me/autotrail/pkg/state"
	"github.com/me/autotrail/pkg/step"
	"github.com/me/autotrail/pkg/trailctx"
	"github.com/me/autotrail/pkg/worker"
)

// AutomatedResolver implements the static action -> evaluator_fn table:
// Run spawns a worker (and is considered immediately successful, since
// spawning itself doesn't block) — or respawns one, consuming a fresh
// result channel, when Run re-targets a step whose existing handle has
// already finished (Interrupt->Resume, Error->Rerun); Succeed/Fail/Error
// all consult the same check_worker call per step per tick, classifying
// its result against "success"/"failure"/"tempfail" (a failure is routed
// to Error instead of Failed when the step's pause_on_fail global is set,
// per api.WithLegacyOps's set_pause_on_fail); Skip is unconditional (noop)
// whenever available. workers is mutated in place as steps are spawned so
// the evaluator can find handles for Terminate/IsAlive afterward.
func AutomatedResolver(
	steps map[int64]*step.Step,
	workers map[int64]*worker.Handle,
	tctx *trailctx.Context,
	isFatal func(error) bool,
	ioBuf, outBuf int,
	logger *slog.Logger,
) Stage {
	return func(t *Tick) error {
		for id, actions := range t.Transitions {
			var hasRun, hasSkip, hasWorkerAction bool
			for _, a := range actions {
				switch a {
				case state.Run:
					hasRun = true
				case state.Skip:
					hasSkip = true
				case state.Succeed, state.Fail, state.ErrorAction:
					hasWorkerAction = true
				}
			}

			if hasRun {
				h, spawned := workers[id]
				if !spawned || !h.IsAlive() {
					s := steps[id]
					sc, ok := tctx.Get(id)
					if !ok {
						sc = tctx.Register(id, ioBuf, outBuf)
					} else if spawned {
						// Interrupt->Resume or Error->Rerun: the prior
						// handle is done, so Run must consume a fresh
						// result channel (a new worker.Handle), not the
						// stale completed one. Preserve the step's I/O
						// and output logs across the respawn.
						ioLog, outLog := sc.IO.Log(), sc.Output.Log()
						sc = tctx.Register(id, ioBuf, outBuf)
						sc.IO.Seed(ioLog)
						sc.Output.Seed(outLog)
					}
					var fn worker.Func
					if s != nil && s.Fn != nil {
						fn = worker.Func(s.Fn)
					}
					workers[id] = worker.Spawn(fn, sc.IO, sc.Output, logger)
				}
				t.Emit(id, state.Run)
			}

			if hasSkip {
				t.Emit(id, state.Skip)
			}

			if hasWorkerAction {
				h, ok := workers[id]
				if !ok {
					continue
				}
				status := worker.Check(h, isFatal, func(value any, err error) {
					tctx.SetResult(id, value, err)
				})
				switch status {
				case worker.StatusSuccess:
					t.Emit(id, state.Succeed)
				case worker.StatusFailure:
					// Running has no Pause action of its own; a step with
					// pause_on_fail set lands in Error instead of Failed
					// on failure, holding it for an operator's Rerun or
					// Mark-to-skip rather than ending the trail branch.
					if pause, _ := tctx.Global(api.PauseOnFailKey(id)); pause == true {
						t.Emit(id, state.ErrorAction)
					} else {
						t.Emit(id, state.Fail)
					}
				case worker.StatusTempfail:
					t.Emit(id, state.ErrorAction)
				case worker.StatusRunning:
					// not ready; no action this tick.
				}
			}
		}
		return nil
	}
}
