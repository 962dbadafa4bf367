// Package evaluator drives every step's state machine tick by tick until
// quiescence: compute available transitions, run the callback pipeline,
// apply whatever actions it returned, repeat. Grounded on
// internal/scheduler/loop.go's Loop.Start/Tick shape (ticker/stopCh/
// doneCh lifecycle, phase-by-phase tick body), but diverges deliberately
// on error handling: a fatal pipeline error stops and propagates instead
// of being logged and absorbed, per the callback pipeline's contract that
// an exception there is fatal to the run.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/autotrail/pkg/api"
	"github.com/me/autotrail/pkg/dag"
	"github.com/me/autotrail/pkg/pipeline"
	"github.com/me/autotrail/pkg/state"
	"github.com/me/autotrail/pkg/step"
	"github.com/me/autotrail/pkg/trailctx"
	"github.com/me/autotrail/pkg/worker"

	"github.com/me/autotrail/internal/dagfile"
)

// Config tunes the tick loop itself; domain wiring (rules, steps, edges)
// is supplied separately to New.
type Config struct {
	TickDelay        time.Duration
	SerializeTimeout time.Duration
	IOBuffer         int
	OutputBuffer     int
}

// DefaultConfig returns no artificial pacing, a 50ms serialize drain
// budget, and small per-step channel buffers.
func DefaultConfig() Config {
	return Config{
		TickDelay:        0,
		SerializeTimeout: 50 * time.Millisecond,
		IOBuffer:         16,
		OutputBuffer:     16,
	}
}

// Evaluator owns the live states map, the per-step rule tables, and the
// worker handles spawned for running steps. Exactly one goroutine (Run)
// mutates states and workers; the API snapshot is built under the
// read lock, and Terminate is only called from within a tick.
type Evaluator struct {
	mu     sync.RWMutex
	states map[int64]state.State
	rules  map[int64]state.Rules

	steps        map[int64]*step.Step
	successEdges []dag.Edge
	tctx         *trailctx.Context
	workers      map[int64]*worker.Handle

	pipeline *pipeline.Pipeline
	cfg      Config
	isFatal  func(error) bool
	logger   *slog.Logger

	serialized   map[int64]trailctx.Snapshot
	stepSnapshot map[int64]pipeline.StepSnapshot
	shutdownFlag *bool

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Deps bundles everything New needs beyond pacing config: the compiled
// per-step rule tables (see pkg/dag.Compile), the steps themselves, the
// success-edge list (for next_steps' topological order and legacy branch
// ops), the shared context, a fatal-error classifier for check_worker,
// the in-process channels the API server tick and injected-action reader
// stages consume, and the registry driving API dispatch.
type Deps struct {
	Rules        map[int64]state.Rules
	Steps        map[int64]*step.Step
	SuccessEdges []dag.Edge
	Context      *trailctx.Context
	IsFatal      func(error) bool
	Registry     api.Registry
	Calls        <-chan api.Call
	Injected     <-chan map[int64]state.Action
	Logger       *slog.Logger

	// WhenExprs/Names are optional: set only when the trail was loaded via
	// internal/dagfile with one or more "when:" guards. Nil/empty disables
	// the gate stage entirely (every tick is a no-op pass-through).
	WhenExprs map[int64]string
	Names     map[int64]string

	// InitialStates overrides the default Ready state for the listed step
	// ids, e.g. with the remapped states internal/persist.Restore produces
	// from a prior run's snapshot. Nil for an ordinary fresh run.
	InitialStates map[int64]state.State
}

// New assembles an Evaluator and its pipeline from deps and cfg. Every
// step starts in Ready unless deps.InitialStates overrides it.
func New(deps Deps, cfg Config) *Evaluator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "evaluator")

	states := make(map[int64]state.State, len(deps.Rules))
	for id := range deps.Rules {
		states[id] = state.Ready
	}
	for id, s := range deps.InitialStates {
		if _, known := states[id]; known {
			states[id] = s
		}
	}

	e := &Evaluator{
		states:       states,
		rules:        deps.Rules,
		steps:        deps.Steps,
		successEdges: deps.SuccessEdges,
		tctx:         deps.Context,
		workers:      make(map[int64]*worker.Handle),
		cfg:          cfg,
		isFatal:      deps.IsFatal,
		logger:       logger,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	var stateHistory []map[int64]state.State
	var transitionHistory []map[int64][]state.Action
	e.shutdownFlag = new(bool)

	e.pipeline = pipeline.New(
		pipeline.AutomatedResolver(e.steps, e.workers, e.tctx, e.isFatal, cfg.IOBuffer, cfg.OutputBuffer, logger),
		pipeline.StatesRecorder(&stateHistory, 100),
		pipeline.TransitionsRecorder(&transitionHistory, 100),
		pipeline.StepSerializer(e.workers, &e.stepSnapshot),
		pipeline.ContextSerializer(e.tctx, cfg.SerializeTimeout, &e.serialized),
		dagfile.WhenGate(deps.WhenExprs, deps.Names, &e.serialized, logger),
		pipeline.InjectedActionReader(deps.Injected),
		pipeline.APIServerTick(deps.Registry, deps.Calls, e.buildAPISnapshot, e.shutdownFlag),
		pipeline.Delay(cfg.TickDelay),
	)

	return e
}

func (e *Evaluator) buildAPISnapshot() api.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return api.Snapshot{
		Steps:        e.steps,
		Context:      e.tctx,
		Serialized:   e.serialized,
		SuccessEdges: e.successEdges,
		Terminate:    e.Terminate,
	}
}

// Terminate forcibly ends the worker for id, if one is running. Safe to
// call from within a tick (API server tick stage) since it only touches
// the workers map, which only the Run goroutine otherwise mutates.
func (e *Evaluator) Terminate(id int64) bool {
	h, ok := e.workers[id]
	if !ok {
		return false
	}
	h.Terminate()
	return true
}

// Run drives ticks until the context is cancelled, Stop is called, no
// step has any available action (full quiescence; steps left waiting on
// unmet preconditions stay non-terminal), or the shutdown operation is
// dispatched. A non-nil return is either ctx.Err() after cancellation or
// a fatal pipeline error.
func (e *Evaluator) Run(ctx context.Context) error {
	e.logger.Info("evaluator started")
	defer close(e.doneCh)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("evaluator stopping (context cancelled)")
			return ctx.Err()
		case <-e.stopCh:
			e.logger.Info("evaluator stopping (stop called)")
			return nil
		default:
		}

		quiescent, err := e.tick()
		if err != nil {
			e.logger.Error("tick error", "error", err)
			return fmt.Errorf("evaluator: %w", err)
		}
		if e.shutdownFlag != nil && *e.shutdownFlag {
			e.logger.Info("evaluator stopping (shutdown requested)")
			return nil
		}
		if quiescent {
			e.logger.Info("evaluator quiescent: no step has an available action")
			return nil
		}
	}
}

// Stop signals Run to exit at the next tick boundary and blocks until it
// has. Safe to call multiple times or before Run starts.
func (e *Evaluator) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

// IsAlive reports whether Run has not yet returned.
func (e *Evaluator) IsAlive() bool {
	select {
	case <-e.doneCh:
		return false
	default:
		return true
	}
}

func (e *Evaluator) tick() (quiescent bool, err error) {
	e.mu.RLock()
	states := make(map[int64]state.State, len(e.states))
	for id, s := range e.states {
		states[id] = s
	}
	e.mu.RUnlock()

	transitions := make(map[int64][]state.Action, len(states))
	anyAvailable := false
	for id, s := range states {
		avail := e.rules[id].Available(s, states)
		transitions[id] = avail
		if len(avail) > 0 {
			anyAvailable = true
		}
	}

	t := &pipeline.Tick{
		States:      states,
		Transitions: transitions,
		Quiescent:   !anyAvailable,
	}
	if runErr := e.pipeline.Run(t); runErr != nil {
		return false, runErr
	}

	if !anyAvailable {
		return true, nil
	}

	e.mu.Lock()
	for id, action := range t.Actions {
		avail := transitions[id]
		allowed := false
		for _, a := range avail {
			if a == action {
				allowed = true
				break
			}
		}
		if !allowed {
			continue
		}
		to, ok := e.rules[id].Apply(states[id], action)
		if !ok {
			continue
		}
		e.states[id] = to
	}
	e.mu.Unlock()

	return false, nil
}
