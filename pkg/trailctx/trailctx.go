// Package trailctx implements the shared, concurrently-accessible
// per-step context: return values, exceptions, I/O/output channels and
// their logs, plus arbitrary user globals. It is exclusively owned by the
// evaluator goroutine for step writes; worker goroutines hold only their
// own channel endpoints passed in at spawn. The API layer reads Serialize
// snapshots and, from within the tick, looks up step entries with Get and
// writes globals with SetGlobal.
package trailctx

import (
	"errors"
	"sync"
	"time"

	"github.com/me/autotrail/pkg/iochan"
)

// StepContext is one step's slot in the shared Context.
type StepContext struct {
	ReturnValue any
	Err         error
	IO          *iochan.Channel
	Output      *iochan.OutputChannel
}

// Snapshot is a pure-data copy of a StepContext produced once per tick by
// Context.Serialize: channels are never serialized, only their logs.
type Snapshot struct {
	ReturnValue any             `json:"return_value"`
	Exception   string          `json:"exception,omitempty"`
	IO          []iochan.Message `json:"io"`
	Output      []iochan.Message `json:"output"`
}

// Context is the shared step_id -> StepContext map plus user globals.
type Context struct {
	mu    sync.RWMutex
	steps map[int64]*StepContext

	globalsMu sync.RWMutex
	globals   map[string]any
}

// New creates an empty Context.
func New() *Context {
	return &Context{
		steps:   make(map[int64]*StepContext),
		globals: make(map[string]any),
	}
}

// Register creates and returns fresh I/O and output channels for id,
// replacing any prior entry (used on first Start and again on Rerun; a
// Rerun discards the step object's prior result but its logs are
// preserved separately via the caller snapshotting before Register).
func (c *Context) Register(id int64, ioBuf, outBuf int) *StepContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc := &StepContext{
		IO:     iochan.NewChannel(ioBuf),
		Output: iochan.NewOutputChannel(outBuf),
	}
	c.steps[id] = sc
	return sc
}

// Get returns the StepContext for id, if registered.
func (c *Context) Get(id int64) (*StepContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.steps[id]
	return sc, ok
}

// SetResult records a worker's completion outcome into id's slot.
func (c *Context) SetResult(id int64, value any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc, ok := c.steps[id]
	if !ok {
		sc = &StepContext{}
		c.steps[id] = sc
	}
	sc.ReturnValue = value
	sc.Err = err
}

// Restore registers a fresh StepContext for id exactly like Register, then
// seeds its channel logs and result from a prior run's persisted snapshot
// (see internal/persist), so status queries immediately reflect history
// the step itself never re-produces. An empty exceptionMsg means the step
// completed without error.
func (c *Context) Restore(id int64, ioBuf, outBuf int, returnValue any, exceptionMsg string, ioLog, outputLog []iochan.Message) *StepContext {
	sc := c.Register(id, ioBuf, outBuf)
	sc.IO.Seed(ioLog)
	sc.Output.Seed(outputLog)

	c.mu.Lock()
	defer c.mu.Unlock()
	sc.ReturnValue = returnValue
	if exceptionMsg != "" {
		sc.Err = errors.New(exceptionMsg)
	}
	return sc
}

// Global reads a user global value.
func (c *Context) Global(key string) (any, bool) {
	c.globalsMu.RLock()
	defer c.globalsMu.RUnlock()
	v, ok := c.globals[key]
	return v, ok
}

// SetGlobal writes a user global value.
func (c *Context) SetGlobal(key string, value any) {
	c.globalsMu.Lock()
	defer c.globalsMu.Unlock()
	c.globals[key] = value
}

// Serialize drains every registered step's I/O and output channels (with
// the given per-channel timeout) and returns a plain-data snapshot map,
// safe to hand to the API layer or a JSON encoder.
func (c *Context) Serialize(timeout time.Duration) map[int64]Snapshot {
	c.mu.RLock()
	ids := make([]int64, 0, len(c.steps))
	entries := make(map[int64]*StepContext, len(c.steps))
	for id, sc := range c.steps {
		ids = append(ids, id)
		entries[id] = sc
	}
	c.mu.RUnlock()

	out := make(map[int64]Snapshot, len(ids))
	for _, id := range ids {
		sc := entries[id]
		snap := Snapshot{ReturnValue: sc.ReturnValue}
		if sc.Err != nil {
			snap.Exception = sc.Err.Error()
		}
		if sc.IO != nil {
			snap.IO = sc.IO.DrainPrompts(timeout)
		}
		if sc.Output != nil {
			snap.Output = sc.Output.Drain(timeout)
		}
		out[id] = snap
	}
	return out
}
