// Package step defines the Step type: a named unit of work wrapping a
// user callable, plus the Builder that assigns dense, monotonic ids.
package step

import (
	"context"
	"fmt"
	"sync"

	"github.com/me/autotrail/pkg/iochan"
)

// Func is a user-supplied callable run by a worker. It receives a
// cancellable context (cancelled on Interrupt), its I/O channel (for
// prompting the operator and reading replies) and its output channel (for
// write-only progress messages).
type Func func(ctx context.Context, io *iochan.Channel, out *iochan.OutputChannel) (any, error)

// Step is an id-bearing wrapper around a user callable with tags. Tags
// always carry "name" and "n" (the step id). Ids are permanent; the
// callable is immutable after construction.
type Step struct {
	ID   int64
	Tags map[string]any
	Fn   Func
}

// Matches implements the tag-containment subset predicate: every key/value
// in query must be present with an equal value in s.Tags. Values are
// compared both directly and via their string representation, since the
// control-channel wire format carries tag queries as map[string]string
// while tags like "n" are stored as int64.
func (s *Step) Matches(query map[string]any) bool {
	for k, v := range query {
		got, ok := s.Tags[k]
		if !ok {
			return false
		}
		if got == v {
			continue
		}
		if fmt.Sprint(got) == fmt.Sprint(v) {
			continue
		}
		return false
	}
	return true
}

// Builder hands out dense, unique, monotonically increasing step ids. The
// Python original keeps this counter as process-wide global state; here it
// is owned by a Builder instance so a caller can run multiple independent
// trails in one process.
type Builder struct {
	mu   sync.Mutex
	next int64
}

// NewBuilder returns a Builder whose first id is 0.
func NewBuilder() *Builder {
	return &Builder{}
}

// New constructs a Step with a fresh id. name defaults into tags["name"]
// and tags["n"] is always set to the assigned id, overriding any caller
// supplied value for those two keys.
func (b *Builder) New(name string, fn Func, tags map[string]any) *Step {
	b.mu.Lock()
	id := b.next
	b.next++
	b.mu.Unlock()

	merged := make(map[string]any, len(tags)+2)
	for k, v := range tags {
		merged[k] = v
	}
	merged["name"] = name
	merged["n"] = id

	return &Step{ID: id, Tags: merged, Fn: fn}
}
