package pipeline

import (
	"time"

	"github.com/me/autotrail/pkg/trailctx"
	"github.com/me/autotrail/pkg/worker"
)

// StepSnapshot is the optional step-object serializer's per-step record:
// a plain-data view of worker liveness for consumers that shouldn't see
// the live *worker.Handle.
type StepSnapshot struct {
	ID    int64
	Alive bool
}

// StepSerializer snapshots each worker's liveness into *out, replacing it
// wholesale each tick.
func StepSerializer(workers map[int64]*worker.Handle, out *map[int64]StepSnapshot) Stage {
	return func(t *Tick) error {
		snap := make(map[int64]StepSnapshot, len(workers))
		for id, h := range workers {
			snap[id] = StepSnapshot{ID: id, Alive: h.IsAlive()}
		}
		*out = snap
		return nil
	}
}

// ContextSerializer drains every step's I/O/output channels (bounded by
// timeout) and stores the resulting plain-data snapshot into *out.
func ContextSerializer(tctx *trailctx.Context, timeout time.Duration, out *map[int64]trailctx.Snapshot) Stage {
	return func(t *Tick) error {
		*out = tctx.Serialize(timeout)
		return nil
	}
}
