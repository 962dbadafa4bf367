package pipeline

import (
	"github.com/me/autotrail/pkg/api"
	"github.com/me/autotrail/pkg/state"
)

// InjectedActionReader does a non-blocking read of at most one
// operator-provided action map per tick, merging it in (later-wins, same
// as every other stage's Emit calls).
func InjectedActionReader(ch <-chan map[int64]state.Action) Stage {
	return func(t *Tick) error {
		select {
		case injected := <-ch:
			for id, a := range injected {
				t.Emit(id, a)
			}
		default:
		}
		return nil
	}
}

// APIServerTick accepts at most one pending api.Call this tick, dispatches
// it against a freshly built api.Snapshot (buildSnapshot supplies every
// field except States/Transitions, which come from the current tick),
// merges any actions the handler emitted, replies on the call's channel,
// and sets *shutdown when the dispatched operation signals one.
func APIServerTick(registry api.Registry, calls <-chan api.Call, buildSnapshot func() api.Snapshot, shutdown *bool) Stage {
	return func(t *Tick) error {
		select {
		case call := <-calls:
			snap := buildSnapshot()
			snap.States = t.States
			snap.Transitions = t.Transitions
			out := registry.Dispatch(call.Req, snap)
			for id, a := range out.Actions {
				t.Emit(id, a)
			}
			if out.Shutdown {
				*shutdown = true
			}
			if call.Reply != nil {
				call.Reply <- out.Reply
			}
		default:
		}
		return nil
	}
}
