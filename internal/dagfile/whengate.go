package dagfile

import (
	"log/slog"

	"github.com/dop251/goja"

	"github.com/me/autotrail/pkg/pipeline"
	"github.com/me/autotrail/pkg/state"
	"github.com/me/autotrail/pkg/trailctx"
)

// WhenGate evaluates each gated step's when expression once per tick,
// against a "context" object keyed by every step's name (from names),
// exposing return_value/exception/pending for each. A step whose
// expression evaluates false is moved straight to ToSkip via
// Mark-to-skip, the moment that action is available (Ready or Waiting) —
// the same outcome a CWL step with a false "when" gets: skipped, not
// stuck waiting forever. Run elsewhere in the pipeline via AutomatedResolver;
// must be placed after it so auto-skip wins over an automated Run decision
// for the same tick, and before the API/injected stages so an operator's
// explicit action still has the final say.
func WhenGate(exprs map[int64]string, names map[int64]string, serialized *map[int64]trailctx.Snapshot, logger *slog.Logger) pipeline.Stage {
	return func(t *pipeline.Tick) error {
		if len(exprs) == 0 {
			return nil
		}
		var snap map[int64]trailctx.Snapshot
		if serialized != nil {
			snap = *serialized
		}

		for id, expr := range exprs {
			if !hasAction(t.Transitions[id], state.MarkToSkip) {
				continue
			}
			ok, err := evalWhen(expr, names, snap)
			if err != nil {
				logger.Warn("when expression error", "step", id, "error", err)
				continue
			}
			if !ok {
				t.Emit(id, state.MarkToSkip)
			}
		}
		return nil
	}
}

func hasAction(actions []state.Action, want state.Action) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

func evalWhen(expr string, names map[int64]string, snap map[int64]trailctx.Snapshot) (bool, error) {
	vm := goja.New()

	ctxObj := make(map[string]any, len(names))
	for id, name := range names {
		entry := map[string]any{"pending": true}
		if s, ok := snap[id]; ok {
			entry["pending"] = false
			entry["return_value"] = s.ReturnValue
			entry["exception"] = s.Exception
		}
		ctxObj[name] = entry
	}
	if err := vm.Set("context", ctxObj); err != nil {
		return false, err
	}

	val, err := vm.RunString(expr)
	if err != nil {
		return false, err
	}
	b, ok := val.Export().(bool)
	if !ok {
		return false, errNotBool(expr)
	}
	return b, nil
}

type errNotBool string

func (e errNotBool) Error() string {
	return "when expression did not evaluate to a boolean: " + string(e)
}
