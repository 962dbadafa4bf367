package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/me/autotrail/pkg/api"
	"github.com/me/autotrail/pkg/ctlsocket"
	"github.com/me/autotrail/pkg/dag"
	"github.com/me/autotrail/pkg/iochan"
	"github.com/me/autotrail/pkg/state"
	"github.com/me/autotrail/pkg/step"
)

// These scenarios mirror internal/scheduler/integration_test.go's
// create-then-drive-to-completion shape, one Manager per scenario, each
// exercising a distinct corner of the step state machine end to end over
// the real control socket. callUntilReady is shared with
// TestIntegration_TwoStepLinearPipeline in manager_test.go.

func newScenarioManager(t *testing.T, steps []*step.Step, successEdges, failureEdges []dag.Edge, opts ...Option) (*Manager, *ctlsocket.Client) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	socketPath := filepath.Join(t.TempDir(), "autotrail.sock")
	mgr, err := New(steps, successEdges, failureEdges, logger, append(opts, WithSocketPath(socketPath))...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	mgr.Start(ctx)
	t.Cleanup(mgr.Cleanup)

	client := ctlsocket.NewClient(socketPath, time.Second)
	if _, err := callUntilReady(client, api.Request{Name: "list"}); err != nil {
		t.Fatalf("socket not ready: %v", err)
	}
	return mgr, client
}

func TestLinearSuccess(t *testing.T) {
	b := step.NewBuilder()
	s := b.New("only", func(ctx context.Context, io *iochan.Channel, out *iochan.OutputChannel) (any, error) {
		return "done", nil
	}, nil)

	mgr, client := newScenarioManager(t, []*step.Step{s}, nil, nil)

	if reply, err := callUntilReady(client, api.Request{Name: "start"}); err != nil || reply.Error != "" {
		t.Fatalf("start: err=%v reply=%+v", err, reply)
	}
	if err := mgr.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
}

func TestFailureBranch(t *testing.T) {
	b := step.NewBuilder()
	var cleanupRan bool
	failing := b.New("deploy", func(ctx context.Context, io *iochan.Channel, out *iochan.OutputChannel) (any, error) {
		return nil, errors.New("deploy rejected")
	}, nil)
	cleanup := b.New("rollback", func(ctx context.Context, io *iochan.Channel, out *iochan.OutputChannel) (any, error) {
		cleanupRan = true
		return nil, nil
	}, nil)

	mgr, client := newScenarioManager(t, []*step.Step{failing, cleanup}, nil,
		[]dag.Edge{{From: failing.ID, To: cleanup.ID}})

	if reply, err := callUntilReady(client, api.Request{Name: "start"}); err != nil || reply.Error != "" {
		t.Fatalf("start: err=%v reply=%+v", err, reply)
	}
	if err := mgr.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !cleanupRan {
		t.Fatalf("expected rollback to run after deploy's failure edge fired")
	}
}

func TestPauseThenResume(t *testing.T) {
	b := step.NewBuilder()
	var ran bool
	s := b.New("only", func(ctx context.Context, io *iochan.Channel, out *iochan.OutputChannel) (any, error) {
		ran = true
		return nil, nil
	}, nil)

	mgr, client := newScenarioManager(t, []*step.Step{s}, nil, nil)

	if reply, err := callUntilReady(client, api.Request{Name: "pause"}); err != nil || reply.Error != "" {
		t.Fatalf("pause: err=%v reply=%+v", err, reply)
	}
	// Give the evaluator a moment to apply Pause before asserting the step
	// hasn't run yet.
	time.Sleep(20 * time.Millisecond)
	if ran {
		t.Fatalf("step ran before being resumed")
	}

	if reply, err := client.Call(api.Request{Name: "resume"}); err != nil || reply.Error != "" {
		t.Fatalf("resume: err=%v reply=%+v", err, reply)
	}
	if err := mgr.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !ran {
		t.Fatalf("expected step to run after resume")
	}
}

func TestInterruptThenResume(t *testing.T) {
	b := step.NewBuilder()
	var attempts int
	s := b.New("long", func(ctx context.Context, io *iochan.Channel, out *iochan.OutputChannel) (any, error) {
		attempts++
		if attempts == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "finished", nil
	}, nil)

	mgr, client := newScenarioManager(t, []*step.Step{s}, nil, nil)

	if reply, err := callUntilReady(client, api.Request{Name: "start"}); err != nil || reply.Error != "" {
		t.Fatalf("start: err=%v reply=%+v", err, reply)
	}

	// Poll until the step is observed running, then interrupt it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reply, err := client.Call(api.Request{Name: "status", StatusFields: []string{"state"}})
		if err == nil && reply.Error == "" && statusHasState(reply.Result, string(state.Running)) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if reply, err := client.Call(api.Request{Name: "interrupt"}); err != nil || reply.Error != "" {
		t.Fatalf("interrupt: err=%v reply=%+v", err, reply)
	}
	if reply, err := callUntilReady(client, api.Request{Name: "resume"}); err != nil || reply.Error != "" {
		t.Fatalf("resume: err=%v reply=%+v", err, reply)
	}

	if err := mgr.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
	if attempts < 2 {
		t.Fatalf("expected the step to be attempted again after resume, got %d attempts", attempts)
	}
}

func TestErrorThenSkip(t *testing.T) {
	b := step.NewBuilder()
	s := b.New("flaky", func(ctx context.Context, io *iochan.Channel, out *iochan.OutputChannel) (any, error) {
		return nil, errors.New("transient")
	}, nil)

	// A non-fatal classifier routes the step's error to the retryable
	// Error state instead of the terminal Failed state.
	mgr, client := newScenarioManager(t, []*step.Step{s}, nil, nil,
		WithIsFatal(func(error) bool { return false }))

	if reply, err := callUntilReady(client, api.Request{Name: "start"}); err != nil || reply.Error != "" {
		t.Fatalf("start: err=%v reply=%+v", err, reply)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reply, err := client.Call(api.Request{Name: "status", StatusFields: []string{"state"}})
		if err == nil && reply.Error == "" && statusHasState(reply.Result, string(state.Error)) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if reply, err := client.Call(api.Request{Name: "skip"}); err != nil || reply.Error != "" {
		t.Fatalf("skip: err=%v reply=%+v", err, reply)
	}

	if err := mgr.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	b := step.NewBuilder()
	var received any
	s := b.New("asks", func(ctx context.Context, ioc *iochan.Channel, out *iochan.OutputChannel) (any, error) {
		ioc.Send("proceed?")
		v, err := ioc.Recv(ctx)
		if err != nil {
			return nil, err
		}
		received = v
		return v, nil
	}, nil)

	mgr, client := newScenarioManager(t, []*step.Step{s}, nil, nil)

	if reply, err := callUntilReady(client, api.Request{Name: "start"}); err != nil || reply.Error != "" {
		t.Fatalf("start: err=%v reply=%+v", err, reply)
	}

	deadline := time.Now().Add(2 * time.Second)
	var delivered bool
	for time.Now().Before(deadline) && !delivered {
		reply, err := client.Call(api.Request{Name: "send_message", Message: "go ahead"})
		if err == nil && reply.Error == "" {
			if m, ok := reply.Result.(map[string]any); ok {
				if ids, ok := m["delivered"].([]any); ok && len(ids) > 0 {
					delivered = true
					break
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !delivered {
		t.Fatalf("send_message never delivered to the waiting step")
	}

	if err := mgr.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
	if received != "go ahead" {
		t.Fatalf("got %v want %q", received, "go ahead")
	}
}

// statusHasState reports whether a status reply's decoded result contains
// an entry with the given state string.
func statusHasState(result any, want string) bool {
	entries, ok := result.([]any)
	if !ok {
		return false
	}
	for _, raw := range entries {
		e, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if s, _ := e["state"].(string); s == want {
			return true
		}
	}
	return false
}
