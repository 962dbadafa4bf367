package manager

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/me/autotrail/internal/persist"
	"github.com/me/autotrail/pkg/api"
	"github.com/me/autotrail/pkg/ctlsocket"
	"github.com/me/autotrail/pkg/dag"
	"github.com/me/autotrail/pkg/iochan"
	"github.com/me/autotrail/pkg/step"
	"github.com/me/autotrail/pkg/trailctx"
)

// TestIntegration_TwoStepLinearPipeline verifies a two-step DAG (step2
// depends on step1's success) runs to completion once "start" is issued
// over the control socket.
func TestIntegration_TwoStepLinearPipeline(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := step.NewBuilder()

	var ranSecond bool
	step1 := b.New("step1", func(ctx context.Context, io *iochan.Channel, out *iochan.OutputChannel) (any, error) {
		return "step1-done", nil
	}, map[string]any{"stage": "build"})
	step2 := b.New("step2", func(ctx context.Context, io *iochan.Channel, out *iochan.OutputChannel) (any, error) {
		ranSecond = true
		return "step2-done", nil
	}, map[string]any{"stage": "deploy"})

	socketPath := filepath.Join(t.TempDir(), "autotrail.sock")
	mgr, err := New(
		[]*step.Step{step1, step2},
		[]dag.Edge{{From: step1.ID, To: step2.ID}},
		nil,
		logger,
		WithSocketPath(socketPath),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Cleanup()

	client := ctlsocket.NewClient(socketPath, time.Second)
	reply, err := callUntilReady(client, api.Request{Name: "start"})
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	if reply.Error != "" {
		t.Fatalf("unexpected start error: %s", reply.Error)
	}

	if err := mgr.Join(); err != nil {
		t.Fatalf("expected clean quiescent join, got %v", err)
	}
	if !ranSecond {
		t.Fatalf("expected downstream step to have run")
	}
}

// TestIsAliveAPIAndEvaluatorReflectLifecycle checks both accessors report
// alive while a trail runs and dead once Terminate/Join has completed.
func TestIsAliveAPIAndEvaluatorReflectLifecycle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := step.NewBuilder()
	s := b.New("only", func(ctx context.Context, io *iochan.Channel, out *iochan.OutputChannel) (any, error) {
		return "done", nil
	}, nil)

	socketPath := filepath.Join(t.TempDir(), "autotrail.sock")
	mgr, err := New([]*step.Step{s}, nil, nil, logger, WithSocketPath(socketPath))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Cleanup()

	client := ctlsocket.NewClient(socketPath, time.Second)
	if _, err := callUntilReady(client, api.Request{Name: "list"}); err != nil {
		t.Fatalf("socket not ready: %v", err)
	}
	if !mgr.IsAliveAPI() {
		t.Fatalf("expected control socket to report alive once serving")
	}
	if !mgr.IsAliveEvaluator() {
		t.Fatalf("expected evaluator to report alive before quiescence")
	}

	if _, err := callUntilReady(client, api.Request{Name: "start"}); err != nil {
		t.Fatalf("start call: %v", err)
	}
	if err := mgr.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
	if mgr.IsAliveEvaluator() {
		t.Fatalf("expected evaluator to report dead after quiescent join")
	}

	mgr.TerminateAPI()
	if mgr.IsAliveAPI() {
		t.Fatalf("expected control socket to report dead after TerminateAPI")
	}
}

// TestWithRestoredContextSkipsPersistedSteps checks that a Manager built
// from internal/persist.Restore's output leaves an already-Succeeded step
// untouched (its worker never runs again) instead of restarting it from
// Ready, the scenario internal/persist exists to serve.
func TestWithRestoredContextSkipsPersistedSteps(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := step.NewBuilder()
	var reran bool
	done := b.New("build", func(ctx context.Context, io *iochan.Channel, out *iochan.OutputChannel) (any, error) {
		reran = true
		return "rebuilt", nil
	}, nil)
	next := b.New("deploy", func(ctx context.Context, io *iochan.Channel, out *iochan.OutputChannel) (any, error) {
		return "deployed", nil
	}, nil)
	steps := []*step.Step{done, next}
	edges := []dag.Edge{{From: done.ID, To: next.ID}}

	doc := persist.Document{
		"build": {State: "Succeeded", ReturnValue: "already built", Parents: nil},
		"deploy": {State: "Ready", Parents: []string{"build"}},
	}
	snap := persist.BuildSnapshot(steps, edges)
	tctx := trailctx.New()
	states, err := persist.Restore(doc, snap, nil, tctx, 4, 4)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	socketPath := filepath.Join(t.TempDir(), "autotrail.sock")
	mgr, err := New(steps, edges, nil, logger,
		WithSocketPath(socketPath),
		WithRestoredContext(tctx, states),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Cleanup()

	client := ctlsocket.NewClient(socketPath, time.Second)
	if reply, err := callUntilReady(client, api.Request{Name: "start"}); err != nil || reply.Error != "" {
		t.Fatalf("start: err=%v reply=%+v", err, reply)
	}
	if err := mgr.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
	if reran {
		t.Fatalf("expected the restored Succeeded step not to run again")
	}
}

// callUntilReady retries the dial briefly: New's listener is bound
// synchronously, but Start's Serve goroutine may not have reached its
// first Accept yet on a slow scheduler.
func callUntilReady(c *ctlsocket.Client, req api.Request) (api.Reply, error) {
	var lastErr error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reply, err := c.Call(req)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	return api.Reply{}, lastErr
}
