// Package worker implements supervised execution of a step's user
// callable in an isolated unit: a goroutine wrapped in a panic-safe
// exception boundary for in-process StepFuncs, or a real OS subprocess
// (via os/exec) for external-command steps. Both report their outcome
// through the same Result/GetResult contract so the evaluator's automated
// resolver never needs to know which kind of worker it is polling.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/me/autotrail/pkg/iochan"
)

// Result is the outcome of a completed worker: exactly one of Value or Err
// is meaningful, mirroring a step's (return_value, exception) tuple.
type Result struct {
	Value any
	Err   error
}

// Func matches step.Func; duplicated here to avoid an import cycle
// between pkg/step and pkg/worker (a Handle only needs the callable
// shape, not the Step wrapper).
type Func func(ctx context.Context, io *iochan.Channel, out *iochan.OutputChannel) (any, error)

// Handle supervises one running (or completed) worker. The zero value is
// not usable; construct with Spawn or SpawnCommand.
type Handle struct {
	logger *slog.Logger

	mu       sync.Mutex
	done     chan struct{}
	result   *Result
	finished bool

	cancel  context.CancelFunc
	cmd     *exec.Cmd // non-nil for subprocess-backed handles
}

// Spawn runs fn in a supervised goroutine. The wrapper guarantees a result
// is recorded on every exit path, including panics, matching the Python
// original's "exception wrapper" guarantee that the result channel is
// always written.
func Spawn(fn Func, io *iochan.Channel, out *iochan.OutputChannel, logger *slog.Logger) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		logger: logger.With("component", "worker"),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.finish(nil, fmt.Errorf("step panicked: %v", r))
			}
		}()
		val, err := fn(ctx, io, out)
		h.finish(val, err)
	}()

	return h
}

// SpawnCommand runs an external command as the step's worker, in its own
// process group so Terminate can signal the whole subtree. Exit code 0 is
// success; any other exit or launch failure is recorded as Err.
func SpawnCommand(name string, args []string, logger *slog.Logger) *Handle {
	h := &Handle{
		logger: logger.With("component", "worker", "exec", name),
		done:   make(chan struct{}),
	}

	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	h.cmd = cmd

	go func() {
		err := cmd.Run()
		if err != nil {
			h.finish(nil, err)
			return
		}
		h.finish(cmd.ProcessState.ExitCode(), nil)
	}()

	return h
}

func (h *Handle) finish(val any, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.result = &Result{Value: val, Err: err}
	h.finished = true
	close(h.done)
}

// GetResult is non-blocking: it returns the recorded result and true once
// available, memoized after first completion; otherwise (nil, false).
func (h *Handle) GetResult() (*Result, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, true
	default:
		return nil, false
	}
}

// IsAlive reports whether the worker has not yet produced a result.
func (h *Handle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Terminate forcibly ends the worker. For in-process workers this
// cancels the context passed to the callable (the goroutine itself
// cannot be killed; a well-behaved StepFunc must observe ctx.Done()).
// For subprocess workers it sends SIGTERM to the whole process group via
// golang.org/x/sys/unix so a step's own children are reaped too.
func (h *Handle) Terminate() {
	if h.cmd != nil && h.cmd.Process != nil {
		pgid, err := unix.Getpgid(h.cmd.Process.Pid)
		if err == nil {
			_ = unix.Kill(-pgid, unix.SIGTERM)
		} else {
			_ = h.cmd.Process.Kill()
		}
		return
	}
	if h.cancel != nil {
		h.cancel()
	} else {
		h.logger.Warn("terminate requested on in-process worker with no cancel func; goroutine may continue running")
	}
}

// Status is the automated resolver's classification of a worker's current
// condition.
type Status string

const (
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusTempfail Status = "tempfail"
)

// Check implements check_worker: not-ready is "running"; a clean result is
// "success"; an error classified as fatal by isFatal is "failure";
// any other error is "tempfail". On every call that finds a ready result
// it records the outcome via record.
func Check(h *Handle, isFatal func(error) bool, record func(value any, err error)) Status {
	res, ok := h.GetResult()
	if !ok {
		return StatusRunning
	}
	if record != nil {
		record(res.Value, res.Err)
	}
	if res.Err == nil {
		return StatusSuccess
	}
	if isFatal != nil && isFatal(res.Err) {
		return StatusFailure
	}
	return StatusTempfail
}
