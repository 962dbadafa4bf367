package main

import (
	"context"
	"time"

	"github.com/me/autotrail/pkg/iochan"
	"github.com/me/autotrail/pkg/step"
)

// demoRegistry is the set of step.Funcs the bundled trails/demo.yaml can
// name under "run". A real deployment would register its own domain
// callables the same way.
func demoRegistry() map[string]step.Func {
	return map[string]step.Func{
		"shell.sleep": sleepStep,
		"shell.echo":  echoStep,
	}
}

// sleepStep simulates a short unit of work, honoring interrupt
// cancellation instead of blocking past it.
func sleepStep(ctx context.Context, io *iochan.Channel, out *iochan.OutputChannel) (any, error) {
	out.Write("starting")
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out.Write("done")
	return "ok", nil
}

// echoStep prompts the operator once and returns its reply.
func echoStep(ctx context.Context, io *iochan.Channel, out *iochan.OutputChannel) (any, error) {
	io.Send("trail complete, anything to relay?")
	v, err := io.Recv(ctx)
	if err != nil {
		return nil, err
	}
	return v, nil
}
