// Package signals turns OS shutdown signals into context cancellation.
package signals

import (
	"context"
	"os"
	"os/signal"
)

// Received is the cancellation cause of a context stopped by a signal.
type Received struct {
	Signal os.Signal
}

func (r *Received) Error() string { return "received signal " + r.Signal.String() }

// ShutdownSignals returns the signals that trigger graceful shutdown.
func ShutdownSignals() []os.Signal {
	return append([]os.Signal(nil), shutdownSignals...)
}

// Test hooks.
var (
	notify     = signal.Notify
	stopNotify = signal.Stop
)

// NotifyContext returns a copy of parent that is canceled on the first
// shutdown signal, with a *Received as its context.Cause. stop releases the
// handler and cancels the context.
func NotifyContext(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	ch := make(chan os.Signal, 1)
	notify(ch, shutdownSignals...)
	go func() {
		defer stopNotify(ch)
		select {
		case sig := <-ch:
			cancel(&Received{Signal: sig})
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(nil) }
}
