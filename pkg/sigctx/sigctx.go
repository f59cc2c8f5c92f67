// Package sigctx ties a context to process shutdown signals.
package sigctx

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}

var exit = os.Exit

// NotifyContext returns a context canceled by the first shutdown signal.
// A second signal during shutdown exits the process with status 1.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stopped := make(chan struct{})

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, shutdownSignals...)

	go func() {
		defer signal.Stop(sigs)

		select {
		case sig := <-sigs:
			slog.Info("shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		case <-stopped:
			return
		}

		select {
		case sig := <-sigs:
			slog.Warn("forced exit", "signal", sig.String())
			exit(1)
		case <-stopped:
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() { close(stopped) })
		cancel()
	}
	return ctx, stop
}
