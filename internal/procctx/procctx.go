// Package procctx provides a single signal-aware context.Context shared by
// every supervisor loop, so SIGTERM/SIGINT cancels all of them at once.
//
// Adapted from the teacher's utils/mainctx/context.go: same first-signal
// cancels, repeat-signal logs louder shape, minus the Docker
// force-kill-containers escalation, which has no analogue here — phoenix
// owns no child processes to force-kill.
package procctx

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	once   sync.Once
	rootCtx context.Context
)

// Get returns the process-wide context, cancelled on the first
// SIGINT/SIGTERM/SIGHUP/SIGQUIT received by this process.
func Get() context.Context {
	once.Do(start)
	return rootCtx
}

func start() {
	var cancel context.CancelFunc
	rootCtx, cancel = context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		count := 0
		for sig := range sigCh {
			count++
			switch {
			case count == 1:
				slog.Warn("received signal, shutting down gracefully", "signal", sig)
				cancel()
			default:
				slog.Warn("received signal again, already shutting down", "signal", sig)
			}
		}
	}()
}
