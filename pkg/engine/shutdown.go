package engine

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const defaultShutdownTimeout = 30 * time.Second

// RunWithGracefulShutdown runs the engine until it finishes or the process
// receives SIGTERM/SIGINT. The first signal stops the sources and lets the
// engine drain; a second signal or the timeout cancels the run, which
// discards held state.
func RunWithGracefulShutdown(ctx context.Context, engine *Engine, timeout time.Duration) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	return runUntilSignal(ctx, engine, timeout, sigCh)
}

func runUntilSignal(ctx context.Context, engine *Engine, timeout time.Duration, sigCh <-chan os.Signal) error {
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		engine.logger.Info("received shutdown signal, draining", "signal", sig.String(), "timeout", timeout)
		engine.Stop()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		engine.logger.Warn("second signal, forcing exit", "signal", sig.String())
	case <-timer.C:
		engine.logger.Warn("shutdown timeout expired, forcing exit", "timeout", timeout)
	}
	cancel()
	return <-errCh
}
