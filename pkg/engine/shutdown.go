package engine

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const defaultShutdownTimeout = 30 * time.Second

// RunWithGracefulShutdown runs the scheduler until it stops on its own or
// SIGTERM/SIGINT arrives. On a signal the scheduler is stopped; if it does
// not exit within timeout the run context is cancelled as well.
func RunWithGracefulShutdown(ctx context.Context, s *Scheduler, timeout time.Duration) error {
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	if err := s.Start(ctx); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Wait()
	}()

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig, "status", s.Status().State)
		go s.Stop()

		select {
		case err := <-errCh:
			return err
		case <-time.After(timeout):
			slog.Warn("shutdown timeout expired, forcing exit", "timeout", timeout)
			cancel()
			return <-errCh
		}

	case err := <-errCh:
		return err
	}
}
