package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

const (
	gateInterval = time.Second
	gateTimeout  = 10 * time.Second
)

// runGate polls the readiness executable until it exits 0. A non-zero
// exit or a per-run timeout means "not ready yet"; failing to start the
// executable at all is ErrReadinessLoad.
func runGate(ctx context.Context, path string, clock Clock, logger *slog.Logger) error {
	logger.Info("waiting for readiness check", "check", path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(gateInterval):
		}

		runCtx, cancel := context.WithTimeout(ctx, gateTimeout)
		err := exec.CommandContext(runCtx, path).Run()
		cancel()

		switch {
		case err == nil:
			logger.Info("readiness check passed", "check", path)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			logger.Warn("readiness check timed out", "check", path)
		default:
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return fmt.Errorf("%w: %s: %v", ErrReadinessLoad, path, err)
			}
			logger.Warn("not ready yet", "check", path, "exit_code", exitErr.ExitCode())
		}
	}
}
