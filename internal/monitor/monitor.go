// Package monitor implements the per-application supervision engine:
// the detached process that spawns one app's child through the shell,
// tees its combined output to the app log, scans each line against
// restart triggers, and kills-and-respawns on a match. One engine owns
// exactly one application; catalog reads happen once at startup, so
// the engine and the control tool meet only at the pid file.
package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/am3team/am3/internal/catalog"
	"github.com/am3team/am3/internal/proctree"
)

var (
	// ErrReadinessLoad means the readiness check could not be run at
	// all; the engine exits without spawning.
	ErrReadinessLoad = errors.New("cannot run readiness check")
	// ErrSpawnFailed means the OS rejected the exec; the engine exits
	// without respawning.
	ErrSpawnFailed = errors.New("spawn failed")
)

const timeLayout = "2006-01-02 15:04:05"

// Engine supervises one application.
type Engine struct {
	id       string
	cfg      catalog.AppConfig
	spawner  Spawner
	clock    Clock
	logger   *slog.Logger
	capture  io.Writer
	kill     func(pid int)
	triggers triggerSet

	mu    sync.Mutex
	state State
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock substitutes the time source.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithKillFunc substitutes the tree terminator.
func WithKillFunc(fn func(pid int)) Option {
	return func(e *Engine) { e.kill = fn }
}

// New builds an engine for one catalog record. Child output lines are
// appended verbatim to capture.
func New(id string, cfg catalog.AppConfig, spawner Spawner, capture io.Writer, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		id:      id,
		cfg:     cfg,
		spawner: spawner,
		capture: capture,
		clock:   RealClock(),
		logger:  logger.With("app", cfg.Name, "id", id),
		state:   Ready,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.kill == nil {
		e.kill = func(pid int) { proctree.KillTree(pid, e.logger) }
	}
	e.triggers = compileTriggers(cfg, e.logger)
	return e
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(to State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == to {
		return
	}
	if !canTransition(e.state, to) {
		e.logger.Warn("irregular state change", "from", e.state, "to", to)
	}
	e.logger.Debug("state change", "from", e.state, "to", to)
	e.state = to
}

// Run drives the supervise loop until the context is canceled or the
// engine gives up (readiness or spawn failure). The engine records its
// own pid once at the start of its life; it never rewrites the pid
// file on respawn and never deletes it, the stop path owns removal.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("monitor starting", "start", e.cfg.Start)

	if e.cfg.AppPIDFile != "" {
		if err := proctree.WritePIDFile(e.cfg.AppPIDFile, os.Getpid()); err != nil {
			e.logger.Error("cannot record monitor pid", "error", err)
		}
	}

	// Pre-flight only: the gate is not re-run on respawn.
	if e.cfg.BeforeExecute != "" {
		if err := runGate(ctx, e.cfg.BeforeExecute, e.clock, e.logger); err != nil {
			e.logger.Error("readiness gate failed", "error", err)
			e.setState(Exited)
			return err
		}
	}

	for {
		if err := e.superviseOnce(ctx); err != nil {
			return err
		}
	}
}

// superviseOnce runs one spawn-tee-reap-cooldown cycle. A nil return
// means "respawn".
func (e *Engine) superviseOnce(ctx context.Context) error {
	line := e.commandLine()
	child, err := e.spawner.Spawn(SpawnConfig{CommandLine: line, Dir: e.cfg.WorkingDirectory})
	if err != nil {
		e.logger.Error("spawn failed", "command", line, "error", err)
		e.setState(Exited)
		return fmt.Errorf("%w: %s: %v", ErrSpawnFailed, e.cfg.Start, err)
	}
	e.setState(Running)
	spawnedAt := e.clock.Now()
	e.logger.Info("application started", "pid", child.Pid(), "command", line)
	e.writeCapture(fmt.Sprintf("--- process started at %s ---\n", spawnedAt.Format(timeLayout)))

	// Termination signals must take the child down with us; the kill
	// closes the pipe, which unwinds the scan loop and the reap.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.setState(Killing)
			e.kill(child.Pid())
		case <-done:
		}
	}()

	e.scanOutput(child, spawnedAt)
	code := exitStatus(child.Wait())
	close(done)
	e.logger.Info("application exited", "exit_code", code)

	if ctx.Err() != nil {
		e.setState(Exited)
		return ctx.Err()
	}

	e.setState(Cooldown)
	e.logger.Info("respawning after cooldown", "seconds", e.cfg.RestartWaitTime)
	select {
	case <-ctx.Done():
		e.setState(Exited)
		return ctx.Err()
	case <-e.clock.After(time.Duration(e.cfg.RestartWaitTime) * time.Second):
	}
	return nil
}

// scanOutput tees child output line by line and applies triggers.
// Lines inside the grace window are written but never evaluated. After
// a kill the loop keeps teeing until the pipe drains.
func (e *Engine) scanOutput(child Spawned, spawnedAt time.Time) {
	grace := time.Duration(e.cfg.RestartCheckDelay) * time.Second
	scanner := bufio.NewScanner(child.Output())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	killed := false
	for scanner.Scan() {
		text := scanner.Text()
		e.writeCapture(text + "\n")
		if killed {
			continue
		}
		if e.clock.Now().Sub(spawnedAt) <= grace {
			continue
		}
		trigger, ok := e.triggers.Match(text)
		if !ok {
			continue
		}
		e.logger.Warn("restart trigger matched", "trigger", trigger, "line", text)
		e.writeCapture(fmt.Sprintf("--- restart trigger %q matched ---\n", trigger))
		if !e.cfg.RestartControl {
			continue
		}
		e.setState(Killing)
		e.kill(child.Pid())
		killed = true
	}
	if err := scanner.Err(); err != nil {
		// An oversized or unreadable stream cannot be supervised;
		// take the child down and let the cooldown respawn it.
		e.logger.Error("output stream failed", "error", err)
		if !killed {
			e.kill(child.Pid())
		}
	}
}

func (e *Engine) commandLine() string {
	parts := make([]string, 0, 3)
	if e.cfg.Interpreter != "" {
		parts = append(parts, e.cfg.Interpreter)
	}
	parts = append(parts, e.cfg.Start)
	if e.cfg.Params != "" {
		parts = append(parts, e.cfg.Params)
	}
	return strings.Join(parts, " ")
}

func (e *Engine) writeCapture(s string) {
	if e.capture == nil {
		return
	}
	if _, err := e.capture.Write([]byte(s)); err != nil {
		e.logger.Warn("app log write failed", "error", err)
	}
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	code := exitErr.ExitCode()
	if code < 0 {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			code = 128 + int(ws.Signal())
		}
	}
	return code
}
