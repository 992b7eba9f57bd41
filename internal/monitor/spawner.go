package monitor

import (
	"io"
	"os/exec"
	"strings"
	"syscall"
)

// SpawnConfig holds the parameters for one child spawn.
type SpawnConfig struct {
	CommandLine string // full shell line: interpreter? start params?
	Dir         string // working directory
}

// Spawned is a running child as the engine sees it: a pid to kill, a
// combined output stream, and a reaper.
type Spawned interface {
	Pid() int
	Output() io.ReadCloser
	Wait() error
}

// Spawner creates child processes. Implementations include ExecSpawner
// (real) and MockSpawner (testing).
type Spawner interface {
	Spawn(cfg SpawnConfig) (Spawned, error)
}

// ExecSpawner runs real children through the platform shell, so params
// keep their shell expansion.
type ExecSpawner struct{}

type execChild struct {
	cmd *exec.Cmd
	out io.ReadCloser
}

// Spawn starts `sh -c <command line>` in its own process group with
// stdout and stderr merged onto a single pipe.
func (s *ExecSpawner) Spawn(cfg SpawnConfig) (Spawned, error) {
	cmd := exec.Command("/bin/sh", "-c", cfg.CommandLine)
	cmd.Dir = cfg.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// StdoutPipe sets cmd.Stdout to the pipe's write end; sharing it
	// with Stderr merges both streams in arrival order.
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execChild{cmd: cmd, out: out}, nil
}

func (c *execChild) Pid() int              { return c.cmd.Process.Pid }
func (c *execChild) Output() io.ReadCloser { return c.out }
func (c *execChild) Wait() error           { return c.cmd.Wait() }

// MockSpawner is a test double for Spawner.
type MockSpawner struct {
	SpawnFn    func(cfg SpawnConfig) (Spawned, error)
	SpawnCalls []SpawnConfig
}

// Spawn records the call and delegates to SpawnFn.
func (m *MockSpawner) Spawn(cfg SpawnConfig) (Spawned, error) {
	m.SpawnCalls = append(m.SpawnCalls, cfg)
	if m.SpawnFn != nil {
		return m.SpawnFn(cfg)
	}
	return &MockChild{PID: 1000 + len(m.SpawnCalls)}, nil
}

// MockChild is a test double for Spawned. A nil Out reads as an
// immediately-closed stream.
type MockChild struct {
	PID     int
	Out     io.ReadCloser
	WaitErr error
}

func (c *MockChild) Pid() int { return c.PID }

func (c *MockChild) Output() io.ReadCloser {
	if c.Out == nil {
		return io.NopCloser(strings.NewReader(""))
	}
	return c.Out
}

func (c *MockChild) Wait() error { return c.WaitErr }
