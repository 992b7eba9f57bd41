// Package proctree inspects and signals process trees. Monitors and
// managed apps live in separate sessions, so the only handle the CLI
// has on them is a PID recorded on disk; everything here works from
// bare PIDs rather than os.Process values.
package proctree

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// Alive reports whether a process with the given PID currently exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Descendants returns the PIDs of every live descendant of pid,
// breadth-first, so parents always precede their own children.
func Descendants(pid int) []int {
	var out []int
	queue := []int32{int32(pid)}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		p, err := process.NewProcess(cur)
		if err != nil {
			continue
		}
		kids, err := p.Children()
		if err != nil {
			continue
		}
		for _, kid := range kids {
			out = append(out, int(kid.Pid))
			queue = append(queue, kid.Pid)
		}
	}
	return out
}

// KillTree sends SIGTERM to pid and all of its descendants. The root
// is signaled first so it cannot respawn children mid-walk. A PID that
// is already gone counts as done; signal failures on individual PIDs
// are logged and skipped.
func KillTree(pid int, logger *slog.Logger) {
	if !Alive(pid) {
		return
	}
	targets := append([]int{pid}, Descendants(pid)...)
	for _, t := range targets {
		p, err := process.NewProcess(int32(t))
		if err != nil {
			continue
		}
		if err := p.Terminate(); err != nil {
			logger.Warn("terminate failed", "pid", t, "error", err)
		}
	}
}

// WritePIDFile writes pid to path in decimal form.
func WritePIDFile(path string, pid int) error {
	data := []byte(strconv.Itoa(pid) + "\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("cannot write PID file: %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile parses the PID stored at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed PID file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file if it exists.
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// FileAlive reads the PID file at path and reports whether that process
// is currently running. A missing or malformed file counts as not
// running.
func FileAlive(path string) (int, bool) {
	pid, err := ReadPIDFile(path)
	if err != nil {
		return 0, false
	}
	return pid, Alive(pid)
}
