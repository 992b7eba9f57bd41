package monitor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/am3team/am3/internal/catalog"
	"github.com/am3team/am3/internal/proctree"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock steps forward a millisecond per Now() call so elapsed time
// is observable without sleeping; After fires immediately and advances
// by the full duration.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func reader(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

// queueSpawner hands out the given children in order; once exhausted,
// spawning fails, which ends Run deterministically.
func queueSpawner(children ...Spawned) *MockSpawner {
	queue := children
	return &MockSpawner{SpawnFn: func(SpawnConfig) (Spawned, error) {
		if len(queue) == 0 {
			return nil, errors.New("no children queued")
		}
		child := queue[0]
		queue = queue[1:]
		return child, nil
	}}
}

func testEngine(t *testing.T, cfg catalog.AppConfig, s Spawner, capture io.Writer, opts ...Option) *Engine {
	t.Helper()
	if cfg.Start == "" {
		cfg.Start = "/bin/app"
	}
	opts = append([]Option{WithClock(newFakeClock())}, opts...)
	return New("0", cfg, s, capture, testLogger(), opts...)
}

func TestRunExitsWhenSpawnFails(t *testing.T) {
	s := queueSpawner()
	var buf bytes.Buffer
	e := testEngine(t, catalog.AppConfig{}, s, &buf)

	err := e.Run(context.Background())
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("err = %v, want ErrSpawnFailed", err)
	}
	if e.State() != Exited {
		t.Errorf("state = %v, want EXITED", e.State())
	}
	if len(s.SpawnCalls) != 1 {
		t.Errorf("spawn calls = %d, want 1", len(s.SpawnCalls))
	}
	if buf.Len() != 0 {
		t.Errorf("capture written with no child: %q", buf.String())
	}
}

func TestRunTeesOutputAndRespawns(t *testing.T) {
	child := &MockChild{PID: 42, Out: reader("hello\nworld\n")}
	s := queueSpawner(child)
	var buf bytes.Buffer
	e := testEngine(t, catalog.AppConfig{}, s, &buf)

	err := e.Run(context.Background())
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("err = %v, want ErrSpawnFailed after queue drained", err)
	}

	out := buf.String()
	if !strings.Contains(out, "hello\nworld\n") {
		t.Errorf("child lines not teed verbatim:\n%s", out)
	}
	if !strings.Contains(out, "--- process started at ") {
		t.Errorf("spawn banner missing:\n%s", out)
	}

	// Natural exit goes through cooldown into a fresh spawn attempt.
	if len(s.SpawnCalls) != 2 {
		t.Errorf("spawn calls = %d, want 2", len(s.SpawnCalls))
	}
}

func TestCommandLineShapes(t *testing.T) {
	tests := []struct {
		cfg  catalog.AppConfig
		want string
	}{
		{catalog.AppConfig{Start: "/opt/a/run.sh"}, "/opt/a/run.sh"},
		{catalog.AppConfig{Start: "/opt/a/run.sh", Interpreter: "/bin/bash"}, "/bin/bash /opt/a/run.sh"},
		{catalog.AppConfig{Start: "/opt/a/run.sh", Params: "--fast"}, "/opt/a/run.sh --fast"},
		{
			catalog.AppConfig{Start: "/opt/a/run.sh", Interpreter: "/bin/bash", Params: "-x 2>err"},
			"/bin/bash /opt/a/run.sh -x 2>err",
		},
	}
	for _, tt := range tests {
		tt.cfg.WorkingDirectory = "/work"
		s := queueSpawner()
		e := testEngine(t, tt.cfg, s, nil)
		_ = e.Run(context.Background())

		if len(s.SpawnCalls) != 1 {
			t.Fatalf("spawn calls = %d", len(s.SpawnCalls))
		}
		got := s.SpawnCalls[0]
		if got.CommandLine != tt.want {
			t.Errorf("command line = %q, want %q", got.CommandLine, tt.want)
		}
		if got.Dir != "/work" {
			t.Errorf("dir = %q, want /work", got.Dir)
		}
	}
}

func TestTriggerKillsAndRespawns(t *testing.T) {
	child1 := &MockChild{PID: 101, Out: reader("boot\nREADY one\nREADY two\n")}
	child2 := &MockChild{PID: 102, Out: reader("second life\n")}
	s := queueSpawner(child1, child2)

	var killed []int
	var buf bytes.Buffer
	cfg := catalog.AppConfig{
		RestartControl: true,
		RestartKeyword: []string{"READY"},
	}
	e := testEngine(t, cfg, s, &buf, WithKillFunc(func(pid int) {
		killed = append(killed, pid)
	}))

	err := e.Run(context.Background())
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("err = %v", err)
	}

	if len(killed) != 1 || killed[0] != 101 {
		t.Errorf("killed = %v, want [101]", killed)
	}
	if len(s.SpawnCalls) != 3 {
		t.Errorf("spawn calls = %d, want 3 (initial, respawn, failed)", len(s.SpawnCalls))
	}

	out := buf.String()
	if !strings.Contains(out, `--- restart trigger "READY" matched ---`) {
		t.Errorf("trigger annotation missing:\n%s", out)
	}
	// Draining after the kill still tees lines but stops evaluating.
	if got := strings.Count(out, "restart trigger"); got != 1 {
		t.Errorf("trigger annotations = %d, want 1", got)
	}
	if !strings.Contains(out, "READY two\n") {
		t.Errorf("post-kill line not teed:\n%s", out)
	}
	if !strings.Contains(out, "second life\n") {
		t.Errorf("respawned child output missing:\n%s", out)
	}
}

func TestTriggerLoggedOnlyWithoutRestartControl(t *testing.T) {
	child := &MockChild{PID: 55, Out: reader("READY\nstill here\n")}
	s := queueSpawner(child)

	var killed []int
	var buf bytes.Buffer
	cfg := catalog.AppConfig{
		RestartControl: false,
		RestartKeyword: []string{"READY"},
	}
	e := testEngine(t, cfg, s, &buf, WithKillFunc(func(pid int) {
		killed = append(killed, pid)
	}))

	_ = e.Run(context.Background())

	if len(killed) != 0 {
		t.Errorf("killed = %v, want none", killed)
	}
	if !strings.Contains(buf.String(), "restart trigger") {
		t.Error("match not annotated in app log")
	}
	if !strings.Contains(buf.String(), "still here\n") {
		t.Error("child output truncated after logged-only match")
	}
}

func TestGraceWindowSuppressesTriggers(t *testing.T) {
	child := &MockChild{PID: 7, Out: reader("READY\n")}
	s := queueSpawner(child)

	var killed []int
	var buf bytes.Buffer
	cfg := catalog.AppConfig{
		RestartControl:    true,
		RestartKeyword:    []string{"READY"},
		RestartCheckDelay: 5,
	}
	e := testEngine(t, cfg, s, &buf, WithKillFunc(func(pid int) {
		killed = append(killed, pid)
	}))

	_ = e.Run(context.Background())

	if len(killed) != 0 {
		t.Errorf("killed inside grace window: %v", killed)
	}
	if strings.Contains(buf.String(), "restart trigger") {
		t.Error("trigger evaluated inside grace window")
	}
	if !strings.Contains(buf.String(), "READY\n") {
		t.Error("line inside grace window not teed")
	}
}

func TestLiteralWinsOverRegex(t *testing.T) {
	child := &MockChild{PID: 8, Out: reader("please restart now\n")}
	s := queueSpawner(child)

	var buf bytes.Buffer
	cfg := catalog.AppConfig{
		RestartControl:      true,
		RestartKeyword:      []string{"restart now"},
		RestartKeywordRegex: []string{"restart.*"},
	}
	e := testEngine(t, cfg, s, &buf, WithKillFunc(func(int) {}))

	_ = e.Run(context.Background())

	out := buf.String()
	if !strings.Contains(out, `trigger "restart now" matched`) {
		t.Errorf("literal did not win:\n%s", out)
	}
	if strings.Contains(out, "restart.*") {
		t.Errorf("regex reported instead of literal:\n%s", out)
	}
}

func TestRegexTrigger(t *testing.T) {
	child := &MockChild{PID: 9, Out: reader("panic: boom\n")}
	s := queueSpawner(child)

	var killed []int
	cfg := catalog.AppConfig{
		RestartControl:      true,
		RestartKeywordRegex: []string{"panic: .*"},
	}
	e := testEngine(t, cfg, s, nil, WithKillFunc(func(pid int) {
		killed = append(killed, pid)
	}))

	_ = e.Run(context.Background())

	if len(killed) != 1 || killed[0] != 9 {
		t.Errorf("killed = %v, want [9]", killed)
	}
}

func TestStopKillsChildAndExits(t *testing.T) {
	pr, pw := io.Pipe()
	child := &MockChild{PID: 77, Out: pr}
	s := queueSpawner(child)

	var mu sync.Mutex
	var killed []int
	kill := func(pid int) {
		mu.Lock()
		killed = append(killed, pid)
		mu.Unlock()
		pw.Close()
	}

	var buf bytes.Buffer
	e := testEngine(t, catalog.AppConfig{}, s, &buf, WithKillFunc(kill))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	// The write completes only once the engine is reading.
	if _, err := pw.Write([]byte("alive\n")); err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after cancel")
	}

	if e.State() != Exited {
		t.Errorf("state = %v, want EXITED", e.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(killed) != 1 || killed[0] != 77 {
		t.Errorf("killed = %v, want [77]", killed)
	}
}

func TestRunRecordsMonitorPid(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "app-0.pid")
	s := queueSpawner()
	e := testEngine(t, catalog.AppConfig{AppPIDFile: pidPath}, s, nil)

	_ = e.Run(context.Background())

	pid, err := proctree.ReadPIDFile(pidPath)
	if err != nil {
		t.Fatalf("pid file not written: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid file holds %d, want own pid %d", pid, os.Getpid())
	}
}

func TestBannerPerSpawn(t *testing.T) {
	s := queueSpawner(
		&MockChild{PID: 1, Out: reader("a\n")},
		&MockChild{PID: 2, Out: reader("b\n")},
	)
	var buf bytes.Buffer
	e := testEngine(t, catalog.AppConfig{}, s, &buf)

	_ = e.Run(context.Background())

	if got := strings.Count(buf.String(), "--- process started at "); got != 2 {
		t.Errorf("banners = %d, want one per spawn", got)
	}
}

func TestReadinessGateFailureSkipsSpawn(t *testing.T) {
	s := queueSpawner(&MockChild{PID: 1})
	cfg := catalog.AppConfig{
		BeforeExecute: filepath.Join(t.TempDir(), "missing-check"),
	}
	e := testEngine(t, cfg, s, nil)

	err := e.Run(context.Background())
	if !errors.Is(err, ErrReadinessLoad) {
		t.Fatalf("err = %v, want ErrReadinessLoad", err)
	}
	if e.State() != Exited {
		t.Errorf("state = %v, want EXITED", e.State())
	}
	if len(s.SpawnCalls) != 0 {
		t.Errorf("spawned despite failed gate: %d calls", len(s.SpawnCalls))
	}
}
